package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/iptv-gateway/internal/catalog"
	"github.com/snapetech/iptv-gateway/internal/httpclient"
	"github.com/snapetech/iptv-gateway/internal/store"
)

// State of the worker lifecycle, readable through Status().
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

var (
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_health_probes_total",
		Help: "Stream probes performed, by resulting status.",
	}, []string{"status"})
	streamsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iptv_streams_by_status",
		Help: "Streams in the store by health status.",
	}, []string{"status"})
)

// Options tune the worker; zero values fall back to the defaults the rest of
// the system assumes.
type Options struct {
	BatchSize    int           // streams per pass (30)
	BatchDelay   time.Duration // pause between passes (5s)
	ProbeTimeout time.Duration // per-probe budget (8s)
	Concurrency  int           // concurrent probes (10)
	IdleDelay    time.Duration // pause when nothing is due (60s)
	ErrorBackoff time.Duration // pause after a loop error (30s)
	StartDelay   time.Duration // wait before the first pass (10s)
	SnapshotPath string
}

func (o *Options) fill() {
	if o.BatchSize <= 0 {
		o.BatchSize = 30
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = 5 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 8 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = 60 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 30 * time.Second
	}
}

type Worker struct {
	store   *store.Store
	client  *http.Client
	opts    Options
	log     zerolog.Logger
	limiter *rate.Limiter

	mu            sync.Mutex
	state         State
	lastPass      time.Time
	checkedTotal  int
	snapshotSaved bool
}

func NewWorker(st *store.Store, opts Options, log zerolog.Logger) *Worker {
	opts.fill()
	return &Worker{
		store:  st,
		client: httpclient.Insecure(opts.ProbeTimeout),
		opts:   opts,
		log:    log,
		state:  StateStopped,
		// Global pacing across batches keeps probe bursts polite to origins.
		limiter: rate.NewLimiter(rate.Limit(float64(opts.Concurrency)), opts.Concurrency),
	}
}

// Status reports the lifecycle state plus loop counters.
type WorkerStatus struct {
	State        State     `json:"state"`
	LastPass     time.Time `json:"last_pass"`
	CheckedTotal int       `json:"checked_total"`
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{State: w.state, LastPass: w.lastPass, CheckedTotal: w.checkedTotal}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run executes the probe loop until ctx is cancelled. It loads the snapshot
// before the first pass and saves one on the way out.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	if w.opts.SnapshotPath != "" {
		if n, err := LoadSnapshot(w.opts.SnapshotPath, w.store); err != nil {
			w.log.Warn().Err(err).Msg("snapshot load failed")
		} else if n > 0 {
			w.log.Info().Int("streams", n).Msg("health state warm-started from snapshot")
		}
	}
	if w.opts.StartDelay > 0 {
		if !sleepCtx(ctx, w.opts.StartDelay) {
			return w.stop()
		}
	}

	w.setState(StateRunning)
	for {
		if ctx.Err() != nil {
			return w.stop()
		}
		batch, err := w.store.GetUncheckedStreams(w.opts.BatchSize)
		if err != nil {
			w.log.Error().Err(err).Msg("health pass failed")
			if !sleepCtx(ctx, w.opts.ErrorBackoff) {
				return w.stop()
			}
			continue
		}
		if len(batch) == 0 {
			w.saveSnapshotOnce()
			w.updateGauges()
			if !sleepCtx(ctx, w.opts.IdleDelay) {
				return w.stop()
			}
			continue
		}
		w.probeBatch(ctx, batch)
		w.mu.Lock()
		w.lastPass = time.Now()
		w.checkedTotal += len(batch)
		w.mu.Unlock()
		w.updateGauges()
		if !sleepCtx(ctx, w.opts.BatchDelay) {
			return w.stop()
		}
	}
}

// probeBatch runs one batch through the semaphore. In-flight probes are
// cancelled when ctx is.
func (w *Worker) probeBatch(ctx context.Context, batch []catalog.Stream) {
	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	for i := range batch {
		stream := batch[i]
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.probeOne(ctx, &stream)
		}()
	}
	wg.Wait()
}

func (w *Worker) probeOne(ctx context.Context, stream *catalog.Stream) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.ProbeTimeout)
	defer cancel()
	res := Probe(ctx, w.client, stream)
	probesTotal.WithLabelValues(string(res.Status)).Inc()
	due := NextCheckDue(res.Status, res.Err, time.Now())
	if err := w.store.UpdateStreamHealth(stream.ID, res.Status, res.ResponseMS, res.Err, due); err != nil {
		w.log.Warn().Err(err).Str("stream", stream.ID).Msg("health update failed")
		return
	}
	w.log.Debug().Str("stream", stream.ID).Str("status", string(res.Status)).
		Int("ms", res.ResponseMS).Str("err", res.Err).Msg("probed")
}

// saveSnapshotOnce writes the snapshot after the first pass that finds
// nothing due; later idle passes skip it.
func (w *Worker) saveSnapshotOnce() {
	w.mu.Lock()
	saved := w.snapshotSaved
	w.snapshotSaved = true
	w.mu.Unlock()
	if saved || w.opts.SnapshotPath == "" {
		return
	}
	if err := SaveSnapshot(w.opts.SnapshotPath, w.store); err != nil {
		w.log.Warn().Err(err).Msg("snapshot save failed")
	}
}

func (w *Worker) stop() error {
	w.setState(StateStopping)
	if w.opts.SnapshotPath != "" {
		if err := SaveSnapshot(w.opts.SnapshotPath, w.store); err != nil {
			w.log.Warn().Err(err).Msg("snapshot save on stop failed")
		}
	}
	w.setState(StateStopped)
	return nil
}

func (w *Worker) updateGauges() {
	stats, err := w.store.GetHealthStats()
	if err != nil {
		return
	}
	for _, status := range []string{"unknown", "working", "warning", "failed"} {
		streamsByStatus.WithLabelValues(status).Set(float64(stats.ByStatus[status]))
	}
}

// sleepCtx sleeps d or until ctx is done; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
