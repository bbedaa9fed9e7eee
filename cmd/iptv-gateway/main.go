// Command iptv-gateway serves the catalog API, the HLS proxy, and the EPG,
// with a background health worker and periodic catalog sync. Zero interaction
// after .env.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/snapetech/iptv-gateway/internal/config"
	"github.com/snapetech/iptv-gateway/internal/geobypass"
	"github.com/snapetech/iptv-gateway/internal/health"
	"github.com/snapetech/iptv-gateway/internal/iptvorg"
	"github.com/snapetech/iptv-gateway/internal/logging"
	"github.com/snapetech/iptv-gateway/internal/proxy"
	"github.com/snapetech/iptv-gateway/internal/server"
	"github.com/snapetech/iptv-gateway/internal/store"
	"github.com/snapetech/iptv-gateway/internal/transcoder"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "iptv-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = config.LoadEnvFile(".env")
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)
	log := logging.Component("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	geo := geobypass.New(logging.Component("geobypass"))
	tc := transcoder.New(cfg.FFmpegBin, cfg.TranscodeDir(), logging.Component("transcoder"))
	// Sweep directories left behind by a previous run.
	tc.CleanupStale(0)

	px := proxy.New(st, tc, geo, cfg.BaseURL, logging.Component("proxy"))

	cat := iptvorg.New(cfg.APIBase, st, logging.Component("iptvorg"))
	cat.StreamsDir = cfg.StreamsDir
	cat.CacheTTL = cfg.CacheTTL

	var worker *health.Worker
	if cfg.HealthEnabled {
		worker = health.NewWorker(st, health.Options{
			BatchSize:    cfg.HealthBatchSize,
			BatchDelay:   cfg.HealthBatchDelay,
			ProbeTimeout: cfg.HealthProbeTimeout,
			Concurrency:  cfg.HealthConcurrency,
			IdleDelay:    cfg.HealthIdleDelay,
			StartDelay:   cfg.HealthStartDelay,
			SnapshotPath: cfg.SnapshotPath(),
		}, logging.Component("health"))
	}

	srv := server.New(cfg, st, px, cat, worker, logging.Component("server"))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := cron.New()
	if cfg.SyncInterval > 0 {
		_, err := sched.AddFunc(fmt.Sprintf("@every %s", cfg.SyncInterval), func() {
			if summary, err := cat.Sync(ctx); err != nil {
				log.Warn().Err(err).Msg("scheduled sync failed")
			} else {
				log.Info().Interface("summary", summary).Msg("scheduled sync complete")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule sync: %w", err)
		}
	}
	_, err = sched.AddFunc("@every 1h", func() {
		if n, err := st.ClearExpired(); err == nil && n > 0 {
			log.Debug().Int64("rows", n).Msg("expired cache entries cleared")
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -cfg.EPGCacheDays)
		if n, err := st.PruneEPGBefore(cutoff); err == nil && n > 0 {
			log.Info().Int64("programs", n).Msg("old guide entries pruned")
		}
		tc.CleanupStale(cfg.TranscodeMaxAge)
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.SyncOnStartup {
		g.Go(func() error {
			summary, err := cat.Sync(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("startup sync failed")
				return nil
			}
			log.Info().Interface("summary", summary).Msg("startup sync complete")
			return nil
		})
	}

	if worker != nil {
		g.Go(func() error { return worker.Run(ctx) })
	}

	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Teardown in reverse of startup: server is down, stop transcodes last.
	tc.StopAll()
	log.Info().Msg("shutdown complete")
	return err
}
