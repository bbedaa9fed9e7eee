// Package transcoder supervises per-stream ffmpeg remux processes that turn
// non-HLS inputs (.mpd, .mp4) into sliding-window HLS the proxy can serve.
// Remux only: video and audio are stream-copied, never re-encoded.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrPathEscape marks a local-file request that resolved outside its
// stream's output directory.
var ErrPathEscape = errors.New("transcoder: path escapes stream directory")

// stopGrace is how long a process gets between SIGTERM and SIGKILL.
const stopGrace = 2 * time.Second

// readyPollInterval and readyTimeout pace WaitReady.
const (
	readyPollInterval = 500 * time.Millisecond
	readyTimeout      = 10 * time.Second
)

type job struct {
	cmd        *exec.Cmd
	done       chan struct{} // closed when the process exits
	lastAccess time.Time
}

func (j *job) alive() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

type Manager struct {
	FFmpeg string
	Root   string // per-stream dirs live under here
	Log    zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*job

	// newCmd builds the remux command; tests substitute a stub process.
	newCmd func(inputURL, dir string) *exec.Cmd
}

func New(ffmpeg, root string, log zerolog.Logger) *Manager {
	m := &Manager{
		FFmpeg: ffmpeg,
		Root:   root,
		Log:    log,
		jobs:   make(map[string]*job),
	}
	m.newCmd = m.ffmpegCmd
	return m
}

func (m *Manager) ffmpegCmd(inputURL, dir string) *exec.Cmd {
	return exec.Command(m.FFmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", inputURL,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		filepath.Join(dir, "index.m3u8"),
	)
}

// Dir returns the output directory for a stream.
func (m *Manager) Dir(streamID string) string {
	return filepath.Join(m.Root, streamID)
}

// ManifestPath returns the playlist location for a stream. The file may not
// exist yet; see IsReady.
func (m *Manager) ManifestPath(streamID string) string {
	return filepath.Join(m.Dir(streamID), "index.m3u8")
}

// IsReady reports whether ffmpeg has produced the playlist.
func (m *Manager) IsReady(streamID string) bool {
	_, err := os.Stat(m.ManifestPath(streamID))
	return err == nil
}

// StartTranscode ensures a remux process is running for the stream. When one
// is already alive only last_access is refreshed, so concurrent starts for
// the same id share a single process.
func (m *Manager) StartTranscode(streamID, inputURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[streamID]; ok {
		if j.alive() {
			j.lastAccess = time.Now()
			return nil
		}
		delete(m.jobs, streamID)
	}

	dir := m.Dir(streamID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear transcode dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create transcode dir: %w", err)
	}

	cmd := m.newCmd(inputURL, dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	j := &job{cmd: cmd, done: make(chan struct{}), lastAccess: time.Now()}
	m.jobs[streamID] = j
	m.Log.Info().Str("stream", streamID).Int("pid", cmd.Process.Pid).Msg("transcode started")

	go func() {
		err := cmd.Wait()
		close(j.done)
		if err != nil {
			m.Log.Warn().Err(err).Str("stream", streamID).Msg("ffmpeg exited")
		}
	}()
	return nil
}

// Touch refreshes last_access for a running job.
func (m *Manager) Touch(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[streamID]; ok {
		j.lastAccess = time.Now()
	}
}

// WaitReady polls for the playlist until it appears, ctx is done, or the
// 10s budget runs out. Returns false on timeout.
func (m *Manager) WaitReady(ctx context.Context, streamID string) bool {
	deadline := time.After(readyTimeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		if m.IsReady(streamID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

// StopTranscode terminates the stream's process (SIGTERM, 2s grace, SIGKILL)
// and removes its directory. Stopping an unknown id only removes the
// directory.
func (m *Manager) StopTranscode(streamID string) {
	m.mu.Lock()
	j, ok := m.jobs[streamID]
	delete(m.jobs, streamID)
	m.mu.Unlock()

	if ok && j.alive() {
		_ = j.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-j.done:
		case <-time.After(stopGrace):
			_ = j.cmd.Process.Kill()
			<-j.done
		}
		m.Log.Info().Str("stream", streamID).Msg("transcode stopped")
	}
	_ = os.RemoveAll(m.Dir(streamID))
}

// StopAll terminates every tracked job. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopTranscode(id)
	}
}

// CleanupStale stops jobs idle longer than maxAge and sweeps on-disk
// directories that no tracked job owns. Run periodically and at startup
// (where every directory is an orphan from a previous run).
func (m *Manager) CleanupStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var stale []string
	tracked := make(map[string]bool, len(m.jobs))
	for id, j := range m.jobs {
		tracked[id] = true
		if j.lastAccess.Before(cutoff) || !j.alive() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.Log.Info().Str("stream", id).Msg("stopping stale transcode")
		m.StopTranscode(id)
	}

	entries, err := os.ReadDir(m.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || tracked[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.Root, e.Name())); err == nil {
			m.Log.Debug().Str("dir", e.Name()).Msg("swept orphan transcode dir")
		}
	}
}

// SafePath resolves filename inside the stream's directory, rejecting any
// request whose cleaned path would escape it.
func (m *Manager) SafePath(streamID, filename string) (string, error) {
	base := filepath.Clean(m.Dir(streamID))
	full := filepath.Clean(filepath.Join(base, filename))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return full, nil
}
