package transcoder

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m := New("ffmpeg", t.TempDir(), zerolog.Nop())
	m.newCmd = func(inputURL, dir string) *exec.Cmd {
		return exec.Command("sleep", "60")
	}
	t.Cleanup(m.StopAll)
	return m
}

func TestSafePath(t *testing.T) {
	m := New("ffmpeg", "/data/hls_transcodes", zerolog.Nop())
	good, err := m.SafePath("abc123", "segment_001.ts")
	if err != nil {
		t.Fatal(err)
	}
	if good != filepath.Join("/data/hls_transcodes/abc123", "segment_001.ts") {
		t.Errorf("path = %q", good)
	}
	for _, bad := range []string{"../other/index.m3u8", "../../etc/passwd", "a/../../escape.ts"} {
		if _, err := m.SafePath("abc123", bad); err != ErrPathEscape {
			t.Errorf("SafePath(%q) err = %v, want ErrPathEscape", bad, err)
		}
	}
}

func TestStartTranscode_concurrentSingleProcess(t *testing.T) {
	m := testManager(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.StartTranscode("s1", "http://x/in.mp4"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	m.mu.Lock()
	n := len(m.jobs)
	j := m.jobs["s1"]
	m.mu.Unlock()
	if n != 1 || j == nil || !j.alive() {
		t.Fatalf("expected one live job, have %d", n)
	}
}

func TestStopTranscode_removesDir(t *testing.T) {
	m := testManager(t)
	if err := m.StartTranscode("s2", "http://x/in.mp4"); err != nil {
		t.Fatal(err)
	}
	dir := m.Dir("s2")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("dir missing after start: %v", err)
	}
	m.StopTranscode("s2")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("dir should be gone, stat err = %v", err)
	}
	m.mu.Lock()
	_, tracked := m.jobs["s2"]
	m.mu.Unlock()
	if tracked {
		t.Error("job entry should be removed")
	}
}

func TestIsReadyAndWait(t *testing.T) {
	m := testManager(t)
	if m.IsReady("s3") {
		t.Fatal("ready before any output")
	}
	if err := os.MkdirAll(m.Dir("s3"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.ManifestPath("s3"), []byte("#EXTM3U\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.IsReady("s3") {
		t.Fatal("manifest exists but not ready")
	}
}

func TestCleanupStale(t *testing.T) {
	m := testManager(t)
	// Orphan dir from a previous run: no tracked job owns it.
	orphan := filepath.Join(m.Root, "orphan")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := m.StartTranscode("live", "http://x/in.mp4"); err != nil {
		t.Fatal(err)
	}
	m.CleanupStale(time.Hour)
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan dir should be swept")
	}
	if _, err := os.Stat(m.Dir("live")); err != nil {
		t.Error("live job dir must survive")
	}

	// With a zero max age the live job itself is stale.
	m.CleanupStale(0)
	if _, err := os.Stat(m.Dir("live")); !os.IsNotExist(err) {
		t.Error("stale job dir should be removed")
	}
}
