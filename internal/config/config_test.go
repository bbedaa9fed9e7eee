package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	for _, k := range []string{"IPTV_HOST", "IPTV_PORT", "IPTV_DATABASE_PATH", "IPTV_CORS_ORIGINS", "IPTV_CACHE_TTL_SECONDS"} {
		os.Unsetenv(k)
	}
	c := Load()
	if c.Host != "0.0.0.0" || c.Port != 8000 {
		t.Errorf("listen defaults = %s:%d", c.Host, c.Port)
	}
	if c.DatabasePath != "data/iptv_cache.db" {
		t.Errorf("DatabasePath = %q", c.DatabasePath)
	}
	if c.DataDir != "data" {
		t.Errorf("DataDir = %q", c.DataDir)
	}
	if len(c.CORSOrigins) != 1 || c.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", c.CORSOrigins)
	}
	if c.CacheTTL != time.Hour {
		t.Errorf("CacheTTL = %v", c.CacheTTL)
	}
	if c.HealthProbeTimeout != 8*time.Second {
		t.Errorf("HealthProbeTimeout = %v", c.HealthProbeTimeout)
	}
	if c.ListenAddr() != "0.0.0.0:8000" {
		t.Errorf("ListenAddr = %q", c.ListenAddr())
	}
}

func TestLoad_overrides(t *testing.T) {
	t.Setenv("IPTV_PORT", "9090")
	t.Setenv("IPTV_CORS_ORIGINS", "http://a.local, http://b.local")
	t.Setenv("IPTV_SYNC_INTERVAL_HOURS", "0")
	t.Setenv("IPTV_DATABASE_PATH", "/var/lib/iptv/db.sqlite")
	t.Setenv("IPTV_HEALTH_BATCH_DELAY", "2s")
	c := Load()
	if c.Port != 9090 {
		t.Errorf("Port = %d", c.Port)
	}
	if len(c.CORSOrigins) != 2 || c.CORSOrigins[1] != "http://b.local" {
		t.Errorf("CORSOrigins = %v", c.CORSOrigins)
	}
	if c.SyncInterval != 0 {
		t.Errorf("SyncInterval = %v, want 0 (disabled)", c.SyncInterval)
	}
	if c.DataDir != "/var/lib/iptv" {
		t.Errorf("DataDir = %q", c.DataDir)
	}
	if c.SnapshotPath() != "/var/lib/iptv/health_snapshot.json" {
		t.Errorf("SnapshotPath = %q", c.SnapshotPath())
	}
	if c.TranscodeDir() != "/var/lib/iptv/hls_transcodes" {
		t.Errorf("TranscodeDir = %q", c.TranscodeDir())
	}
	if c.HealthBatchDelay != 2*time.Second {
		t.Errorf("HealthBatchDelay = %v", c.HealthBatchDelay)
	}
}

func TestLoadEnvFile_missing(t *testing.T) {
	err := LoadEnvFile(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("missing file should return nil: %v", err)
	}
}

func TestLoadEnvFile_setsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("IPTV_TEST_FOO=bar\n# comment\nIPTV_TEST_BAZ=\"quoted value\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if os.Getenv("IPTV_TEST_FOO") != "bar" {
		t.Errorf("IPTV_TEST_FOO = %q", os.Getenv("IPTV_TEST_FOO"))
	}
	if os.Getenv("IPTV_TEST_BAZ") != "quoted value" {
		t.Errorf("IPTV_TEST_BAZ = %q", os.Getenv("IPTV_TEST_BAZ"))
	}
}
