// Package config loads gateway settings from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds server + store + worker settings.
// Load from env; call LoadEnvFile(".env") before Load() to use a .env file.
type Config struct {
	// HTTP server
	Host        string // e.g. 0.0.0.0
	Port        int    // e.g. 8000
	BaseURL     string // external base used in rewritten manifests, e.g. http://gateway:8000; "" = derived per request
	CORSOrigins []string
	AdminAPIKey string // required for POST /api/sync

	// Rate limits (requests per minute, keyed by client IP)
	RateLimitPerMinute       int
	StreamRateLimitPerMinute int

	// Catalog
	APIBase           string // upstream catalog root
	CacheTTL          time.Duration
	EPGCacheDays      int
	SyncInterval      time.Duration // 0 disables periodic sync
	SyncOnStartup     bool
	DatabasePath      string
	DataDir           string // defaults to dir of DatabasePath
	StreamsDir        string // override for the local M3U tree; "" = probe well-known dirs
	LogLevel          string

	// Health worker
	HealthEnabled      bool
	HealthConcurrency  int
	HealthBatchSize    int
	HealthBatchDelay   time.Duration
	HealthProbeTimeout time.Duration
	HealthIdleDelay    time.Duration
	HealthStartDelay   time.Duration

	// Transcoder
	FFmpegBin        string
	TranscodeMaxAge  time.Duration
	TranscodeDirName string
}

// Load reads config from environment.
func Load() *Config {
	c := &Config{
		Host:                     getEnv("IPTV_HOST", "0.0.0.0"),
		Port:                     getEnvInt("IPTV_PORT", 8000),
		BaseURL:                  strings.TrimSuffix(os.Getenv("IPTV_BASE_URL"), "/"),
		CORSOrigins:              getEnvList("IPTV_CORS_ORIGINS", []string{"*"}),
		AdminAPIKey:              os.Getenv("IPTV_ADMIN_API_KEY"),
		RateLimitPerMinute:       getEnvInt("IPTV_RATE_LIMIT_PER_MINUTE", 100),
		StreamRateLimitPerMinute: getEnvInt("IPTV_STREAM_RATE_LIMIT_PER_MINUTE", 30),
		APIBase:                  getEnv("IPTV_API_BASE", "https://iptv-org.github.io/api"),
		CacheTTL:                 time.Duration(getEnvInt("IPTV_CACHE_TTL_SECONDS", 3600)) * time.Second,
		EPGCacheDays:             getEnvInt("IPTV_EPG_CACHE_DAYS", 7),
		SyncInterval:             time.Duration(getEnvInt("IPTV_SYNC_INTERVAL_HOURS", 24)) * time.Hour,
		SyncOnStartup:            getEnvBool("IPTV_SYNC_ON_STARTUP", true),
		DatabasePath:             getEnv("IPTV_DATABASE_PATH", "data/iptv_cache.db"),
		StreamsDir:               os.Getenv("IPTV_STREAMS_DIR"),
		LogLevel:                 getEnv("IPTV_LOG_LEVEL", getEnv("LOG_LEVEL", "info")),
		HealthEnabled:            getEnvBool("IPTV_HEALTH_ENABLED", true),
		HealthConcurrency:        getEnvInt("IPTV_HEALTH_CONCURRENCY", 10),
		HealthBatchSize:          getEnvInt("IPTV_HEALTH_BATCH_SIZE", 30),
		HealthBatchDelay:         getEnvDuration("IPTV_HEALTH_BATCH_DELAY", 5*time.Second),
		HealthProbeTimeout:       getEnvDuration("IPTV_HEALTH_PROBE_TIMEOUT", 8*time.Second),
		HealthIdleDelay:          getEnvDuration("IPTV_HEALTH_IDLE_DELAY", 60*time.Second),
		HealthStartDelay:         getEnvDuration("IPTV_HEALTH_START_DELAY", 10*time.Second),
		FFmpegBin:                getEnv("IPTV_FFMPEG_BIN", "ffmpeg"),
		TranscodeMaxAge:          time.Duration(getEnvInt("IPTV_TRANSCODE_MAX_AGE_MINUTES", 5)) * time.Minute,
		TranscodeDirName:         "hls_transcodes",
	}
	c.DataDir = getEnv("IPTV_DATA_DIR", filepath.Dir(c.DatabasePath))
	if c.Port <= 0 {
		c.Port = 8000
	}
	if c.HealthConcurrency <= 0 {
		c.HealthConcurrency = 10
	}
	if c.HealthBatchSize <= 0 {
		c.HealthBatchSize = 30
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.EPGCacheDays <= 0 {
		c.EPGCacheDays = 7
	}
	return c
}

// TranscodeDir returns the root directory for transcoder output.
func (c *Config) TranscodeDir() string {
	return filepath.Join(c.DataDir, c.TranscodeDirName)
}

// SnapshotPath returns the health snapshot location next to the database.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "health_snapshot.json")
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return defaultVal
		}
		return d
	}
	return defaultVal
}

// getEnvList splits a comma-separated env value, trimming blanks.
func getEnvList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
