package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL != 300*time.Second {
		t.Fatalf("CacheTTL = %v, want 300s", cfg.CacheTTL)
	}
	if cfg.CacheMaxEntries != 100 {
		t.Fatalf("CacheMaxEntries = %d, want 100", cfg.CacheMaxEntries)
	}
	if cfg.AsyncMaxWorkers != 2 {
		t.Fatalf("AsyncMaxWorkers = %d, want 2", cfg.AsyncMaxWorkers)
	}
	if cfg.AsyncDefaultTimeout != 5*time.Second || cfg.AsyncMaxTimeout != 30*time.Second {
		t.Fatalf("async timeouts = %v/%v, want 5s/30s", cfg.AsyncDefaultTimeout, cfg.AsyncMaxTimeout)
	}
	if cfg.MinorVariationPercent != 10 || cfg.MajorErrorPercent != 25 {
		t.Fatalf("thresholds = %v/%v, want 10/25", cfg.MinorVariationPercent, cfg.MajorErrorPercent)
	}
	if cfg.WorkflowDebounceWindow != 100*time.Millisecond {
		t.Fatalf("WorkflowDebounceWindow = %v, want 100ms", cfg.WorkflowDebounceWindow)
	}
	if cfg.DefaultCJVersion != "v5.0.0" {
		t.Fatalf("DefaultCJVersion = %q, want v5.0.0", cfg.DefaultCJVersion)
	}
	if cfg.RedisURL != "" || cfg.NATSURL != "" || cfg.DatabaseURL != "" {
		t.Fatalf("external stores should default to disabled, got %+v", cfg)
	}
	if !cfg.TranscriptRedactPII {
		t.Fatalf("TranscriptRedactPII = false, want true")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CACHE_TTL_SECONDS", "60")
	t.Setenv("ASYNC_MAX_WORKERS", "4")
	t.Setenv("THRESHOLD_MAJOR_ERROR_PERCENT", "40.5")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("LOG_FORMAT", "console")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL != time.Minute {
		t.Fatalf("CacheTTL = %v, want 1m", cfg.CacheTTL)
	}
	if cfg.AsyncMaxWorkers != 4 {
		t.Fatalf("AsyncMaxWorkers = %d, want 4", cfg.AsyncMaxWorkers)
	}
	if cfg.MajorErrorPercent != 40.5 {
		t.Fatalf("MajorErrorPercent = %v, want 40.5", cfg.MajorErrorPercent)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"ASYNC_MAX_WORKERS":                 "0",
		"CACHE_MAX_ENTRIES":                 "-1",
		"ASYNC_DEFAULT_TIMEOUT":             "45s",
		"THRESHOLD_MINOR_VARIATION_PERCENT": "30",
		"APP_ALLOW_ANY_ORIGIN":              "maybe",
		"LOG_FORMAT":                        "xml",
		"WORKFLOW_DEBOUNCE_WINDOW":          "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CJ_FALLBACK_REPLY=from file\nAPP_BIND_ADDR=:7000\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_BIND_ADDR", ":9090")
	os.Unsetenv("CJ_FALLBACK_REPLY")
	t.Cleanup(func() { os.Unsetenv("CJ_FALLBACK_REPLY") })

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want existing :9090", cfg.BindAddr)
	}
	if cfg.FallbackReply != "from file" {
		t.Fatalf("FallbackReply = %q, want value from file", cfg.FallbackReply)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_CONVERSATION_IDLE_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"CJ_DEFAULT_VERSION",
		"CJ_POLICY_FILE",
		"CJ_WORKFLOW_FILE",
		"CJ_UNIVERSE_FILE",
		"CJ_FALLBACK_REPLY",
		"TRANSCRIPT_REDACT_PII",
		"CACHE_TTL_SECONDS",
		"CACHE_MAX_ENTRIES",
		"ASYNC_MAX_WORKERS",
		"ASYNC_MAX_QUEUE",
		"ASYNC_DEFAULT_TIMEOUT",
		"ASYNC_MAX_TIMEOUT",
		"THRESHOLD_MINOR_VARIATION_PERCENT",
		"THRESHOLD_MAJOR_ERROR_PERCENT",
		"WORKFLOW_DEBOUNCE_WINDOW",
		"SANITIZER_MARKERS",
		"DATABASE_URL",
		"REDIS_URL",
		"NATS_URL",
		"NATS_SUBJECT_PREFIX",
		"LOG_LEVEL",
		"LOG_FILE_PATH",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
