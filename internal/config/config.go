package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the CJ turn pipeline service.
type Config struct {
	BindAddr                string
	ShutdownTimeout         time.Duration
	ConversationIdleTimeout time.Duration
	MetricsNamespace        string

	AllowAnyOrigin bool

	DefaultCJVersion string
	PolicyFile       string
	WorkflowFile     string
	UniverseFile     string
	FallbackReply    string

	CacheTTL        time.Duration
	CacheMaxEntries int

	AsyncMaxWorkers     int
	AsyncMaxQueue       int
	AsyncDefaultTimeout time.Duration
	AsyncMaxTimeout     time.Duration

	MinorVariationPercent float64
	MajorErrorPercent     float64

	WorkflowDebounceWindow time.Duration

	// SanitizerMarkers overrides the marker vocabulary when set,
	// e.g. "Thought,Action,Final Answer=unwrap".
	SanitizerMarkers string

	DatabaseURL       string
	RedisURL          string
	NATSURL           string
	NATSSubjectPrefix string

	// TranscriptRedactPII masks emails, phone and card numbers in persisted merchant turns.
	TranscriptRedactPII bool

	LogLevel    string
	LogFilePath string
	LogFormat   string
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "cj"),
		AllowAnyOrigin:          false,
		DefaultCJVersion:        envOrDefault("CJ_DEFAULT_VERSION", "v5.0.0"),
		PolicyFile:              stringsTrimSpace("CJ_POLICY_FILE"),
		WorkflowFile:            stringsTrimSpace("CJ_WORKFLOW_FILE"),
		UniverseFile:            stringsTrimSpace("CJ_UNIVERSE_FILE"),
		FallbackReply:           stringsTrimSpace("CJ_FALLBACK_REPLY"),
		CacheTTL:                300 * time.Second,
		CacheMaxEntries:         100,
		AsyncMaxWorkers:         2,
		AsyncMaxQueue:           64,
		AsyncDefaultTimeout:     5 * time.Second,
		AsyncMaxTimeout:         30 * time.Second,
		MinorVariationPercent:   10,
		MajorErrorPercent:       25,
		WorkflowDebounceWindow:  100 * time.Millisecond,
		SanitizerMarkers:        stringsTrimSpace("SANITIZER_MARKERS"),
		DatabaseURL:             stringsTrimSpace("DATABASE_URL"),
		RedisURL:                stringsTrimSpace("REDIS_URL"),
		NATSURL:                 stringsTrimSpace("NATS_URL"),
		NATSSubjectPrefix:       envOrDefault("NATS_SUBJECT_PREFIX", "cj.audit"),
		TranscriptRedactPII:     true,
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		LogFilePath:             stringsTrimSpace("LOG_FILE_PATH"),
		LogFormat:               envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:         15 * time.Second,
		ConversationIdleTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationIdleTimeout, err = durationFromEnv("APP_CONVERSATION_IDLE_TIMEOUT", cfg.ConversationIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptRedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.TranscriptRedactPII)
	if err != nil {
		return Config{}, err
	}

	ttlSeconds, err := intFromEnv("CACHE_TTL_SECONDS", int(cfg.CacheTTL/time.Second))
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL = time.Duration(ttlSeconds) * time.Second
	cfg.CacheMaxEntries, err = intFromEnv("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	if err != nil {
		return Config{}, err
	}

	cfg.AsyncMaxWorkers, err = intFromEnv("ASYNC_MAX_WORKERS", cfg.AsyncMaxWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.AsyncMaxQueue, err = intFromEnv("ASYNC_MAX_QUEUE", cfg.AsyncMaxQueue)
	if err != nil {
		return Config{}, err
	}
	cfg.AsyncDefaultTimeout, err = durationFromEnv("ASYNC_DEFAULT_TIMEOUT", cfg.AsyncDefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AsyncMaxTimeout, err = durationFromEnv("ASYNC_MAX_TIMEOUT", cfg.AsyncMaxTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.MinorVariationPercent, err = floatFromEnv("THRESHOLD_MINOR_VARIATION_PERCENT", cfg.MinorVariationPercent)
	if err != nil {
		return Config{}, err
	}
	cfg.MajorErrorPercent, err = floatFromEnv("THRESHOLD_MAJOR_ERROR_PERCENT", cfg.MajorErrorPercent)
	if err != nil {
		return Config{}, err
	}
	cfg.WorkflowDebounceWindow, err = durationFromEnv("WORKFLOW_DEBOUNCE_WINDOW", cfg.WorkflowDebounceWindow)
	if err != nil {
		return Config{}, err
	}

	if cfg.ConversationIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_CONVERSATION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("CACHE_TTL_SECONDS must be positive")
	}
	if cfg.CacheMaxEntries <= 0 {
		return Config{}, fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	if cfg.AsyncMaxWorkers <= 0 {
		return Config{}, fmt.Errorf("ASYNC_MAX_WORKERS must be positive")
	}
	if cfg.AsyncMaxQueue <= 0 {
		return Config{}, fmt.Errorf("ASYNC_MAX_QUEUE must be positive")
	}
	if cfg.AsyncDefaultTimeout <= 0 || cfg.AsyncMaxTimeout <= 0 {
		return Config{}, fmt.Errorf("ASYNC_DEFAULT_TIMEOUT and ASYNC_MAX_TIMEOUT must be positive")
	}
	if cfg.AsyncDefaultTimeout > cfg.AsyncMaxTimeout {
		return Config{}, fmt.Errorf("ASYNC_DEFAULT_TIMEOUT must not exceed ASYNC_MAX_TIMEOUT")
	}
	if cfg.MinorVariationPercent < 0 || cfg.MajorErrorPercent <= cfg.MinorVariationPercent {
		return Config{}, fmt.Errorf("THRESHOLD_MAJOR_ERROR_PERCENT must exceed THRESHOLD_MINOR_VARIATION_PERCENT")
	}
	if cfg.WorkflowDebounceWindow <= 0 {
		return Config{}, fmt.Errorf("WORKFLOW_DEBOUNCE_WINDOW must be positive")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
