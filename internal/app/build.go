package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ent0n29/cj/internal/audit"
	"github.com/ent0n29/cj/internal/boundary"
	"github.com/ent0n29/cj/internal/config"
	"github.com/ent0n29/cj/internal/conversation"
	"github.com/ent0n29/cj/internal/factcheck"
	"github.com/ent0n29/cj/internal/httpapi"
	"github.com/ent0n29/cj/internal/logging"
	"github.com/ent0n29/cj/internal/observability"
	"github.com/ent0n29/cj/internal/sanitize"
	"github.com/ent0n29/cj/internal/transcript"
	"github.com/ent0n29/cj/internal/turn"
	"github.com/ent0n29/cj/internal/universe"
	"github.com/ent0n29/cj/internal/workflow"
)

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Conversations *conversation.Manager
	Orchestrator  *turn.Orchestrator
	Verifier      *factcheck.Service
	Metrics       *observability.Metrics
	Logger        *zap.Logger

	// Backends names the storage and audit backends in use, for the startup log.
	Backends map[string]string

	// Cleanup should be called on shutdown to release external resources (DB, Redis, NATS, workers).
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, FilePath: cfg.LogFilePath})
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	policies, err := boundary.LoadRegistry(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("boundary policy init failed: %w", err)
	}
	if v := strings.TrimSpace(cfg.DefaultCJVersion); v != "" {
		if _, err := policies.Policy(v); err != nil {
			return nil, fmt.Errorf("default cj version: %w", err)
		}
		policies.DefaultVersion = v
	}

	defs, err := workflow.LoadDefinitions(cfg.WorkflowFile)
	if err != nil {
		return nil, fmt.Errorf("workflow definitions init failed: %w", err)
	}

	sanitizerCfg := sanitize.DefaultConfig()
	if markers := sanitize.MarkersFromList(cfg.SanitizerMarkers); len(markers) > 0 {
		sanitizerCfg.Markers = markers
	}
	sanitizer, err := sanitize.New(sanitizerCfg)
	if err != nil {
		return nil, fmt.Errorf("sanitizer init failed: %w", err)
	}

	var snapshot *universe.Snapshot
	if path := strings.TrimSpace(cfg.UniverseFile); path != "" {
		if snapshot, err = universe.Load(path); err != nil {
			return nil, fmt.Errorf("universe init failed: %w", err)
		}
	}

	backends := map[string]string{"transcript": "in-memory", "cache": "memory", "audit": "log"}
	var closers []func(context.Context) error

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}
	closers = append(closers, func(context.Context) error { return store.Close() })
	if cfg.DatabaseURL != "" {
		backends["transcript"] = "postgres"
	}
	if cfg.TranscriptRedactPII {
		store = transcript.NewRedactingStore(store)
	}

	var shared factcheck.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = runClosers(ctx, closers)
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		closers = append(closers, func(context.Context) error { return client.Close() })
		shared = factcheck.NewRedisCache(client, "cj:verify:", cfg.CacheTTL)
		backends["cache"] = "memory+redis"
	}

	publishers := []audit.Publisher{audit.NewLogPublisher(logger), audit.NewTranscriptPublisher(store)}
	if cfg.NATSURL != "" {
		nc, err := audit.DialNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			_ = runClosers(ctx, closers)
			return nil, fmt.Errorf("audit nats init failed: %w", err)
		}
		closers = append(closers, func(context.Context) error { nc.Close(); return nil })
		publishers = append(publishers, nc)
		backends["audit"] = "log+nats"
	}
	recorder := audit.NewRecorder(logger, publishers...)

	verifier := factcheck.NewService(factcheck.Options{
		Workers:        cfg.AsyncMaxWorkers,
		QueueSize:      cfg.AsyncMaxQueue,
		DefaultTimeout: cfg.AsyncDefaultTimeout,
		MaxTimeout:     cfg.AsyncMaxTimeout,
		Thresholds: factcheck.Thresholds{
			MinorVariationPercent: cfg.MinorVariationPercent,
			MajorErrorPercent:     cfg.MajorErrorPercent,
		},
		Cache:   factcheck.NewMemoryCache(cfg.CacheMaxEntries, cfg.CacheTTL),
		Shared:  shared,
		Sink:    recorder,
		Logger:  logger,
		Metrics: metrics,
	})
	// Workers stop before the stores they deliver to are closed.
	closers = append([]func(context.Context) error{verifier.Close}, closers...)

	snapshots := universe.NewStore(snapshot)
	if snapshot != nil {
		reloader, err := universe.NewReloader(snapshots, cfg.UniverseFile, logger)
		if err != nil {
			logger.Warn("universe hot reload disabled", zap.Error(err))
		} else {
			go reloader.Run(ctx)
		}
	}

	conversations := conversation.NewManager(cfg.ConversationIdleTimeout)
	workflows := workflow.NewManager(defs, cfg.WorkflowDebounceWindow, logger)

	orchestrator, err := turn.New(turn.Options{
		Conversations: conversations,
		Workflows:     workflows,
		Policies:      policies,
		Enforcer:      boundary.NewEnforcer(logger),
		Sanitizer:     sanitizer,
		Verifier:      verifier,
		Universe:      snapshots,
		Transcript:    store,
		Audit:         recorder,
		FallbackReply: cfg.FallbackReply,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		_ = runClosers(ctx, closers)
		return nil, err
	}
	conversations.StartJanitor(ctx, janitorInterval(cfg.ConversationIdleTimeout))

	api := httpapi.New(cfg, httpapi.Deps{
		Orchestrator:  orchestrator,
		Conversations: conversations,
		Workflows:     workflows,
		Verifier:      verifier,
		Policies:      policies,
		Transcript:    store,
		Metrics:       metrics,
		Logger:        logger,
	})

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Conversations: conversations,
		Orchestrator:  orchestrator,
		Verifier:      verifier,
		Metrics:       metrics,
		Logger:        logger,
		Backends:      backends,
		Cleanup: func(ctx context.Context) error {
			err := runClosers(ctx, closers)
			_ = logger.Sync()
			return err
		},
	}, nil
}

func runClosers(ctx context.Context, closers []func(context.Context) error) error {
	var errs []error
	for _, c := range closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func janitorInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
