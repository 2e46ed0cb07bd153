// Package app assembles the long-lived services and runs them: store,
// extractors, status hub, scheduler and the observation HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jmansell/quotewatch/internal/api"
	archivegcs "github.com/jmansell/quotewatch/internal/archive/gcs"
	archivelocal "github.com/jmansell/quotewatch/internal/archive/local"
	"github.com/jmansell/quotewatch/internal/clock/system"
	"github.com/jmansell/quotewatch/internal/config"
	"github.com/jmansell/quotewatch/internal/cycle"
	"github.com/jmansell/quotewatch/internal/extract/collyext"
	"github.com/jmansell/quotewatch/internal/extract/headless"
	"github.com/jmansell/quotewatch/internal/hash/sha256"
	"github.com/jmansell/quotewatch/internal/id/uuid"
	"github.com/jmansell/quotewatch/internal/market"
	pubmemory "github.com/jmansell/quotewatch/internal/publisher/memory"
	pubgcp "github.com/jmansell/quotewatch/internal/publisher/pubsub"
	"github.com/jmansell/quotewatch/internal/scheduler"
	"github.com/jmansell/quotewatch/internal/status"
	"github.com/jmansell/quotewatch/internal/status/sinks"
	"github.com/jmansell/quotewatch/internal/store"
	storefile "github.com/jmansell/quotewatch/internal/store/file"
	storepg "github.com/jmansell/quotewatch/internal/store/postgres"
)

const shutdownTimeout = 10 * time.Second

// App holds the assembled services. Build it with New, run it with Run, and
// release resources with Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store  *store.Store
	hub    *status.Hub
	sched  *scheduler.Scheduler
	server *http.Server
	jobs   []scheduler.Job

	closers []func()
}

// New initializes every service from configuration, failing fast when any
// dependency cannot be built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()

	fallbackBackend, err := storefile.New(storefile.Config{BaseDir: cfg.Store.File.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("file backend: %w", err)
	}

	var preferredBackend store.Backend
	if cfg.Store.Postgres.DSN != "" {
		pg, err := storepg.New(ctx, storepg.Config{
			DSN:      cfg.Store.Postgres.DSN,
			Table:    cfg.Store.Postgres.Table,
			MaxConns: cfg.Store.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres backend: %w", err)
		}
		preferredBackend = pg
		logger.Info("postgres backend enabled", zap.String("table", cfg.Store.Postgres.Table))
	} else {
		logger.Info("no postgres dsn configured, running on the file backend")
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	recordStore, err := store.New(store.Config{
		MaxRecords:    cfg.Store.MaxRecords,
		ProbeInterval: cfg.Store.ProbeInterval,
		Topic:         cfg.Publish.Topic,
	}, preferredBackend, fallbackBackend, publisher, hasher, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	a.store = recordStore
	a.closers = append(a.closers, recordStore.Close)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	snapSink := sinks.NewSnapshotSink()
	a.hub = status.NewHub(
		status.Config{Logger: logger},
		sinks.NewLogSink(logger),
		promSink,
		snapSink,
	)

	primary, err := headless.New(headless.Config{
		UserAgent: cfg.Crawler.UserAgent,
		DomainQPS: cfg.Crawler.HeadlessDomainQPS,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("headless extractor: %w", err)
	}
	a.closers = append(a.closers, primary.Close)
	fallbackExt := collyext.New(collyext.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.Crawler.FallbackTimeout,
	}, logger)

	archiveStore, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{MaxConcurrent: cfg.Crawler.MaxConcurrent}, logger)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	a.sched = sched

	cycleCfg := cycle.Config{
		PrimaryTimeout:         cfg.Crawler.PrimaryTimeout,
		FallbackTimeout:        cfg.Crawler.FallbackTimeout,
		MaxRetries:             cfg.Crawler.MaxRetries,
		RetryBaseDelay:         cfg.Crawler.RetryBaseDelay,
		NoDataBackoff:          cfg.Crawler.NoDataBackoff,
		SwitchThreshold:        cfg.Crawler.SwitchThreshold,
		PrimaryReprobeInterval: cfg.Crawler.PrimaryReprobeInterval,
	}
	sources := cfg.ExpandSources()
	for _, src := range sources {
		slot := sched.Slot(a.hub)
		cyc, err := cycle.New(src, cycleCfg, primary, fallbackExt, recordStore, slot, slot,
			archiveStore, hasher, clock, idGen, logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Key(), err)
		}
		a.jobs = append(a.jobs, scheduler.Job{Runner: cyc, Slot: slot})
	}

	categories := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		categories = append(categories, name)
	}
	server := api.NewServer(recordStore, snapSink, registry, categories, logger)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("services initialized",
		zap.Int("sources", len(sources)),
		zap.Int("max_concurrent", cfg.Crawler.MaxConcurrent))
	return a, nil
}

func (a *App) buildPublisher(ctx context.Context) (market.Publisher, error) {
	switch a.cfg.Publish.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return pubmemory.New(), nil
	case "pubsub":
		client, err := gcpubsub.NewClient(ctx, a.cfg.Publish.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := pubgcp.New(client)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				a.logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
		a.logger.Info("pubsub publisher enabled", zap.String("topic", a.cfg.Publish.Topic))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publish provider %q", a.cfg.Publish.Provider)
	}
}

func (a *App) buildArchive(ctx context.Context) (market.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "", "none":
		return nil, nil
	case "local":
		st, err := archivelocal.New(a.cfg.Archive.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("local archive: %w", err)
		}
		return st, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("gcs close failed", zap.Error(err))
			}
		})
		st, err := archivegcs.New(client, archivegcs.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive: %w", err)
		}
		a.logger.Info("gcs archive enabled", zap.String("bucket", a.cfg.Archive.Bucket))
		return st, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", a.cfg.Archive.Provider)
	}
}

// Run starts the probe loop, the HTTP server and every source loop, then
// blocks until the context finishes or the server fails. Shutdown is
// graceful: source loops drain, the server stops accepting, the hub flushes.
func (a *App) Run(ctx context.Context) error {
	a.store.StartProbe(ctx)

	httpErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- a.sched.Run(ctx, a.jobs)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	a.sched.StopAll()
	<-schedDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Warn("status hub close failed", zap.Error(err))
	}
	return runErr
}

// Close releases held resources in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.logger.Info("services shut down")
}
