package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/luccadibe/wpfleet/internal/config"
	"github.com/luccadibe/wpfleet/internal/events"
	"github.com/luccadibe/wpfleet/internal/execution"
	"github.com/luccadibe/wpfleet/internal/locks"
	"github.com/luccadibe/wpfleet/internal/logging"
	"github.com/luccadibe/wpfleet/internal/metrics"
	"github.com/luccadibe/wpfleet/internal/packages"
	"github.com/luccadibe/wpfleet/internal/queue"
	"github.com/luccadibe/wpfleet/internal/scan"
	"github.com/luccadibe/wpfleet/internal/store"
	"github.com/luccadibe/wpfleet/internal/wpcli"
	"github.com/luccadibe/wpfleet/internal/wporg"
)

// app is the composition root shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.Store
	dialer    execution.Dialer
	cli       *wpcli.Client
	locks     *locks.Set
	events    *events.Broadcaster
	metrics   *metrics.Metrics
	executor  *packages.Executor
	queue     *queue.Queue
	uploads   *packages.Uploads
	checker   *wporg.Checker
	inventory *packages.Inventory
	scanner   *scan.Scanner

	closeLog func() error
}

// newApp loads the configuration at path and wires every component.
// Configured servers are upserted into the store.
func newApp(ctx context.Context, path string, extra events.Publisher) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		closeLog()
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		closeLog()
		return nil, err
	}
	for _, srv := range cfg.ServerModels() {
		if err := st.UpsertServer(ctx, srv); err != nil {
			st.Close()
			closeLog()
			return nil, err
		}
	}
	dialer, err := execution.NewSSHDialer(cfg.SSH)
	if err != nil {
		st.Close()
		closeLog()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		dialer:   dialer,
		locks:    locks.New(),
		events:   events.NewBroadcaster(),
		metrics:  metrics.New(),
		closeLog: closeLog,
	}
	var pub events.Publisher = a.events
	if extra != nil {
		pub = events.Multi{a.events, extra}
	}
	a.cli = wpcli.New(dialer, cfg.WPCLI.ResolverTTLDuration(), cfg.WPCLI.TimeoutDuration(), logger)
	a.executor = packages.NewExecutor(st, a.cli, logger)
	a.queue = queue.New(a.executor, queue.Options{
		Concurrency: cfg.Queue.Concurrency,
		RetryDelay:  cfg.Queue.RetryDelayDuration(),
		Locks:       a.locks,
		Events:      pub,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	a.uploads = packages.NewUploads(st, cfg.UploadsDir(), pub, logger)
	if !cfg.WPOrg.Disabled {
		a.checker = wporg.New(st, wporg.Options{
			BaseURL:  cfg.WPOrg.BaseURL,
			Interval: cfg.WPOrg.IntervalDuration(),
			Metrics:  a.metrics,
			Logger:   logger,
		})
	}
	a.inventory = packages.NewInventory(st, a.versionChecker(), logger)
	a.scanner = scan.New(st, a.cli, scan.Options{
		Concurrency:  cfg.Scan.Concurrency,
		Locks:        a.locks,
		DefaultLevel: cfg.Monitoring.DefaultLevel,
		Events:       pub,
		Metrics:      a.metrics,
		Logger:       logger,
	})
	return a, nil
}

// versionChecker returns the checker as an interface value that is nil when
// the check is disabled.
func (a *app) versionChecker() scan.VersionChecker {
	if a.checker == nil {
		return nil
	}
	return a.checker
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store failed", "error", err)
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
