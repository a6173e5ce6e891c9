// Package app is the daemon composition root. It wires the store, broker,
// bus, relay, consumers and process manager from configuration and runs
// them as one unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/FreeSideNomad/messaging-platform-sub000/internal/broker"
	memorybroker "github.com/FreeSideNomad/messaging-platform-sub000/internal/broker/memory"
	redisbroker "github.com/FreeSideNomad/messaging-platform-sub000/internal/broker/redis"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/bus"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/config"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/consumer"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/ingress"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/log"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/process"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/registry"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/relay"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/store/sqlite"
	"github.com/FreeSideNomad/messaging-platform-sub000/internal/tracing"
)

const shutdownGrace = 10 * time.Second

// App owns every platform component. Register handlers and process types
// through Registry and Manager before calling Run.
type App struct {
	// Registry holds the command handlers. Populate before Run.
	Registry *registry.Registry
	// Manager orchestrates processes. Register configurations before Run.
	Manager *process.Manager
	// Bus accepts commands; exposed for embedding callers.
	Bus *bus.Bus

	cfg       config.Config
	store     store.Store
	broker    broker.Broker
	responses *bus.Responses
	fastPath  *relay.FastPath
	relay     *relay.Relay
	sweeper   *relay.Sweeper
	consumer  *consumer.Consumer
	watchdog  *consumer.Watchdog
	replies   *consumer.ReplyConsumer
	server    *ingress.Server
	tracer    *tracing.Provider
}

// New builds the full component graph from configuration. Nothing runs
// until Run; construction failures leave no goroutines behind.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "node"
		}
		cfg.NodeName = host
	}

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var br broker.Broker
	switch cfg.Broker.Kind {
	case "redis":
		br, err = redisbroker.New(ctx, cfg.Broker.RedisAddr)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	default:
		br = memorybroker.New()
	}

	rel := relay.New(db, br, relay.Options{
		Claimer:        cfg.NodeName,
		BatchSize:      cfg.Outbox.BatchSize,
		SweepInterval:  cfg.Outbox.SweepInterval,
		StuckThreshold: cfg.Outbox.StuckThreshold,
		BackoffCap:     time.Duration(cfg.Outbox.MaxBackoffMillis) * time.Millisecond,
	})

	var fastPath *relay.FastPath
	var notifier bus.FastPath
	if cfg.Outbox.FastPathEnabled {
		fastPath = relay.NewFastPath(rel, cfg.Outbox.FastPathConcurrency)
		notifier = fastPath
	}

	b := bus.New(db, notifier)
	responses := bus.NewResponses(cfg.Process.ReplyWaitTTL)
	reg := registry.New()
	manager := process.NewManager(db, b, process.Options{
		MaxRetries:        cfg.Process.MaxRetriesDefault,
		RetryBase:         cfg.Process.RetryBase,
		TransientPatterns: cfg.Consumer.TransientErrorPatterns,
	})

	classifier := consumer.NewClassifier(cfg.Consumer.TransientErrorPatterns)
	cons := consumer.New(db, br, reg, classifier, consumer.Options{
		NodeName:   cfg.NodeName,
		Lease:      cfg.Consumer.HandlerLease,
		MaxRetries: cfg.Consumer.MaxRetries,
	})
	watchdog := consumer.NewWatchdog(db, watchdogInterval(cfg.Consumer.HandlerLease))
	replies := consumer.NewReplyConsumer(db, br, responses, manager)
	sweeper := relay.NewSweeper(db, cfg.Outbox.SweepInterval, cfg.Outbox.StuckThreshold)

	app := &App{
		Registry:  reg,
		Manager:   manager,
		Bus:       b,
		cfg:       cfg,
		store:     db,
		broker:    br,
		responses: responses,
		fastPath:  fastPath,
		relay:     rel,
		sweeper:   sweeper,
		consumer:  cons,
		watchdog:  watchdog,
		replies:   replies,
		tracer:    tracer,
	}

	if cfg.HTTP.Addr != "" {
		handler := ingress.NewHandler(ingress.HandlerConfig{
			Bus:       b,
			Responses: responses,
			Manager:   manager,
			Store:     db,
		})
		server, err := ingress.NewServer(cfg.HTTP.Addr, handler)
		if err != nil {
			_ = app.close()
			return nil, err
		}
		app.server = server
	}
	return app, nil
}

// The watchdog only needs to fire a few times per lease.
func watchdogInterval(lease time.Duration) time.Duration {
	interval := lease / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Store exposes the persistence port, mainly for embedding callers and
// tests.
func (a *App) Store() store.Store {
	return a.store
}

// Broker exposes the broker port.
func (a *App) Broker() broker.Broker {
	return a.broker
}

// Port returns the bound HTTP port, or zero when the ingress is disabled.
func (a *App) Port() int {
	if a.server == nil {
		return 0
	}
	return a.server.Port()
}

// Run starts every component and blocks until ctx is cancelled or one
// component fails. Shutdown is graceful: the HTTP server drains, the broker
// closes, claims and leases left behind are recovered by the next start.
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 8)
	start := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
			} else {
				errs <- nil
			}
		}()
	}

	running := 0
	start("relay", a.relay.Run)
	running++
	start("sweeper", a.sweeper.Run)
	running++
	start("consumer", a.consumer.Run)
	running++
	start("watchdog", a.watchdog.Run)
	running++
	start("reply consumer", a.replies.Run)
	running++
	if a.fastPath != nil {
		start("fast path", a.fastPath.Run)
		running++
	}
	if a.server != nil {
		go func() {
			if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http ingress: %w", err)
			} else {
				errs <- nil
			}
		}()
		running++
	}

	log.Info(log.CatConfig, "platform started",
		"node", a.cfg.NodeName, "broker", a.cfg.Broker.Kind, "db", a.cfg.Database.Path)

	// Wait for cancellation or the first component failure.
	var firstErr error
	select {
	case <-runCtx.Done():
	case firstErr = <-errs:
		running--
		cancel()
	}

	if a.server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
		if err := a.server.Stop(shutdownCtx); err != nil {
			log.ErrorErr(log.CatHTTP, "http shutdown failed", err)
		}
		done()
	}
	// The broker close unblocks the consumer delivery loops.
	if err := a.broker.Close(); err != nil {
		log.ErrorErr(log.CatBroker, "broker close failed", err)
	}
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info(log.CatConfig, "platform stopped", "node", a.cfg.NodeName)
	return firstErr
}

func (a *App) close() error {
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
	}
	return a.store.Close()
}
