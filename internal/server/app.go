// Package server builds the engine from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jmpumuro/judex/internal/api"
	"github.com/jmpumuro/judex/internal/bridge"
	"github.com/jmpumuro/judex/internal/config"
	"github.com/jmpumuro/judex/internal/id/uuid"
	"github.com/jmpumuro/judex/internal/logging"
	"github.com/jmpumuro/judex/internal/loop"
	"github.com/jmpumuro/judex/internal/metrics"
	"github.com/jmpumuro/judex/internal/notify"
	memorynotify "github.com/jmpumuro/judex/internal/notify/memory"
	pubsubnotify "github.com/jmpumuro/judex/internal/notify/pubsub"
	"github.com/jmpumuro/judex/internal/progress"
	"github.com/jmpumuro/judex/internal/progress/sinks"
	"github.com/jmpumuro/judex/internal/session"
	"github.com/jmpumuro/judex/internal/storage/memory"
	"github.com/jmpumuro/judex/internal/storage/postgres"
	"github.com/jmpumuro/judex/internal/store"
	"github.com/jmpumuro/judex/internal/stream"
	"github.com/jmpumuro/judex/internal/stream/httpstream"
	"github.com/jmpumuro/judex/internal/stream/wsstream"
)

const outcomeTopic = "session-outcomes"

// Option customises Build.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	clock     clockwork.Clock
	transport stream.Transport
	sinks     []progress.Sink
	notifiers []session.Notifier
}

// WithLogger replaces the logger built from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source of the event loop and snapshot stamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithTransport replaces the transport selected by stream.transport.
func WithTransport(t stream.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithSink adds a sink that receives every flushed patch.
func WithSink(s progress.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithNotifier adds a notifier told about every session that ends.
func WithNotifier(n session.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	loop      *loop.Loop
	coalescer *progress.Coalescer
	manager   *session.Manager
	entities  store.EntityRepository
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	apiServer *api.Server

	pgStore         *postgres.EntityStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsubnotify.Publisher
	ownsLogger      bool
}

// Build creates the application's dependencies. Nothing is connected until
// Connect is called on the manager.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{cfg: cfg, logger: o.logger}
	if app.logger == nil {
		logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		app.ownsLogger = true
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("stream_base_url", cfg.Stream.BaseURL),
		zap.String("stream_transport", cfg.Stream.Transport),
	)

	if err := app.setupMetrics(); err != nil {
		return nil, err
	}
	if err := app.setupEntities(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	notifier, err := app.setupNotifier(ctx, o.notifiers)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	transport := o.transport
	if transport == nil {
		transport, err = newTransport(cfg, app.logger)
		if err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	sinkList, err := app.setupSinks(o.clock, o.sinks)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.loop = loop.New(loop.Config{
		BufferSize: cfg.Loop.BufferSize,
		Clock:      o.clock,
		Logger:     app.logger.Named("loop"),
	})
	app.coalescer = progress.NewCoalescer(progress.Config{
		FlushDelay:  cfg.FlushDelay(),
		SinkTimeout: cfg.SinkTimeout(),
		BaseContext: ctx,
		Logger:      app.logger.Named("coalescer"),
		Observer:    app.metrics,
	}, app.loop, sinkList...)

	app.manager, err = session.NewManager(session.Config{
		Transport: transport,
		Scheduler: app.loop,
		Sink:      app.coalescer,
		Bridge:    bridge.New(),
		Catalog:   catalog,
		Retry: session.RetryPolicy{
			MaxRetries:  cfg.Retry.MaxRetries,
			BackoffBase: cfg.BackoffBase(),
		},
		MonotonicProgress: cfg.Progress.Monotonic,
		Notifier:          notifier,
		Metrics:           app.metrics,
		IDs:               uuid.New(),
		Logger:            app.logger,
		BaseContext:       ctx,
	})
	if err != nil {
		_ = app.loop.Close(ctx)
		app.closeInfrastructure()
		return nil, fmt.Errorf("session manager init failed: %w", err)
	}

	app.apiServer = api.NewServer(api.Deps{
		Entities: app.entities,
		Sessions: api.ManagedSessions{Manager: app.manager, Runner: app.loop},
		Metrics:  app.metrics,
		Gatherer: app.registry,
		Logger:   app.logger,
	})
	return app, nil
}

func (a *App) setupMetrics() error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}
	a.metrics = m
	return nil
}

func (a *App) setupEntities(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database DSN configured, using in-memory entity store")
		a.entities = memory.NewEntityStore()
		return nil
	}
	pg, err := postgres.NewEntityStore(ctx, postgres.EntityStoreConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("entity store init failed: %w", err)
	}
	a.pgStore = pg
	if a.cfg.Database.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("entity store schema: %w", err)
		}
	}
	a.entities = pg
	a.logger.Info("postgres entity store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupNotifier(ctx context.Context, extra []session.Notifier) (session.Notifier, error) {
	var pub notify.Publisher
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		pub = memorynotify.NewBounded(1000)
	} else {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		publisher, err := pubsubnotify.Dial(ctx, client, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsubPublisher = publisher
		pub = publisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	notifiers := notify.Multi{notify.NewSessionNotifier(pub, notify.SessionNotifierConfig{
		Topic:  outcomeTopic,
		Async:  true,
		Logger: a.logger,
	})}
	notifiers = append(notifiers, extra...)
	return notifiers, nil
}

func (a *App) setupSinks(clock clockwork.Clock, extra []progress.Sink) ([]progress.Sink, error) {
	sinkList := []progress.Sink{sinks.NewStoreSink(a.entities, clock)}
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	var observers progress.Fanout
	if a.cfg.Progress.LogEnabled {
		observers = append(observers, sinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	observers = append(observers, extra...)
	if len(observers) > 0 {
		sinkList = append(sinkList, observers)
	}
	return sinkList, nil
}

func newTransport(cfg config.Config, logger *zap.Logger) (stream.Transport, error) {
	header := make(http.Header, len(cfg.Stream.Headers))
	for k, v := range cfg.Stream.Headers {
		header.Set(k, v)
	}
	switch cfg.Stream.Transport {
	case config.TransportWebSocket:
		t, err := wsstream.New(wsstream.Config{
			BaseURL:      cfg.Stream.BaseURL,
			PathTemplate: cfg.Stream.PathTemplate,
			Header:       header,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("websocket transport init failed: %w", err)
		}
		return t, nil
	default:
		t, err := httpstream.New(httpstream.Config{
			BaseURL:      cfg.Stream.BaseURL,
			PathTemplate: cfg.Stream.PathTemplate,
			Header:       header,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("http transport init failed: %w", err)
		}
		return t, nil
	}
}

// Manager returns the session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Entities returns the view model repository.
func (a *App) Entities() store.EntityRepository {
	return a.entities
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the HTTP API and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close disconnects every session, flushes pending patches, and releases
// infrastructure.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.loop != nil {
		a.manager.DisconnectAll()
		// Runs after the posted disconnect.
		if err := a.loop.Do(ctx, func() {
			if err := a.coalescer.Close(ctx); err != nil {
				a.logger.Warn("coalescer close failed", zap.Error(err))
			}
		}); err != nil {
			errs = append(errs, fmt.Errorf("flush pending patches: %w", err))
		}
		if err := a.loop.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if a.ownsLogger {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
