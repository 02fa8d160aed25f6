package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/conditionflow/internal/runtime/config"
	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/fanout"
	"github.com/drblury/conditionflow/internal/runtime/history"
	"github.com/drblury/conditionflow/internal/runtime/httpapi"
	"github.com/drblury/conditionflow/internal/runtime/ingest"
	loggingpkg "github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/internal/runtime/metrics"
	"github.com/drblury/conditionflow/store"
	"github.com/drblury/conditionflow/transport"
)

// ServiceDependencies holds optional collaborators. Nil fields fall back to
// the default registries, a private Prometheus registry and time.Now.
type ServiceDependencies struct {
	Transports *transport.Registry
	Stores     *store.Registry
	// Registerer and Gatherer back /metrics. Set both or neither.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Clock      func() time.Time
}

// Service wires the queue consumer, the record store, the subscriber fanout
// and the HTTP read API.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport transport.Transport
	store     store.Store
	metrics   *metrics.Metrics
	fanout    *fanout.Fanout
	hub       *fanout.Hub
	consumer  *ingest.Consumer
	stats     *statsProcessor
	resources *resourceTracker

	server  *http.Server
	handler http.Handler
}

// NewService builds every component for conf. The returned Service owns the
// store and transport connections; call Close when done with it.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if deps.Transports == nil {
		deps.Transports = transport.DefaultRegistry
	}
	if deps.Stores == nil {
		deps.Stores = store.DefaultRegistry
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating conditions service", loggingpkg.LogFields{
		"queue_system": conf.QueueSystem,
		"store_driver": conf.StoreDriver,
		"config":       conf.String(),
	})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		resources: newResourceTracker(),
	}

	var metricsHandler http.Handler
	if conf.MetricsEnabled {
		registerer, gatherer := deps.Registerer, deps.Gatherer
		if registerer == nil || gatherer == nil {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			registerer, gatherer = reg, reg
		}
		s.metrics = metrics.New(registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	st, err := deps.Stores.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}
	s.store = st

	if err := s.build(ctx, deps, wmLogger, metricsHandler); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies, wmLogger watermill.LoggerAdapter, metricsHandler http.Handler) error {
	conf := s.Conf

	if conf.ResourcesFile != "" {
		resources, err := LoadResources(conf.ResourcesFile)
		if err != nil {
			return err
		}
		if err := seedCatalog(ctx, s.store, resources); err != nil {
			return err
		}
		s.Logger.Info("Seeded resource catalog", loggingpkg.LogFields{"resources": len(resources)})
	}

	tr, err := deps.Transports.Build(ctx, conf, wmLogger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	s.transport = tr

	fanoutOpts := []fanout.Option{fanout.WithMetrics(s.metrics)}
	if conf.NotifyTopic != "" {
		if tr.Publisher == nil {
			return fmt.Errorf("notify topic %q: transport %s cannot publish", conf.NotifyTopic, conf.QueueSystem)
		}
		fwd, err := fanout.NewForwarder(tr.Publisher, conf.NotifyTopic)
		if err != nil {
			return err
		}
		fanoutOpts = append(fanoutOpts, fanout.WithForwarder(fwd))
	}
	s.fanout = fanout.New(fanout.NewRegistry(fanout.DefaultShards), s.Logger, fanoutOpts...)
	s.hub = fanout.NewHub(s.fanout, conf.CORSAllowedOrigins, s.Logger, s.metrics)

	processor, err := ingest.NewProcessor(s.store, s.fanout, s.Logger,
		ingest.WithClock(deps.Clock),
		ingest.WithProcessorMetrics(s.metrics),
	)
	if err != nil {
		return err
	}
	s.stats = newStatsProcessor(processor, deps.Clock)

	if tr.Queue != nil {
		s.consumer, err = ingest.NewConsumer(tr.Queue, s.stats, ingest.ConsumerConfig{
			MaxMessages: conf.MaxMessages,
			WaitTime:    conf.WaitTime,
			Backoff:     conf.Backoff,
		}, s.Logger, s.metrics)
		if err != nil {
			return err
		}
	} else {
		s.Logger.Info("No queue configured, consumer disabled", loggingpkg.LogFields{"queue_system": conf.QueueSystem})
	}

	reader, err := history.NewReader(s.store, history.Config{
		DefaultPageSize: conf.DefaultPageSize,
		MaxPageSize:     conf.MaxPageSize,
	}, s.metrics)
	if err != nil {
		return err
	}

	opts := []httpapi.Option{
		httpapi.WithHub(s.hub),
		httpapi.WithClock(deps.Clock),
		httpapi.WithStatus(func() any { return s.Status() }),
	}
	if metricsHandler != nil {
		opts = append(opts, httpapi.WithMetricsHandler(metricsHandler))
	}
	api, err := httpapi.NewServer(s.store, reader, s.Logger, httpapi.Config{
		AllowedOrigins: conf.CORSAllowedOrigins,
		RateLimit:      conf.HTTPRateLimit,
	}, opts...)
	if err != nil {
		return err
	}
	s.handler = api.Routes()
	s.server = &http.Server{
		Addr:              conf.HTTPAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start runs the consumer and the HTTP server until ctx is cancelled or one
// of them fails, then shuts the server down.
func (s *Service) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.consumer != nil {
		g.Go(func() error {
			return s.consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": s.server.Addr})
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.Conf.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		s.Logger.Info("HTTP server stopped", nil)
		return nil
	})

	return g.Wait()
}

// Close releases the transport and store connections.
func (s *Service) Close() error {
	var errs []error
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Handler returns the HTTP handler served by Start.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Status reports consumer progress, open connections and process usage.
func (s *Service) Status() Status {
	consumer := s.stats.Snapshot()
	consumer.State = "disabled"
	if s.consumer != nil {
		consumer.State = s.consumer.State().String()
	}
	connections := 0
	if s.hub != nil {
		connections = s.hub.ClientCount()
	}
	return Status{
		Status:      "ok",
		Consumer:    consumer,
		Connections: connections,
		Resource:    s.resources.Snapshot(),
	}
}
