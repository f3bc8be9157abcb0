package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"fieldwatch.dev/fieldwatch/pkg/bus"
	"fieldwatch.dev/fieldwatch/pkg/metrics"
	"fieldwatch.dev/fieldwatch/pkg/mq"
)

// Server wires the monitoring pipeline: database, dispatch queue, ingestion
// gateway, dispatcher, liveness sweep, and the HTTP surface.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	httpServer *http.Server
	mqClient   *mq.Client
	dispatcher *Dispatcher
	bus        *bus.Bus

	registry   *DeviceRegistry
	events     *EventStore
	rules      *RuleStore
	dispatches *DispatchStore
	gateway    *Gateway

	metrics         *metrics.IngestMetrics
	dispatchMetrics *metrics.DispatchMetrics
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBPort     int

	// RabbitMQ configuration
	RabbitMQURL string
	QueueName   string

	// HTTP configuration
	HTTPPort int

	// Notification sink
	SinkURL     string
	SinkTimeout time.Duration

	// Ingestion policy
	AutoProvision bool
	DedupWindow   time.Duration
	IngestTimeout time.Duration
	MaxAttempts   int

	// Liveness sweep
	SweepInterval     time.Duration
	LivenessThreshold time.Duration

	// EnableMetrics registers Prometheus collectors and serves /metrics.
	// Disabled in tests to avoid duplicate registration.
	EnableMetrics bool
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.SinkURL == "" {
		return nil, errors.New("sink URL cannot be empty")
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 5 * time.Minute
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the pipeline server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting pipeline server")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if s.config.EnableMetrics {
		s.metrics = metrics.NewIngestMetrics("fieldwatch")
		s.dispatchMetrics = metrics.NewDispatchMetrics("fieldwatch")
	}

	db, err := NewDB(&DBConfig{
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if err := s.buildComponents(); err != nil {
		return err
	}

	// The dispatch queue client reconnects in the background; give it a
	// moment before the dispatcher first calls Consume.
	time.Sleep(2 * time.Second)

	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	go s.sweepLoop(ctx)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("pipeline server started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	return s.Shutdown()
}

// buildComponents constructs the stores, gateway, evaluator, and dispatcher
// once the database connection exists.
func (s *Server) buildComponents() error {
	s.bus = bus.New(s.logger)

	var err error
	if s.registry, err = NewDeviceRegistry(s.db, s.logger); err != nil {
		return fmt.Errorf("failed to initialize device registry: %w", err)
	}
	if s.events, err = NewEventStore(s.db, s.logger); err != nil {
		return fmt.Errorf("failed to initialize event store: %w", err)
	}
	if s.rules, err = NewRuleStore(s.db, s.logger); err != nil {
		return fmt.Errorf("failed to initialize rule store: %w", err)
	}
	if s.dispatches, err = NewDispatchStore(s.db, s.logger); err != nil {
		return fmt.Errorf("failed to initialize dispatch store: %w", err)
	}

	s.mqClient = mq.New(s.config.QueueName, s.config.RabbitMQURL, s.logger)
	if s.config.EnableMetrics {
		s.mqClient.SetMetrics(metrics.NewMQMetrics("fieldwatch"))
	}

	evaluator, err := NewEvaluator(&EvaluatorConfig{
		Logger:     s.logger,
		Rules:      s.rules,
		Dispatches: s.dispatches,
		Events:     s.events,
		Queue:      s.mqClient,
		Bus:        s.bus,
		Metrics:    s.dispatchMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize evaluator: %w", err)
	}

	s.gateway, err = NewGateway(&GatewayConfig{
		Logger:        s.logger,
		Registry:      s.registry,
		Events:        s.events,
		Evaluator:     evaluator,
		Bus:           s.bus,
		Metrics:       s.metrics,
		AutoProvision: s.config.AutoProvision,
		DedupWindow:   s.config.DedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	sink, err := NewWebhookSink(s.config.SinkURL, s.config.SinkTimeout, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize notification sink: %w", err)
	}

	s.dispatcher, err = NewDispatcher(&DispatcherConfig{
		Logger:      s.logger,
		Dispatches:  s.dispatches,
		Events:      s.events,
		Rules:       s.rules,
		Registry:    s.registry,
		Queue:       s.mqClient,
		Sink:        sink,
		Bus:         s.bus,
		Metrics:     s.dispatchMetrics,
		MaxAttempts: s.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	return nil
}

// routes builds the HTTP router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.requestMetrics)
	}

	r.Get("/healthz", s.handleHealthz)
	if s.config.EnableMetrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Options("/webhook/monitoring", s.handleWebhookOptions)
	r.Post("/webhook/monitoring", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleProvisionDevice)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/events", s.handleDeviceEvents)
					r.Put("/maintenance", s.handleMaintenance)
				})
			})
			r.Get("/dispatches", s.handleListDispatches)
			r.Get("/stream", s.handleStream)
		})
	})

	return r
}

// requestMetrics records request counts, latency, and in-flight gauge per route.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.metrics.HTTPRequestsInFlight.WithLabelValues(r.URL.Path).Inc()
		defer s.metrics.HTTPRequestsInFlight.WithLabelValues(r.URL.Path).Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The route pattern is only known once chi has matched the request.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, fmt.Sprintf("%d", ww.Status())).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// sweepLoop periodically demotes stale online devices to offline.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.registry.SweepStaleDevices(ctx, time.Now().UTC(), s.config.LivenessThreshold)
			if err != nil {
				s.logger.Error("liveness sweep failed", "error", err)
				continue
			}
			if count > 0 && s.metrics != nil {
				s.metrics.StaleDevicesSwept.Add(float64(count))
			}
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down pipeline server")

	var shutdownErr error

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		s.logger.Info("HTTP server stopped")
	}

	if s.dispatcher != nil {
		s.logger.Info("stopping dispatcher")
		if err := s.dispatcher.Stop(); err != nil {
			s.logger.Error("failed to stop dispatcher", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; dispatcher shutdown error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("dispatcher shutdown error: %w", err)
			}
		}
	}

	if s.bus != nil {
		s.bus.Close()
	}

	if s.db != nil {
		if err := CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("pipeline server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("pipeline server shutdown completed successfully")
	return nil
}
