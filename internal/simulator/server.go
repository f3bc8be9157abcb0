// Package simulator drives a fleet of synthetic monitoring devices against
// the ingestion webhook. It is a load and smoke-test tool, not part of the
// production data path.
package simulator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"fieldwatch.dev/fieldwatch/pkg/generator"
)

// ServerConfig holds the configuration for the simulator.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// WebhookURL is the full URL of the ingestion webhook to post to
	WebhookURL string
	// DeviceCount is the number of simulated devices
	DeviceCount int
	// Interval is the time between events per device
	Interval time.Duration
}

// Server runs one goroutine per simulated device.
type Server struct {
	logger  *slog.Logger
	config  *ServerConfig
	devices []*generator.FleetDevice
	client  *resty.Client
	wg      sync.WaitGroup
}

var (
	errInvalidDeviceCount = errors.New("device count must be greater than 0")
	errInvalidInterval    = errors.New("interval must be greater than 0")
	errWebhookURLRequired = errors.New("webhook URL is required")
	errLoggerRequired     = errors.New("logger is required")
)

// NewServer creates a simulator with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.DeviceCount <= 0 {
		return nil, errInvalidDeviceCount
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.WebhookURL == "" {
		return nil, errWebhookURLRequired
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		devices: make([]*generator.FleetDevice, 0, cfg.DeviceCount),
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}

	for i := 0; i < cfg.DeviceCount; i++ {
		device := generator.NewFleetDevice()
		if device == nil {
			return nil, errors.New("failed to generate device")
		}
		s.devices = append(s.devices, device)

		s.logger.Info("created simulated device",
			"device_id", i,
			"imei", device.IMEI,
			"type", device.DeviceType,
		)
	}

	return s, nil
}

// Run starts all device loops and blocks until a shutdown signal is received.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	for i, device := range s.devices {
		s.wg.Add(1)
		go s.runDevice(ctx, i, device)
	}

	s.logger.Info("simulator started",
		"device_count", len(s.devices),
		"interval", s.config.Interval,
		"webhook_url", s.config.WebhookURL,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	s.logger.Info("waiting for device loops to shut down...")
	s.wg.Wait()

	s.logger.Info("simulator stopped")
	return nil
}

// runDevice posts one event per tick for a single simulated device.
func (s *Server) runDevice(ctx context.Context, id int, device *generator.FleetDevice) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	deviceLogger := s.logger.With(
		slog.Int("device_id", id),
		slog.String("imei", device.IMEI),
	)
	deviceLogger.Info("device loop started")

	for {
		select {
		case <-ctx.Done():
			deviceLogger.Info("device loop shutting down")
			return

		case <-ticker.C:
			payload := device.NextEvent(time.Now())

			resp, err := s.client.R().
				SetContext(ctx).
				SetBody(payload).
				Post(s.config.WebhookURL)
			if err != nil {
				deviceLogger.Error("failed to post event",
					"event_type", payload.EventType,
					"error", err,
				)
				continue
			}

			if resp.StatusCode() != http.StatusOK {
				deviceLogger.Warn("webhook rejected event",
					"event_type", payload.EventType,
					"status", resp.StatusCode(),
					"body", resp.String(),
				)
				continue
			}

			deviceLogger.Debug("event posted", "event_type", payload.EventType)
		}
	}
}
