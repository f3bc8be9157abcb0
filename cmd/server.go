package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldwatch.dev/fieldwatch/internal/pipeline"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the monitoring pipeline server",
	Long: `Run the monitoring pipeline server that:
- Ingests device events via the HTTP webhook
- Derives device status and persists events to PostgreSQL
- Evaluates alert rules and queues dispatches on RabbitMQ
- Delivers notifications with retry and serves the read API`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "fieldwatch", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	serverCmd.Flags().String("queue-name", "alert-dispatches", "RabbitMQ queue name for alert dispatches")
	serverCmd.Flags().Int("http-port", 8080, "HTTP server port")
	serverCmd.Flags().String("sink-url", "", "Notification sink URL for alert delivery")
	serverCmd.Flags().Duration("sink-timeout", 10*time.Second, "Notification sink request timeout")
	serverCmd.Flags().Bool("auto-provision", false, "Auto-provision unknown devices on first contact")
	serverCmd.Flags().Duration("dedup-window", 2*time.Minute, "Duplicate event suppression window")
	serverCmd.Flags().Duration("ingest-timeout", 5*time.Second, "Per-request ingestion timeout")
	serverCmd.Flags().Int("max-attempts", 5, "Maximum delivery attempts before a dispatch fails permanently")
	serverCmd.Flags().Duration("sweep-interval", time.Minute, "Interval between stale device sweeps")
	serverCmd.Flags().Duration("liveness-threshold", 5*time.Minute, "Silence duration before a device is marked offline")

	// Bind flags to viper
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.rabbitmq.queue_name", serverCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("server.http.port", serverCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("server.sink.url", serverCmd.Flags().Lookup("sink-url"))
	_ = viper.BindPFlag("server.sink.timeout", serverCmd.Flags().Lookup("sink-timeout"))
	_ = viper.BindPFlag("server.ingest.auto_provision", serverCmd.Flags().Lookup("auto-provision"))
	_ = viper.BindPFlag("server.ingest.dedup_window", serverCmd.Flags().Lookup("dedup-window"))
	_ = viper.BindPFlag("server.ingest.timeout", serverCmd.Flags().Lookup("ingest-timeout"))
	_ = viper.BindPFlag("server.dispatch.max_attempts", serverCmd.Flags().Lookup("max-attempts"))
	_ = viper.BindPFlag("server.sweep.interval", serverCmd.Flags().Lookup("sweep-interval"))
	_ = viper.BindPFlag("server.sweep.liveness_threshold", serverCmd.Flags().Lookup("liveness-threshold"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting pipeline server")

	// Create server configuration from viper
	config := &pipeline.ServerConfig{
		Logger:            logger,
		DBHost:            viper.GetString("server.db.host"),
		DBPort:            viper.GetInt("server.db.port"),
		DBUser:            viper.GetString("server.db.user"),
		DBPassword:        viper.GetString("server.db.password"),
		DBName:            viper.GetString("server.db.name"),
		DBSSLMode:         viper.GetString("server.db.sslmode"),
		RabbitMQURL:       viper.GetString("server.rabbitmq.url"),
		QueueName:         viper.GetString("server.rabbitmq.queue_name"),
		HTTPPort:          viper.GetInt("server.http.port"),
		SinkURL:           viper.GetString("server.sink.url"),
		SinkTimeout:       viper.GetDuration("server.sink.timeout"),
		AutoProvision:     viper.GetBool("server.ingest.auto_provision"),
		DedupWindow:       viper.GetDuration("server.ingest.dedup_window"),
		IngestTimeout:     viper.GetDuration("server.ingest.timeout"),
		MaxAttempts:       viper.GetInt("server.dispatch.max_attempts"),
		SweepInterval:     viper.GetDuration("server.sweep.interval"),
		LivenessThreshold: viper.GetDuration("server.sweep.liveness_threshold"),
		EnableMetrics:     true,
	}

	// Create and run server
	server, err := pipeline.NewServer(config)
	if err != nil {
		logger.Error("failed to create pipeline server", "error", err)
		return err
	}

	logger.Info("pipeline server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"dispatch_queue", config.QueueName,
		"http_port", config.HTTPPort,
		"auto_provision", config.AutoProvision,
		"dedup_window", config.DedupWindow,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("pipeline server error", "error", err)
		return err
	}

	logger.Info("pipeline server stopped")
	return nil
}
