package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldwatch.dev/fieldwatch/internal/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the device fleet simulator",
	Long: `Run the device fleet simulator that:
- Generates a fleet of synthetic security devices
- Posts heartbeat, GPS, battery, and alarm events to the ingestion webhook
- Supports configurable fleet size and event rate`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulator-specific flags
	simulateCmd.Flags().String("webhook-url", "http://localhost:8080/webhook/monitoring", "Ingestion webhook URL")
	simulateCmd.Flags().Int("device-count", 5, "Number of simulated devices")
	simulateCmd.Flags().Duration("interval", 5*time.Second, "Interval between events per device")

	// Bind flags to viper
	_ = viper.BindPFlag("simulate.webhook_url", simulateCmd.Flags().Lookup("webhook-url"))
	_ = viper.BindPFlag("simulate.device_count", simulateCmd.Flags().Lookup("device-count"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator")

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:      logger,
		WebhookURL:  viper.GetString("simulate.webhook_url"),
		DeviceCount: viper.GetInt("simulate.device_count"),
		Interval:    viper.GetDuration("simulate.interval"),
	}

	// Create and run server
	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"webhook_url", config.WebhookURL,
		"device_count", config.DeviceCount,
		"interval", config.Interval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
