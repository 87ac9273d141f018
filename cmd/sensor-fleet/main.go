package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/diwise/sensor-fleet/domain"
	"github.com/diwise/sensor-fleet/internal/pkg/application/config"
	"github.com/diwise/sensor-fleet/internal/pkg/application/fiware"
	"github.com/diwise/sensor-fleet/internal/pkg/application/fleet"
	"github.com/diwise/sensor-fleet/internal/pkg/infrastructure/metrics"
	"github.com/diwise/sensor-fleet/internal/pkg/infrastructure/mqtt"
	"github.com/diwise/sensor-fleet/internal/pkg/infrastructure/router"
)

const serviceName string = "sensor-fleet"

var (
	configPath string
	mode       string
)

func main() {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Simulate a fleet of MQTT sensor devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.Flags().StringVar(&configPath, "config", "conf/setting.json", "path to the settings file")
	cmd.Flags().StringVar(&mode, "mode", "", "override the configured mode (publish, subscribe or both)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error().Err(err).Str("config", configPath).Msg("refusing to start")
		return err
	}

	opts, err := mqtt.OptionsFromConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to prepare broker connection settings")
		return err
	}

	fleetOpts := []fleet.Option{
		fleet.WithOutput(cmd.OutOrStdout()),
		fleet.WithObserver(metrics.New(prometheus.DefaultRegisterer)),
	}

	if cfg.ContextBrokerURL != "" {
		cbClient := client.NewContextBrokerClient(cfg.ContextBrokerURL)
		fleetOpts = append(fleetOpts, fleet.WithRegistry(fiware.NewDeviceRegistry(cbClient)))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, err := fleet.New(mqtt.NewFactory(opts), fleetOpts...).Start(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start fleet")
		return err
	}

	if cfg.HTTPPort != "" {
		r := router.SetupRouter(chi.NewRouter(), logger, f, prometheus.DefaultGatherer)
		go func() {
			if err := r.Start(cfg.HTTPPort); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	select {
	case <-f.Done():
	case <-ctx.Done():
		logger.Info().Msg("interrupted, stopping all sessions")
		if err := f.StopAll(cfg.ShutdownGrace); err != nil {
			for _, s := range f.Statuses() {
				logger.Warn().Str("client_id", s.ClientID).Str("state", s.State.String()).Msg("session did not stop in time")
			}
			return err
		}
	}

	results := f.AwaitAll()
	for _, r := range results {
		logger.Info().Str("client_id", r.ClientID).Str("state", r.State.String()).Msg("session finished")
	}

	if err := fleet.Err(results); err != nil {
		logger.Error().Err(err).Msg("one or more sessions failed")
		return err
	}

	return nil
}

func loadConfig(logger zerolog.Logger) (*config.FleetConfig, error) {
	cfg, err := config.Load(logger, configPath, config.WithMode(domain.Mode(mode)))
	if err != nil {
		return nil, err
	}

	logger.Info().Str("mode", string(cfg.Mode)).Int("devices", len(cfg.ClientIDs)).Int("sensors", cfg.NumOfSensors).Msg("configuration loaded")

	return cfg, nil
}
