package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/paddock-io/paddock/pkg/driver"
	"github.com/paddock-io/paddock/pkg/engine"
	"github.com/paddock-io/paddock/pkg/events"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/registry"
	"github.com/paddock-io/paddock/pkg/storage"
	"github.com/paddock-io/paddock/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// serveConfig is the on-disk configuration for the serve command
type serveConfig struct {
	DataDir     string        `yaml:"data_dir"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
	LogJSON     bool          `yaml:"log_json"`
	Engine      engine.Config `yaml:"engine"`

	// SimulatedHosts registers fake-driver hosts at startup so the
	// engine can be exercised without real hypervisors.
	SimulatedHosts []simulatedHost `yaml:"simulated_hosts"`
}

type simulatedHost struct {
	Name      string            `yaml:"name"`
	VCPUs     int64             `yaml:"vcpus"`
	MemoryMiB int64             `yaml:"memory_mib"`
	DiskGiB   int64             `yaml:"disk_gib"`
	Labels    map[string]string `yaml:"labels"`
}

func defaultServeConfig() serveConfig {
	return serveConfig{
		DataDir:     "/var/lib/paddock",
		MetricsAddr: ":9480",
		LogLevel:    "info",
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Run the Paddock engine with the in-memory simulation driver.

Hosts listed under simulated_hosts in the config file are registered at
startup. Prometheus metrics are served at /metrics on metrics_addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg := defaultServeConfig()
		if configPath != "" {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
		}

		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func serve(cfg serveConfig) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	fake := driver.NewFake()
	eng, err := engine.New(cfg.Engine, store, fake, broker)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	for i, sim := range cfg.SimulatedHosts {
		endpoint := fmt.Sprintf("fake:///%s", sim.Name)
		capacity := types.Resources{VCPUs: sim.VCPUs, MemoryMiB: sim.MemoryMiB, DiskGiB: sim.DiskGiB}
		fake.AddEndpoint(endpoint, capacity)

		host, err := eng.RegisterHost(ctx, registry.RegisterRequest{
			Endpoint: endpoint,
			Name:     sim.Name,
			Labels:   sim.Labels,
			Capacity: capacity,
		})
		if err != nil {
			return fmt.Errorf("failed to register simulated host %d: %w", i, err)
		}
		logger.Info().Str("host_id", host.ID).Str("name", sim.Name).Msg("simulated host registered")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return srv.Shutdown(context.Background())
}
