package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ops-vsock/pkg/config"
	"github.com/ops-vsock/pkg/discovery"
	"github.com/ops-vsock/pkg/hub"
	"github.com/ops-vsock/pkg/logging"
	"github.com/ops-vsock/pkg/metrics"
	"github.com/ops-vsock/pkg/router"
	"github.com/ops-vsock/pkg/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry (overrides hub.listen_address).").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics (overrides hub.telemetry_path).").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address to bind the hub listener, or the direct listener for router.").String()

	hubCmd    = kingpin.Command("hub", "Run a hub: directory, gossip and message forwarding.").Default()
	routerCmd = kingpin.Command("router", "Run a relay router attached to a hub.")

	// Global config
	appConfig *config.Config
)

func main() {
	cmd := kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = config.Default()
		appConfig.ApplyEnvOverrides()
	}
	if *listenAddress != "" {
		appConfig.Hub.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		appConfig.Hub.TelemetryPath = *telemetryPath
	}
	logging.Init(appConfig.Log.Level, appConfig.Log.Format)
	defer logging.Flush()
	logging.Logf("Process initialized with ID: %s", logging.GetPeerID())

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		logging.Log("Received shutdown signal, shutting down gracefully...")
	}()

	switch cmd {
	case routerCmd.FullCommand():
		err = runRouter(ctx)
	case hubCmd.FullCommand():
		err = runHub(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		logging.Fatalf("%s error: %v", cmd, err)
	}
}

func runHub(ctx context.Context) error {
	if *bindAddr != "" {
		appConfig.Hub.BindAddr = *bindAddr
	}
	h, err := hub.New(appConfig)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		return err
	}

	if endpoints := appConfig.GetDiscoveryEndpoints(); len(endpoints) > 0 {
		reg, err := discovery.New(endpoints, appConfig.Discovery.Prefix, appConfig.Discovery.TTL)
		if err != nil {
			_ = h.Close()
			return err
		}
		defer reg.Close()
		go func() {
			if err := reg.Run(ctx, h.Address(), h.AddPeer); err != nil && ctx.Err() == nil {
				logging.Errorf("[discovery] %v", err)
			}
		}()
	}

	go func() {
		if err := h.StartMetricsServer(appConfig.Hub.ListenAddress, appConfig.Hub.TelemetryPath); err != nil {
			logging.Errorf("%v", err)
		}
	}()

	<-ctx.Done()
	return h.Close()
}

func runRouter(ctx context.Context) error {
	if *bindAddr != "" {
		appConfig.Client.BindAddr = *bindAddr
	}
	if appConfig.Client.HubAddr == "" {
		return fmt.Errorf("router needs client.hub_addr")
	}
	f, err := vsock.New(appConfig)
	if err != nil {
		return fmt.Errorf("failed to create socket factory: %w", err)
	}
	defer f.Close()

	r, err := router.New(f, appConfig.Router, appConfig.Modules.RouterService)
	if err != nil {
		return err
	}
	defer r.Close()

	go func() {
		actx, cancel := context.WithTimeout(ctx, appConfig.Client.ConnectTimeout)
		defer cancel()
		if err := r.Advertise(actx); err != nil {
			logging.Warnf("[router] %v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(f.Collector())
	go func() {
		if err := metrics.Serve(appConfig.Hub.ListenAddress, appConfig.Hub.TelemetryPath, "Ops VSock Router Exporter", reg); err != nil {
			logging.Errorf("%v", err)
		}
	}()

	return r.Serve(ctx)
}
