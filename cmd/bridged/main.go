// bridged is the bridge host daemon: it discovers shelf displays,
// maintains one session per device, relays stock deltas to the backend
// and pushes configuration back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shelfsync/internal/adapter/backend"
	"shelfsync/internal/adapter/gateway"
	"shelfsync/internal/bridge"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/infra/logger"
	"shelfsync/internal/infra/tracer"
	"shelfsync/internal/transport"
	"shelfsync/internal/usecase/eventbus"
	"shelfsync/internal/usecase/scheduling"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Backend client behind a circuit breaker
	client := backend.NewClient(cfg.Bridge.Backend, log)
	upstream := backend.NewBreaker(client, cfg.Bridge.Backend, log)

	// 5. Discovery and transports
	var browser transport.Browser
	if cfg.Bridge.Discovery.MDNS {
		browser = transport.NewMDNSBrowser(
			cfg.Bridge.Discovery.Service,
			cfg.Bridge.Discovery.NamePrefix,
			cfg.Bridge.Discovery.ScanTimeout,
			log,
		)
	}
	dialers := map[transport.LinkKind]transport.Dialer{
		transport.LinkTCP:    transport.TCPDialer{},
		transport.LinkSerial: transport.SerialDialer{},
	}

	// 6. Coordinator
	coord := bridge.NewCoordinator(cfg.Bridge, upstream, browser, dialers, bus, log)

	// 7. Scheduler: periodic config sweep and stale-device reap
	sched := scheduling.New(log)
	sched.RegisterAction(scheduling.JobConfigRefresh, coord.RefreshConfigs)
	sched.RegisterAction(scheduling.JobStaleReap, coord.ReapStale)
	if err := sched.AddJob(scheduling.JobConfigRefresh, cfg.Bridge.Jobs.ConfigRefresh); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := sched.AddJob(scheduling.JobStaleReap, cfg.Bridge.Jobs.StaleReap); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	// 8. Status gateway
	if cfg.Bridge.Gateway.Enabled {
		gw := gateway.NewServer(coord, bus, cfg.Bridge.Gateway.Addr, log)
		go func() {
			if err := gw.Start(ctx); err != nil {
				log.Error("gateway stopped", "error", err)
			}
		}()
	}

	log.Info("bridge started",
		"mdns", cfg.Bridge.Discovery.MDNS,
		"serial_ports", len(cfg.Bridge.Discovery.SerialPorts),
		"backend", cfg.Bridge.Backend.BaseURL)

	return coord.Run(ctx)
}
