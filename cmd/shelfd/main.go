// shelfd is the shelf display firmware process for host-class units
// and hardware-in-the-loop rigs: the wake/sleep state machine, the
// durable pending queue, and the sync endpoint the bridge connects to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"shelfsync/internal/device"
	"shelfsync/internal/device/store"
	"shelfsync/internal/infra/config"
	"shelfsync/internal/infra/logger"
	"shelfsync/internal/transport"
)

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Device.DataDir, "device.db"))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	updater := device.NewFirmwareUpdater(cfg.Device.DataDir, log)
	if version, err := updater.ActivateStaged(); err == nil {
		log.Info("activated staged firmware", "version", version)
		cfg.Device.FirmwareVersion = version
	}

	machine, err := device.New(cfg.Device, st, updater, log)
	if err != nil {
		return fmt.Errorf("state machine: %w", err)
	}

	listener, err := transport.Listen(cfg.Device.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return machine.Run(ctx)
	})

	// One bridge connection at a time; a new connect replaces the old.
	g.Go(func() error {
		for {
			stream, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Warn("accept failed", "error", err)
				continue
			}
			machine.Attach(stream)
		}
	})

	g.Go(func() error {
		return transport.Advertise(ctx,
			"_shelfsync._tcp", cfg.Device.Name, cfg.Device.ID, listener.Port(), log)
	})

	log.Info("shelf device started",
		"device_id", cfg.Device.ID,
		"listen", listener.Addr(),
		"firmware_version", cfg.Device.FirmwareVersion)

	return g.Wait()
}
