package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/rvhost/internal/config"
	"github.com/ehrlich-b/rvhost/internal/emuworker"
	"github.com/ehrlich-b/rvhost/internal/emuworker/subprocess"
	"github.com/ehrlich-b/rvhost/internal/lockmgr"
	"github.com/ehrlich-b/rvhost/internal/netbridge"
	"github.com/ehrlich-b/rvhost/internal/overlay"
	"github.com/ehrlich-b/rvhost/internal/rpcshm"
	"github.com/ehrlich-b/rvhost/internal/sandbox"
	"github.com/ehrlich-b/rvhost/internal/store"
	"github.com/ehrlich-b/rvhost/internal/supervisor"
	"github.com/ehrlich-b/rvhost/internal/termsink"
	"github.com/ehrlich-b/rvhost/internal/transport"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		workerBin  string
		isolation  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "boot a machine's supervisor and serve its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, dataDir, workerBin, isolation)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "machine.yaml", "path to the machine's YAML config")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for sqlite db, packages, and quarantine")
	cmd.Flags().StringVar(&workerBin, "worker-bin", "rvworker", "path to the emulator worker binary")
	cmd.Flags().StringVar(&isolation, "isolation", "standard", "sandbox level: strict, standard, network, privileged")

	return cmd
}

func runServe(ctx context.Context, configPath, dataDir, workerBin, isolation string) error {
	machine, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load machine config: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	db, err := store.Open(filepath.Join(dataDir, "rvhost.db"), dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	locks := lockmgr.New(db)

	cacheWatcher, err := overlay.WatchPackageCache(db.PackagesDir())
	if err != nil {
		slog.Default().Warn("package cache watch unavailable, externally dropped layers won't be picked up", "error", err)
	} else {
		defer cacheWatcher.Close()
		go watchPackageCache(cacheWatcher, db)
	}

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self path: %w", err)
	}

	sb, err := sandbox.New(sandbox.Config{
		Isolation:    sandbox.ParseLevel(isolation),
		Timeout:      time.Duration(machine.ConnectTimeoutMs) * time.Millisecond,
		AllowNetwork: machine.ProxyURL == "",
	})
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}
	defer sb.Destroy()

	var netHandler rpcshm.Handler
	var bridge *netbridge.Bridge
	if machine.ProxyURL != "" {
		bridge = netbridge.New(machine.ProxyURL, slog.Default())
		netHandler = bridge.Dispatch
	}

	term := termsink.NewBroadcaster()
	deps := supervisor.Deps{
		Store: db,
		Locks: locks,
		NewWorker: func() emuworker.Worker {
			return subprocess.New(selfPath, workerBin, nil, sb, slog.Default())
		},
		LoadBase: fetchBaseTar,
		Sink:     term,
		Log:      slog.Default(),
	}
	sup := supervisor.New(machine, deps, netHandler)

	socketPath := filepath.Join(dataDir, machine.ID+".sock")
	srv := transport.NewServer(socketPath, machine.ID, sup, db, locks, term)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)

	if bridge != nil {
		go func() {
			errCh <- bridge.Run(runCtx)
		}()
	}

	go func() {
		slog.Default().Info("control API listening", "socket", socketPath)
		errCh <- srv.ListenAndServe(runCtx)
	}()

	select {
	case sig := <-sigCh:
		slog.Default().Info("received signal, shutting down", "signal", sig.String())
		cancel()
		termCtx, termCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer termCancel()
		if sup.State() == supervisor.StateRunning || sup.State() == supervisor.StatePausing {
			if err := sup.Terminate(termCtx); err != nil {
				slog.Default().Warn("terminate on shutdown failed", "error", err)
			}
		}
		return nil
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// watchPackageCache registers package tars dropped directly into the
// cache directory (bypassing `rvhostctl pkg install`) in the manifest
// as they appear, so the next boot's package list picks them up
// without a restart.
func watchPackageCache(cw *overlay.CacheWatcher, db *store.Store) {
	for id := range cw.Events {
		if _, err := db.RegisterExternalPackage(id); err != nil {
			slog.Default().Warn("failed to register externally dropped package", "id", id, "error", err)
			continue
		}
		slog.Default().Info("registered externally dropped package", "id", id)
	}
}
