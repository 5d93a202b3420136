// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"missioncontrol/src/config"
	"missioncontrol/src/logging"
	"missioncontrol/src/processor"
	"missioncontrol/src/realtime"
	"missioncontrol/src/reconcile"
	"missioncontrol/src/store"
)

func main() {
	Execute()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()
	logging.InitializeCounters()

	hub := realtime.NewHub()
	st, err := openStore(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Driver == config.DriverPostgres {
		go func() {
			lc := store.ListenerConfig{
				DSN:          cfg.PostgresDSN(),
				MinReconnect: cfg.ListenerMinReconnect,
				MaxReconnect: cfg.ListenerMaxReconnect,
			}
			if err := store.Listen(ctx, lc, hub); err != nil {
				logging.Log(fmt.Sprintf("Listener stopped: %v", err), slog.LevelError)
			}
		}()
	}

	session := reconcile.New(st, hub)
	sessionDone := make(chan struct{})
	go func() {
		session.Run(ctx, cfg.PollingInterval)
		close(sessionDone)
	}()
	logging.Log(fmt.Sprintf("Board session %s started (%s, LISTEN/NOTIFY + fallback polling every %s)", session.ID(), cfg.Driver, cfg.PollingInterval), slog.LevelInfo)

	stats := NewServiceStats(session.ID(), cfg.Driver)
	srv := NewAPIServer(st, session, stats, cfg.BlockerLogPath)
	serverErr := make(chan error, 1)
	go func() { serverErr <- StartAPIServer(ctx, cfg.APIPort, srv) }()

	syncBlockers := func() {
		if cfg.BlockerLogPath == "" {
			return
		}
		n, err := processor.SyncBlockers(ctx, st, cfg.BlockerLogPath)
		stats.BlockerSync(n, err)
		if err != nil {
			logging.Log(fmt.Sprintf("Blocker sync failed: %v", err), slog.LevelWarn)
		}
	}
	recoverTasks := func() {
		n, err := processor.RecoverTasks(ctx, st, cfg.StaleTaskTimeout)
		if err == nil {
			stats.Recovered(n)
		}
	}

	blockerTicker := time.NewTicker(cfg.BlockerSyncInterval)
	defer blockerTicker.Stop()
	// Stale work is checked a few times per timeout window.
	recoverTicker := time.NewTicker(max(cfg.StaleTaskTimeout/4, time.Second))
	defer recoverTicker.Stop()

	// Initial check
	syncBlockers()
	recoverTasks()

	for {
		select {
		case <-ctx.Done():
			logging.Log("Shutting down gracefully...", slog.LevelInfo)
			err := <-serverErr
			<-sessionDone
			return err
		case err := <-serverErr:
			return err
		case <-blockerTicker.C:
			syncBlockers()
		case <-recoverTicker.C:
			recoverTasks()
		}
	}
}
