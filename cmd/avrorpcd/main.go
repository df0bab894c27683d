// Package main is the entry point for the Avro RPC server daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avro-ipc/avrorpc/internal/config"
	"github.com/avro-ipc/avrorpc/internal/examplerpc"
	"github.com/avro-ipc/avrorpc/internal/logging"
	"github.com/avro-ipc/avrorpc/internal/metrics"
	"github.com/avro-ipc/avrorpc/internal/reload"
	"github.com/avro-ipc/avrorpc/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "avrorpcd",
		Short:   "Avro IPC-over-HTTP server daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	logger.Info("starting avrorpcd",
		"version", version,
		"address", cfg.Address(),
		"namespace", cfg.Protocol.Namespace,
	)

	m := metrics.New()
	rt := server.NewRouter(cfg, logger, m)

	hostname, _ := os.Hostname()
	if err := rt.Register(examplerpc.Route(hostname)); err != nil {
		return fmt.Errorf("register example route: %w", err)
	}
	if err := rt.Freeze(); err != nil {
		return fmt.Errorf("freeze protocol: %w", err)
	}

	var watcher *reload.Watcher
	if configPath != "" {
		watcher, err = reload.New(configPath, level, nil, logger)
		if err != nil {
			logger.Warn("config hot-reload disabled", "error", err.Error())
		}
	}
	stop := make(chan struct{})
	if watcher != nil {
		go watcher.Run(stop)
	}

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      rt.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			close(stop)
			return err
		}
	case sig := <-shutdown:
		logger.Info("shutting down", "signal", sig.String())
		close(stop)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err.Error())
		}
	}

	logger.Info("shutdown complete")
	return nil
}
