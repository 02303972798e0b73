package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/replicator/internal/config"
	"github.com/devrev/pairdb/replicator/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a replicator node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger := loggerFromFlags(cmd, cfg.Logging.Level, cfg.Logging.Format)
		defer logger.Sync()

		logger.Info("configuration loaded",
			zap.String("node_id", cfg.Server.NodeID),
			zap.Int("server_port", cfg.Server.Port),
			zap.Int("databases", len(cfg.Databases)),
			zap.Bool("gossip", cfg.Gossip.Enabled),
		)

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		httpServer, err := server.NewServer(cfg, registry, logger)
		if err != nil {
			logger.Error("failed to create server", zap.Error(err))
			return err
		}

		// Start HTTP server in goroutine
		errChan := make(chan error, 1)
		go func() {
			if err := httpServer.Start(); err != nil {
				errChan <- err
			}
		}()

		if err := httpServer.Open(cmd.Context()); err != nil {
			logger.Error("failed to open databases", zap.Error(err))
			return err
		}

		// Wait for shutdown signal
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		case err = <-errChan:
			logger.Error("server error", zap.Error(err))
		}

		// Graceful shutdown
		logger.Info("initiating graceful shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if shutdownErr := httpServer.Shutdown(ctx); shutdownErr != nil {
			logger.Error("failed to shutdown HTTP server", zap.Error(shutdownErr))
		}

		logger.Info("replicator shutdown complete")
		return err
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to config file")
}
