package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/kosmos/internal/controlplane"
	"github.com/fentz26/kosmos/internal/version"
)

var listenAddr string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the kosmos daemon",
	Long:  `Starts the kosmos daemon which serves the HTTP API for documents in the data directory.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (default from config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	addr := cfg.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	logger.Info("starting kosmos daemon", "version", version.Version, "data", cfg.DataDir, "db", cfg.DBPath)

	b, err := openBackend(cfg.DataDir)
	if err != nil {
		return err
	}
	if !cfg.LLM.Enabled() {
		logger.Warn("LLM_SERVER_URL not set, document generation disabled")
	}

	server := controlplane.NewServer(b.svc, b.store, addr, logger)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ctx := cmd.Context()
	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "err", err)
			b.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}

	logger.Info("closing database connection")
	if err := b.Close(); err != nil {
		logger.Error("database close error", "err", err)
	}

	logger.Info("shutdown complete")
	return nil
}
