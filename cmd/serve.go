package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/schematism/internal/config"
	"github.com/lehigh-university-libraries/schematism/internal/evalcmd"
	"github.com/lehigh-university-libraries/schematism/internal/handlers"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port string
	var configPath string
	var vocabularyPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the canonicalization API",
		Long: `Starts an HTTP API that maps raw parish record values onto the canonical
vocabulary.

  POST /api/resolve                     resolve raw values in hierarchy order
  GET  /api/vocabulary/{field}?parent=  list canonical entries of a field
  GET  /healthcheck`,
		Example: `  # Start server on default port 8888
  schematism serve --vocabulary ./vocabulary.yaml

  # Start server on custom port with thresholds from a run config
  schematism serve --config eval.yaml --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if vocabularyPath != "" {
				cfg.Vocabulary.Path = vocabularyPath
			}

			mapper, err := evalcmd.LoadMapper(cfg)
			if err != nil {
				return fmt.Errorf("failed to load vocabulary: %w", err)
			}

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           handlers.New(mapper).Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Canonicalization API available", "addr", addr, "url", "http://localhost"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "8888", "Port to listen on")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML run configuration")
	cmd.Flags().StringVar(&vocabularyPath, "vocabulary", "", "Path to the canonical vocabulary YAML")

	return cmd
}
