package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/vanshpatel03/snapera2.0/internal/handlers"
	"github.com/vanshpatel03/snapera2.0/internal/session"
	"github.com/vanshpatel03/snapera2.0/internal/storage"
)

func newServeCmd(a *app) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the persona generation API",
		Long: `Starts the Snapera HTTP API on the specified port.

Clients create a session, upload a photo, pass the gate when asked, and poll
the session until the persona is ready.`,
		Example: `  # Start server on default port 8888
  snapera serve

  # Start server on custom port with a config file
  snapera serve --port 3000 --config snapera.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger
			if port == "" {
				port = a.cfg.Server.Port
			}

			orchestrator, err := a.newOrchestrator(ctx)
			if err != nil {
				return err
			}
			tracker, closer, err := a.newTracker(ctx)
			if err != nil {
				return err
			}
			defer closer.Close()

			sessions := storage.New()
			defer sessions.CloseAll()

			factory := func(id, key string) *session.Session {
				return session.New(id, key, orchestrator, tracker, logger)
			}
			handler := handlers.New(sessions, factory, tracker, a.cfg.Server.MaxUploadBytes, logger)

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				logger.Info("Snapera API available", "addr", addr, "url", "http://localhost"+addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			idle := a.cfg.Server.SessionIdle.Std()
			sweep := time.NewTicker(sweepInterval(idle))
			defer sweep.Stop()

			// Wait for context cancellation (Ctrl+C) or server error
			for {
				select {
				case <-ctx.Done():
					logger.Info("Shutting down server...")
					// Give server 5 seconds to shut down gracefully
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := server.Shutdown(shutdownCtx); err != nil {
						logger.Error("Server shutdown failed", "err", err)
						return err
					}
					logger.Info("Server stopped")
					return nil
				case err := <-serverErr:
					return err
				case now := <-sweep.C:
					if n := sessions.Sweep(now, idle); n > 0 {
						logger.Info("Swept idle sessions", "count", n)
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (default from config, 8888)")

	return cmd
}

func sweepInterval(idle time.Duration) time.Duration {
	if interval := idle / 4; interval > time.Second {
		return interval
	}
	return time.Second
}
