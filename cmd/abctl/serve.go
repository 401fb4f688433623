package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/journal"
	"github.com/RegistryAccord/registryaccord-audiobook-go/internal/server"
)

const defaultServeAddr = ":9090"

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the status journal over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := ctx.cfg, ctx.log

			var j journal.Journal
			if cfg.DatabaseDSN != "" {
				pg, err := journal.NewPostgres(cmd.Context(), cfg.DatabaseDSN)
				if err != nil {
					return err
				}
				j = pg
			} else {
				log.Warn("AUDIOBOOK_DB_DSN not set, serving an in-memory journal")
				j = journal.NewMemory()
			}
			defer j.Close()

			addr := cfg.MetricsAddr
			if addr == "" {
				addr = defaultServeAddr
			}
			mux := server.NewMux(server.Options{
				Journal: j,
				Ready:   func(ctx context.Context) error { return journal.Ping(ctx, j) },
				Logger:  log,
			})
			return serveUntilDone(cmd.Context(), addr, mux, log)
		},
	}
}

// serveUntilDone runs an HTTP server on addr until ctx is cancelled, then
// shuts it down gracefully.
func serveUntilDone(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		return err
	}
	log.Info("server exited")
	return nil
}
