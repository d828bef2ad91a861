package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownGrace bounds how long serve waits for running jobs on exit.
const shutdownGrace = 30 * time.Second

func (a *App) serveCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled jobs until interrupted",
		Long: `Schedules every job that has a cron expression, reloads the config file
when it changes and serves Prometheus metrics on metrics.addr.

On SIGINT or SIGTERM the scheduler stops and running jobs are given time
to finish their current chunk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.serve(ctx, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics (default metrics.addr from config)")
	return cmd
}

// serve blocks until ctx is done.
func (a *App) serve(ctx context.Context, metricsAddr string) error {
	var srv *http.Server
	if metricsAddr != "" {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		srv = &http.Server{
			Handler:      a.httpHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if err := a.sync.Start(ctx); err != nil {
		if srv != nil {
			srv.Close()
		}
		return err
	}
	a.logger.Info("layersync serving", zap.Strings("jobs", a.cfg.JobNames()))

	<-ctx.Done()
	a.logger.Info("shutting down")

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	a.sync.Stop()
	a.sync.WaitRunning(waitCtx)
	if srv != nil {
		if err := srv.Shutdown(waitCtx); err != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return nil
}

func (a *App) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	return mux
}
