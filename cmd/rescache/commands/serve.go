package commands

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/rescache/manifest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached files over HTTP",
	Long: `Start an HTTP server that reads files through the blocking cache mount.

Routes:
  GET /files/<resource>/<file>   file content, downloaded on first read
  GET /flags/<resource>/<file>   page flags from the manifest
  GET /metrics                   Prometheus metrics
  GET /health                    liveness

Examples:
  rescache serve --config /etc/rescache/config.yaml
  RESCACHE_SERVER_ADDR=0.0.0.0:8086 rescache serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cfgFile, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Manifests.Watch {
		w, err := manifest.NewWatcher(a.set, a.cfg.Manifests.Dir,
			manifest.WithWatchLogger(a.logger.With(slog.String("component", "manifest"))))
		if err != nil {
			return err
		}
		defer w.Close()
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	srv := &nethttp.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newRouter(a.session.Blocking(), a.registry, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
