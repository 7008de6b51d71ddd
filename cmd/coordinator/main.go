// Command coordinator runs the fleet brain: the MQTT-side mission logic,
// the operator WebSocket gateway, and (optionally) a Prometheus endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/config"
	"github.com/mobfleet/mobfleet/pkg/coordinator"
	"github.com/mobfleet/mobfleet/pkg/gcs"
)

func main() {
	configPath := pflag.String("config", "config/mission_config.yaml", "path to the mission config")
	pflag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, log); err != nil {
		log.Fatal("coordinator failed", zap.Error(err))
	}
}

func run(configPath string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	b := bus.NewMQTT("coordinator", cfg.MQTT.Host, cfg.MQTT.Port, log)
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelConnect()
	if err := b.Connect(connectCtx); err != nil {
		return err
	}
	defer b.Close()

	gateway := gcs.NewServer(nil, log)
	coord := coordinator.New(cfg, b, gateway, log)
	gateway.BindCommander(coord)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GCS.Host, cfg.GCS.Port)
		return serveHTTP(gctx, addr, gateway, log.With(zap.String("server", "gcs")))
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serveHTTP(gctx, cfg.Metrics.Addr, mux, log.With(zap.String("server", "metrics")))
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveHTTP runs an HTTP server until ctx is cancelled, then drains it.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
