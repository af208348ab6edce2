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

	"github.com/DoyleJ11/battlesync/internal/config"
	"github.com/DoyleJ11/battlesync/internal/httpapi"
	"github.com/DoyleJ11/battlesync/internal/hub"
	"github.com/DoyleJ11/battlesync/internal/kv"
	"github.com/DoyleJ11/battlesync/internal/kv/postgres"
	"github.com/DoyleJ11/battlesync/internal/kv/sqlite"
	"github.com/DoyleJ11/battlesync/internal/logging"
	"github.com/DoyleJ11/battlesync/internal/session"
	"github.com/DoyleJ11/battlesync/internal/telemetry"
	"github.com/DoyleJ11/battlesync/internal/ws"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "battlesync-relay", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTelemetry(sctx))
	}()

	store, err := openCheckpoints(cfg)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	metrics, err := telemetry.NewRelayMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// The hub outlives the request context so sessions can checkpoint on shutdown.
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	h := hub.NewHub(hubCtx, session.Options{
		Logger:             log,
		Grace:              cfg.ReconnectGrace,
		WatchdogSlack:      cfg.TurnWatchdogSlack,
		AutoElect:          cfg.AutoElectDirector,
		Checkpoint:         store,
		CheckpointInterval: cfg.CheckpointInterval,
		Metrics:            metrics,
	})

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(h, log, ws.Options{
			Rate:  rate.Limit(cfg.InboundRate),
			Burst: cfg.InboundBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("checkpoints", cfg.CheckpointDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(sctx), h.Shutdown(sctx))
	})
	return g.Wait()
}

func openCheckpoints(cfg config.Server) (kv.Store, error) {
	switch cfg.CheckpointDriver {
	case "sqlite":
		return sqlite.Open(cfg.CheckpointDSN)
	case "postgres":
		return postgres.Open(cfg.CheckpointDSN)
	default:
		return kv.NewMemory(), nil
	}
}
