package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"certchain/internal/adapters/httpapi"
	"certchain/internal/blob"
	"certchain/internal/config"
	"certchain/internal/core"
	"certchain/internal/infra/alert"
	"certchain/internal/infra/ledger/ethereum"
	ledgermem "certchain/internal/infra/ledger/memory"
	redislock "certchain/internal/infra/lock/redis"
	"certchain/internal/logging"
	"certchain/internal/media"
	"certchain/pkg/domain"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

// closers runs registered cleanups in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close(logger *logging.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var cleanup closers
	defer cleanup.close(logger)

	store, err := core.OpenRequestStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open request store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		cleanup.add(c.Close)
	}

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	mediaSvc := media.NewService(blobs, cfg.Blob.PublicBaseURL)

	ledger, err := openLedger(ctx, cfg.Ledger, &cleanup)
	if err != nil {
		return err
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithAuditRecorder(logging.NewAuditRecorder(logger)),
	}

	locker, err := openLocker(ctx, cfg.Lock, &cleanup)
	if err != nil {
		return err
	}
	opts = append(opts, core.WithLocker(locker))

	alerter, err := openAlerter(cfg.Alert, logger, &cleanup)
	if err != nil {
		return err
	}
	opts = append(opts, core.WithAlerter(alerter))

	metricsOpt, metricsHandler, err := openMetrics(cfg.Metrics)
	if err != nil {
		return err
	}
	if metricsOpt != nil {
		opts = append(opts, metricsOpt)
	}
	if tracerOpt := openTracer(cfg.Tracing, &cleanup); tracerOpt != nil {
		opts = append(opts, tracerOpt)
	}

	coord := core.NewCoordinator(store, ledger, opts...)

	actors := httpapi.NewJWTActorResolver([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
	routerOpts := httpapi.Options{Metrics: metricsHandler, Logger: logger}
	if strings.HasPrefix(cfg.Blob.PublicBaseURL, "/") {
		routerOpts.MediaPath = cfg.Blob.PublicBaseURL
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(coord, mediaSvc, actors, routerOpts),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Driver, "ledger", cfg.Ledger.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, cleanup *closers) (domain.LedgerClient, error) {
	switch cfg.Driver {
	case config.LedgerMemory:
		return ledgermem.New(), nil
	case config.LedgerEthereum:
		client, err := ethereum.Dial(ctx, ethereum.Config{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			PrivateKey:      cfg.PrivateKey,
			ChainID:         cfg.ChainID,
			ConfirmTimeout:  cfg.ConfirmTimeout,
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(client.Close)
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

func openLocker(ctx context.Context, cfg config.LockConfig, cleanup *closers) (domain.Locker, error) {
	switch cfg.Driver {
	case config.LockLocal:
		return core.NewKeyedLocker(), nil
	case config.LockRedis:
		locker, closeFn, err := redislock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, redislock.Options{Expiry: cfg.TTL})
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		cleanup.add(closeFn)
		return locker, nil
	default:
		return nil, fmt.Errorf("unsupported lock driver %q", cfg.Driver)
	}
}

func openAlerter(cfg config.AlertConfig, logger *logging.Logger, cleanup *closers) (domain.Alerter, error) {
	switch cfg.Driver {
	case config.AlertLog:
		return alert.NewLogAlerter(logger), nil
	case config.AlertAMQP:
		pub, err := alert.Dial(cfg.AMQPURL, cfg.Exchange, cfg.RoutingKey)
		if err != nil {
			return nil, err
		}
		cleanup.add(pub.Close)
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported alert driver %q", cfg.Driver)
	}
}

func openMetrics(cfg config.MetricsConfig) (core.Option, http.Handler, error) {
	switch cfg.Exporter {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		rec, err := core.NewPrometheusMetricsRecorder(reg)
		if err != nil {
			return nil, nil, err
		}
		return core.WithMetricsRecorder(rec), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
	case "expvar":
		return core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")), expvar.Handler(), nil
	case "", "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported metrics exporter %q", cfg.Exporter)
	}
}

func openTracer(cfg config.TracingConfig, cleanup *closers) core.Option {
	switch cfg.Exporter {
	case "otel":
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		cleanup.add(func() error { return tp.Shutdown(context.Background()) })
		return core.WithTracer(core.NewOTelTracer(tp))
	case "json":
		return core.WithTracer(core.NewJSONTracer(os.Stderr))
	default:
		return nil
	}
}
