package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/pulse/pkg/adapter"
	"github.com/Mindburn-Labs/pulse/pkg/api"
	"github.com/Mindburn-Labs/pulse/pkg/config"
	"github.com/Mindburn-Labs/pulse/pkg/coordinator"
	"github.com/Mindburn-Labs/pulse/pkg/insight"
	"github.com/Mindburn-Labs/pulse/pkg/observability"
	"github.com/Mindburn-Labs/pulse/pkg/ratelimit"
)

const shutdownTimeout = 10 * time.Second

// app is the wired server: coordinator, HTTP surface and their backing
// stores.
type app struct {
	coord   *coordinator.Coordinator
	handler http.Handler
	closers []func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	// Stop the coordinator before the stores it reads from.
	a.coord.Cleanup()
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

//nolint:gocognit
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			for i := len(a.closers) - 1; i >= 0; i-- {
				_ = a.closers[i](ctx)
			}
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.Insecure = cfg.OTelInsecure
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Environment = cfg.Environment
	obsCfg.ServiceVersion = version
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	a.closers = append(a.closers, obs.Shutdown)

	opts := []coordinator.Option{
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(obs),
		coordinator.WithTracer(obs.Tracer()),
	}

	if cfg.InsightDriver != "" {
		provider, err := insight.Open(cfg.InsightDriver, cfg.InsightDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return provider.Close() })
		if err := provider.DB().PingContext(ctx); err != nil {
			return nil, fmt.Errorf("insight store ping: %w", err)
		}
		if err := provider.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("insight store migrate: %w", err)
		}
		logger.Info("insight store ready", "driver", cfg.InsightDriver)
		opts = append(opts, coordinator.WithInsightProvider(provider))
	} else {
		logger.Warn("insight store disabled; data updates will not produce insights")
	}

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	compiled, err := rules.Compile()
	if err != nil {
		return nil, fmt.Errorf("alert rules: %w", err)
	}
	opts = append(opts,
		coordinator.WithAlertRules(compiled),
		coordinator.WithChatContext(insight.StaticChatContext(rules.ChatContext)),
	)

	var (
		limits ratelimit.Store
		idem   api.IdempotencyStore
	)
	if cfg.RedisAddr != "" {
		rs, err := ratelimit.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		logger.Info("ingest limiter on redis", "addr", cfg.RedisAddr)
		limits = rs
		idem = api.NewRedisIdempotencyStore(rs.Client(), cfg.IdempotencyTTL)
	} else {
		mem := ratelimit.NewInMemoryStore()
		replays := api.NewMemoryIdempotencyStore(cfg.IdempotencyTTL)
		sweepCtx, cancel := context.WithCancel(context.Background())
		go mem.RunSweeper(sweepCtx, time.Minute, 5*time.Minute)
		go sweepReplays(sweepCtx, replays, time.Minute)
		a.closers = append(a.closers, func(context.Context) error { cancel(); return nil })
		limits = mem
		idem = replays
	}

	serverOpts := []api.ServerOption{
		api.WithProducerLimit(limits, ratelimit.Policy{RPS: cfg.IngestRPS, Burst: cfg.IngestBurst}),
		api.WithIdempotency(idem),
		api.WithServerLogger(logger.With("component", "api")),
	}

	validator, err := adapter.NewValidator(cfg.SchemaVersions)
	if err != nil {
		return nil, err
	}

	a.coord, err = coordinator.New(coordinator.Config{
		DrainInterval:     cfg.DrainInterval,
		ProactiveInterval: cfg.ProactiveInterval,
		ModalDelay:        cfg.ModalDelay,
		ChatDelay:         cfg.ChatDelay,
		MonitorUsers:      rules.MonitorUsers,
	}, opts...)
	if err != nil {
		return nil, err
	}

	server := api.NewServer(a.coord, validator, serverOpts...)
	clients := api.NewRateLimiter(limits, ratelimit.Policy{RPS: cfg.ClientRPS, Burst: cfg.ClientBurst})
	a.handler = api.Instrument(obs, api.RequestID(clients.Middleware(server.Routes())))
	return a, nil
}

func sweepReplays(ctx context.Context, s *api.MemoryIdempotencyStore, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

func runServer(ctx context.Context, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(stdout, "pulse %s listening on %s\n", version, cfg.Addr())

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close", "error", err)
	}
	return code
}
