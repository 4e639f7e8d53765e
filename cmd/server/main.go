// Package main is the entry point for the warden server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and run migrations.
//  3. Wire the Storage Registry (Local/Remote/Durable + Circuit Breaker)
//     and start its invalidation subscriber.
//  4. Construct the Metrics Pipeline and Engine, warming the Engine from
//     Durable storage.
//  5. Start the HTTP evaluate surface (:8080).
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wardenhq/warden/internal/apikeys"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/logging"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/middleware"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/telemetry"
	"github.com/wardenhq/warden/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	durable := store.NewDurable(pool)
	if err := durable.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure durable schema: %w", err)
	}

	remoteCfg := store.DefaultRemoteConfig(cfg.RedisURL)
	remoteCfg.Namespace = cfg.RedisNamespace
	remoteCfg.DB = cfg.RedisDB
	remote, err := store.NewRemote(ctx, remoteCfg, log)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	local := store.NewLocal(cfg.LocalStoreTTL)

	registry := store.NewRegistry(local, remote, durable, store.RegistryConfig{
		AsyncUpdates:         cfg.AsyncUpdates,
		InvalidationDebounce: cfg.InvalidationDebounce,
		BreakerConfig: store.BreakerConfig{
			Threshold: uint32(cfg.CircuitBreakerThreshold),
			Timeout:   cfg.CircuitBreakerTimeout,
		},
		OnBreakerStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			m.SetBreakerState(name, int(to))
		},
	}, log)
	registry.StartSubscriber(ctx)
	defer registry.Stop()

	events := store.NewEventLog(pool)
	if err := events.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure events schema: %w", err)
	}

	pipelineCfg := telemetry.DefaultConfig()
	pipelineCfg.Enabled = cfg.MetricsEnabled
	pipelineCfg.BatchSize = cfg.MetricsBatchSize
	pipelineCfg.FlushInterval = cfg.MetricsFlushInterval
	pipeline := telemetry.New(pipelineCfg, remote, log)
	go pipeline.Run(ctx)
	defer pipeline.Stop()

	eng := engine.New(registry, pipeline, log, cfg.WarnOnDeprecated)
	if err := eng.LoadFromStorage(ctx); err != nil {
		return fmt.Errorf("warm engine from storage: %w", err)
	}

	keys := apikeys.NewStore(pool)
	if err := keys.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure api_keys schema: %w", err)
	}

	svc := &server.EngineService{Engine: eng, Events: events}

	authFailure := middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() })
	rateLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer rateLimiter.Stop()

	tokenValidator := &apiKeyTokenValidator{keys: keys}
	apiHandler := server.NewHTTPHandler(svc, server.Options{
		StreamPollInterval: cfg.StreamPollInterval,
		MaxJSONBodyBytes:   cfg.MaxJSONBodySize,
		Metrics:            m,
	})
	httpHandler := newHTTPHandler(apiHandler, tokenValidator, middleware.WithRateLimiter(rateLimiter), authFailure)
	httpHandler = middleware.HTTPRequestLogging(log)(httpHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "warden-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newHTTPHandler mounts the bearer-auth-protected evaluate surface under
// /v1/ and leaves /healthz and /metrics unauthenticated, per spec.md §1
// (admin-operation authorization is out of scope; /metrics is ambient
// infrastructure, not an evaluation-API caller surface).
func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

// apiKeyLookup is the subset of *apikeys.Store the token validator needs,
// narrowed to an interface so tests can fake it without a database.
type apiKeyLookup interface {
	ValidateKey(ctx context.Context, id, secret string) (string, error)
}

// apiKeyTokenValidator adapts an apiKeyLookup to middleware.TokenValidator.
// Bearer tokens take the form "<keyID>.<secret>".
type apiKeyTokenValidator struct {
	keys apiKeyLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.keys == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errors.New("invalid token format")
	}

	callerID, err := v.keys.ValidateKey(ctx, keyID, secret)
	if err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}
	return callerID, nil
}
