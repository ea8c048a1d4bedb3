// Package app wires driftctl's configuration, infrastructure, and domain
// services into a runnable process: load config, connect infrastructure,
// dispatch to the mode-specific entry point.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/oakfield/driftctl/internal/config"
	"github.com/oakfield/driftctl/internal/httpserver"
	"github.com/oakfield/driftctl/internal/platform"
	"github.com/oakfield/driftctl/internal/resilience"
	"github.com/oakfield/driftctl/internal/telemetry"
	"github.com/oakfield/driftctl/pkg/approval"
	"github.com/oakfield/driftctl/pkg/authz"
	"github.com/oakfield/driftctl/pkg/driftevent"
	"github.com/oakfield/driftctl/pkg/heartbeat"
	"github.com/oakfield/driftctl/pkg/instance"
	"github.com/oakfield/driftctl/pkg/kvstore"
	"github.com/oakfield/driftctl/pkg/kvstore/consulkv"
	"github.com/oakfield/driftctl/pkg/kvstore/etcdkv"
	"github.com/oakfield/driftctl/pkg/service"
	"github.com/oakfield/driftctl/pkg/share"
	"github.com/oakfield/driftctl/pkg/sweeper"
)

// version/commit are overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// Run is the process entry point: it reads config, connects infrastructure,
// and starts the mode-specific loop (api, worker, or migrate).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting driftctl", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	if cfg.Mode == "migrate" {
		return nil
	}

	// Redis backs the sweeper's leader lock only; its absence is
	// not fatal to booting the process (the sweeper degrades to "every
	// worker instance ticks unconditionally", which is safe, just not
	// mutually exclusive).
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, sweeper leader lock disabled", "error", err)
		rdb = nil
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	}

	// The KV backend is the authoritative config source; every non-migrate mode verifies
	// it is reachable at boot even though only an injected HTTP binding would
	// read or write through it at request time.
	if _, err := newKVStore(cfg); err != nil {
		return fmt.Errorf("connecting to kv backend %q: %w", cfg.KVBackend, err)
	}
	logger.Info("kv backend ready", "backend", cfg.KVBackend)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// domain wires the domain services every mode needs, over a shared
// Postgres pool: ApplicationService, ServiceInstance, DriftEvent,
// ServiceShare, ApprovalRequest, and the authorization evaluator.
type domain struct {
	services  *service.Service
	instances *instance.Service
	drift     *driftevent.Service
	shares    *share.Service
	approvals *approval.Service
	authz     *authz.Evaluator
}

func wireDomain(pool *pgxpool.Pool, cfg *config.Config) *domain {
	serviceStore := service.NewStore(pool)
	services := service.NewService(serviceStore)

	instanceStore := instance.NewStore(pool)
	instances := instance.NewService(instanceStore, services)

	severityPolicy := driftevent.NewProductionEnvPolicy(cfg.SeverityProductionEnvs, cfg.SeverityStagingEnvs)
	driftStore := driftevent.NewStore(pool)
	drift := driftevent.NewService(driftStore, severityPolicy)

	shareStore := share.NewStore(pool)
	shares := share.NewService(shareStore, services)

	approvalStore := approval.NewStore(pool)
	approvals := approval.NewService(approvalStore, services, services, instances, drift, cfg.ApprovalMaxRetries)

	evaluator := authz.NewEvaluator(shares)

	return &domain{
		services:  services,
		instances: instances,
		drift:     drift,
		shares:    shares,
		approvals: approvals,
		authz:     evaluator,
	}
}

// newKVStore builds the configured KV backend: Consul-like or
// etcd-like, selected by cfg.KVBackend, wrapped with the last-known-good
// fallback cache so reads survive a backend outage (flagged stale).
func newKVStore(cfg *config.Config) (kvstore.Store, error) {
	var (
		backend kvstore.Store
		err     error
	)
	switch cfg.KVBackend {
	case "etcd":
		backend, err = etcdkv.New(cfg.KVEtcdEndpoints, time.Duration(cfg.KVConnectTimeoutMs)*time.Millisecond)
	case "consul", "":
		backend, err = consulkv.New(cfg.KVConsulAddr)
	default:
		return nil, fmt.Errorf("unknown kv backend: %s", cfg.KVBackend)
	}
	if err != nil {
		return nil, err
	}
	cache := resilience.NewFallbackCache(cfg.FallbackCacheCapacity, time.Duration(cfg.FallbackCacheTTLMillis)*time.Millisecond)
	return kvstore.WithFallback(backend, cache), nil
}

// runAPI serves only the ambient health/ready/status/metrics surface.
// Domain services (wireDomain) are not bound onto HTTP routes here; the
// domain is exercised directly by the worker process and by each package's
// own tests.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Version:            version,
		CommitSHA:          commit,
	}, logger, db, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	d := wireDomain(db, cfg)

	pipeline := heartbeat.NewPipeline(d.services, d.instances, d.drift)
	batcher := heartbeat.NewBatcher(heartbeat.Config{
		QueueCapacity: cfg.HeartbeatQueueCapacity,
		MaxBatchSize:  cfg.HeartbeatBatchMaxSize,
		MaxBatchDelay: time.Duration(cfg.HeartbeatBatchMaxDelay) * time.Millisecond,
		Workers:       cfg.HeartbeatWorkers,
	}, pipeline, logger)

	sweep := sweeper.New(d.instances, d.shares, rdb, sweeper.Config{
		Interval:  time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		Staleness: time.Duration(cfg.InstanceStalenessMillis) * time.Millisecond,
		PurgeTTL:  time.Duration(cfg.InstancePurgeTTLMillis) * time.Millisecond,
		LockTTL:   time.Duration(cfg.SweepLockTTLSeconds) * time.Second,
	}, logger)

	logger.Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		batcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	return g.Wait()
}
