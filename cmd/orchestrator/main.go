// Command orchestrator runs the control plane: the channel terminator,
// connection registry, node lifecycle, scheduler, reconciler, dispatcher,
// and the REST admin surface, wired together against either Postgres or an
// in-process memstore. Grounded on api/cmd/main.go's composition-root
// shape (env-var config, explicit server timeouts, ordered startup,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetforge/orchestrator/internal/auth"
	"github.com/fleetforge/orchestrator/internal/channel"
	"github.com/fleetforge/orchestrator/internal/config"
	"github.com/fleetforge/orchestrator/internal/dispatch"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/metrics"
	"github.com/fleetforge/orchestrator/internal/nodes"
	"github.com/fleetforge/orchestrator/internal/reconciler"
	"github.com/fleetforge/orchestrator/internal/registry"
	"github.com/fleetforge/orchestrator/internal/restapi"
	"github.com/fleetforge/orchestrator/internal/scheduler"
	"github.com/fleetforge/orchestrator/internal/server"
	"github.com/fleetforge/orchestrator/internal/store"
	"github.com/fleetforge/orchestrator/internal/store/memstore"
	"github.com/fleetforge/orchestrator/internal/store/postgres"
)

func main() {
	cfg := config.LoadOrchestrator()
	logger.Initialize("orchestrator", cfg.LogLevel, cfg.LogPretty)
	log := logger.Component("main")

	log.Info().Msg("starting fleetforge orchestrator")

	var st store.Store
	if cfg.DatabaseURL != "" && os.Getenv("STORE_BACKEND") != "memory" {
		log.Info().Msg("connecting to postgres")
		pgStore, err := postgres.New(postgres.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		if err := pgStore.Migrate(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		st = pgStore
	} else {
		log.Warn().Msg("STORE_BACKEND=memory: using in-process memstore, data will not survive a restart")
		st = memstore.New()
	}

	if cfg.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET must be set")
	}
	authProvider := auth.NewJWTProvider(cfg.JWTSecret, 0, 0)

	var redisMirror *registry.RedisMirror
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient := redis.NewClient(opts)
		redisMirror = registry.NewRedisMirror(redisClient, 0)
		log.Info().Msg("redis presence mirror enabled (multi-replica mode)")
	}

	// nodeMgr and reg are mutually referential (the registry's disconnect
	// hook calls into the node manager, which sends through the registry),
	// so nodeMgr is constructed after reg with a hook that closes over it.
	var nodeMgr *nodes.Manager
	reg := registry.New(func(nodeID string) {
		nodeMgr.Disconnect(context.Background(), nodeID)
	})
	replicaID := replicaIdentity()
	if redisMirror != nil {
		nodeMgr = nodes.NewWithMirror(nodes.Config{
			HeartbeatTimeout:   cfg.NodeLifecycle.HeartbeatTimeout,
			StaleSweepInterval: cfg.NodeLifecycle.StaleSweepInterval,
		}, st, reg, redisMirror, replicaID)
	} else {
		nodeMgr = nodes.New(nodes.Config{
			HeartbeatTimeout:   cfg.NodeLifecycle.HeartbeatTimeout,
			StaleSweepInterval: cfg.NodeLifecycle.StaleSweepInterval,
		}, st, reg)
	}

	sched := scheduler.New(st, mrand.New(mrand.NewSource(secureRandSeed())))
	disp := dispatch.New(reg, st)

	rec := reconciler.New(reconciler.Config{
		ReconcileInterval:      cfg.Reconciler.ReconcileInterval,
		MaxConsecutiveFailures: cfg.Reconciler.MaxConsecutiveFailures,
		InitialBackoff:         cfg.Reconciler.InitialBackoff,
		MaxBackoff:             cfg.Reconciler.MaxBackoff,
		FailureDetectionWindow: cfg.Reconciler.FailureDetectionWindow,
	}, st, sched, disp, sched)

	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)

	router := server.New(reg, authProvider, nodeMgr, disp, rec, metricsRegistry, cfg.Channel.RequireAuth)

	channelServer := channel.New(channel.Config{
		PingInterval:   cfg.Channel.PingInterval,
		PongTimeout:    cfg.Channel.PongTimeout,
		MaxMessageSize: cfg.Channel.MaxMessageSize,
		RequireAuth:    cfg.Channel.RequireAuth,
	}, router)

	gc, err := reconciler.NewGarbageCollector(st, cfg.Reconciler.PodGCInterval, cfg.Reconciler.PodGCRetention)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct pod garbage collector")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go nodeMgr.Run(ctx)
	go rec.Run(ctx)
	go expireOverdueRPCs(ctx, disp, cfg.Reconciler.ReconcileInterval)
	gc.Start()
	defer gc.Stop()

	api := restapi.New(st, authProvider, rec, cfg.RegistrationEnabled)

	mux := http.NewServeMux()
	mux.Handle("/ws", channelServer)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Router())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server forced to shutdown")
	}
	cancel()
	log.Info().Msg("shutdown complete")
}

// expireOverdueRPCs periodically sweeps the dispatcher's in-flight RPC
// table so a node that never responds to pod:deploy/pod:stop doesn't leak
// an RPC slot forever (spec §5).
func expireOverdueRPCs(ctx context.Context, disp *dispatch.Dispatcher, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			disp.ExpireOverdueRPCs()
		}
	}
}

// secureRandSeed sources a scheduler tie-break seed from crypto/rand so
// process restarts don't all tie-break identically.
func secureRandSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// replicaIdentity returns this process's identity for the Redis presence
// mirror: the pod/host name when running under an orchestrated environment
// (REPLICA_ID or HOSTNAME), falling back to a random id so standalone runs
// still behave correctly.
func replicaIdentity() string {
	if v := os.Getenv("REPLICA_ID"); v != "" {
		return v
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		return v
	}
	return uuid.NewString()
}
