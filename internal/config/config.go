// Package config reads process configuration from the environment, in the
// teacher's own style: small getEnv helpers with defaults, no config
// framework.
package config

import (
	"os"
	"strconv"
	"time"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Channel holds the channel layer's (component A) behavior-bearing knobs.
type Channel struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	RequireAuth    bool
}

// NodeLifecycle holds component C's knobs.
type NodeLifecycle struct {
	HeartbeatTimeout   time.Duration
	StaleSweepInterval time.Duration
}

// Reconciler holds component E's knobs.
type Reconciler struct {
	ReconcileInterval      time.Duration
	MaxConsecutiveFailures int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	FailureDetectionWindow time.Duration
	PodGCInterval          time.Duration
	PodGCRetention         time.Duration
}

// Agent holds component G's knobs, read by the cmd/agent binary.
type Agent struct {
	OrchestratorURL      string
	HeartbeatInterval    time.Duration
	MetricsInterval      time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	TokenRefreshCheck    time.Duration
	WorkerSlots          int
}

// Orchestrator is the composition-root configuration for cmd/orchestrator.
type Orchestrator struct {
	ListenAddr          string
	LogLevel            string
	LogPretty           bool
	DatabaseURL         string
	RedisURL            string
	JWTSecret           string
	RegistrationEnabled bool
	Channel             Channel
	NodeLifecycle       NodeLifecycle
	Reconciler          Reconciler
}

// LoadOrchestrator reads the control-plane configuration from the
// environment, applying spec-mandated defaults for every behavior-bearing
// knob the configuration surface names.
func LoadOrchestrator() Orchestrator {
	return Orchestrator{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvBool("LOG_PRETTY", false),
		DatabaseURL:         getEnv("DATABASE_URL", "postgres://localhost:5432/orchestrator?sslmode=disable"),
		RedisURL:            getEnv("REDIS_URL", ""),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		RegistrationEnabled: getEnvBool("REGISTRATION_ENABLED", true),
		Channel: Channel{
			PingInterval:   getEnvDuration("PING_INTERVAL", 30*time.Second),
			PongTimeout:    getEnvDuration("PONG_TIMEOUT", 10*time.Second),
			MaxMessageSize: int64(getEnvInt("MAX_MESSAGE_SIZE", 1024*1024)),
			RequireAuth:    getEnvBool("REQUIRE_AUTH", true),
		},
		NodeLifecycle: NodeLifecycle{
			HeartbeatTimeout:   getEnvDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
			StaleSweepInterval: getEnvDuration("STALE_SWEEP_INTERVAL", 5*time.Second),
		},
		Reconciler: Reconciler{
			ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", 10*time.Second),
			MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 3),
			InitialBackoff:         getEnvDuration("INITIAL_BACKOFF", 60*time.Second),
			MaxBackoff:             getEnvDuration("MAX_BACKOFF", time.Hour),
			FailureDetectionWindow: getEnvDuration("FAILURE_DETECTION_WINDOW", 60*time.Second),
			PodGCInterval:          getEnvDuration("POD_GC_INTERVAL", 5*time.Minute),
			PodGCRetention:         getEnvDuration("POD_GC_RETENTION", 24*time.Hour),
		},
	}
}

// LoadAgent reads the node-side agent configuration from the environment.
func LoadAgent() Agent {
	return Agent{
		OrchestratorURL:      getEnv("ORCHESTRATOR_URL", "ws://localhost:8080"),
		HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		MetricsInterval:      getEnvDuration("METRICS_INTERVAL", 30*time.Second),
		ReconnectDelay:        getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
		TokenRefreshCheck:    getEnvDuration("TOKEN_REFRESH_CHECK", 60*time.Second),
		WorkerSlots:          getEnvInt("WORKER_SLOTS", 4),
	}
}
