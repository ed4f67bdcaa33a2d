// Command agent runs the node-side agent (component G): it dials the
// orchestrator's channel, authenticates, registers or reconnects, and
// then executes dispatched packs against a bounded worker-slot pool.
// Grounded on agents/docker-agent/main.go's composition-root shape
// (env/flag configuration, signal-driven graceful shutdown) generalized
// from Docker-container execution to the PackRunner abstraction.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fleetforge/orchestrator/internal/agent"
	"github.com/fleetforge/orchestrator/internal/config"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
)

func main() {
	var (
		name          = flag.String("name", "", "node name (defaults to hostname)")
		runtimeType   = flag.String("runtime", string(models.RuntimeNative), "node runtime type: native|browser")
		credentialDir = flag.String("credential-dir", defaultCredentialDir(), "directory for persisted agent credentials")
		logLevel      = flag.String("log-level", "info", "log level")
		logPretty     = flag.Bool("log-pretty", false, "human-readable console log output")
	)
	flag.Parse()

	logger.Initialize("agent", *logLevel, *logPretty)
	log := logger.Component("main")

	cfg := config.LoadAgent()

	nodeName := *name
	if nodeName == "" {
		if h, err := os.Hostname(); err == nil {
			nodeName = h
		} else {
			nodeName = "fleetforge-agent"
		}
	}

	agentCfg := agent.DefaultConfig(cfg.OrchestratorURL)
	agentCfg.HeartbeatInterval = cfg.HeartbeatInterval
	agentCfg.MetricsInterval = cfg.MetricsInterval
	agentCfg.ReconnectDelay = cfg.ReconnectDelay
	agentCfg.MaxReconnectAttempts = cfg.MaxReconnectAttempts
	agentCfg.TokenRefreshCheck = cfg.TokenRefreshCheck
	agentCfg.WorkerSlots = cfg.WorkerSlots
	agentCfg.Name = nodeName
	agentCfg.RuntimeType = models.RuntimeType(*runtimeType)
	agentCfg.Allocatable = models.ResourceVector{"workerSlots": float64(cfg.WorkerSlots)}
	agentCfg.Labels = map[string]string{}
	agentCfg.Annotations = map[string]string{}

	creds := agent.NewCredentialStore(*credentialDir)
	runner := agent.NewProcessRunner(30 * time.Second)
	a := agent.New(agentCfg, runner, creds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("initial connect failed; entering reconnect loop")
		if err := a.Reconnect(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to orchestrator")
		}
	}

	go a.ReadPump(ctx)
	go a.WritePump(ctx)
	go a.SendHeartbeats(ctx)
	go a.SendMetrics(ctx)

	log.Info().Str("name", nodeName).Str("orchestratorUrl", cfg.OrchestratorURL).Msg("agent running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	a.Stop()
	cancel()
	log.Info().Msg("shutdown complete")
}

func defaultCredentialDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./.fleetforge-agent"
	}
	return filepath.Join(dir, "fleetforge-agent")
}
