package agent

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
)

// ProcessRunner is the default PackRunner: it executes a pack as a local
// OS process. Grounded on agents/docker-agent's container lifecycle
// (create → start → wait → stop) but generalized from Docker containers
// to plain processes, since this repo carries no container runtime
// dependency — a pack's BundlePath names an executable, not an image.
type ProcessRunner struct {
	// ShutdownGrace is how long a process is given to exit after SIGTERM
	// before ProcessRunner escalates to SIGKILL.
	ShutdownGrace time.Duration
}

// NewProcessRunner constructs a ProcessRunner with the given graceful
// shutdown window.
func NewProcessRunner(shutdownGrace time.Duration) *ProcessRunner {
	if shutdownGrace <= 0 {
		shutdownGrace = 10 * time.Second
	}
	return &ProcessRunner{ShutdownGrace: shutdownGrace}
}

// Run starts pack.BundlePath as a child process and blocks until it exits
// or ctx is cancelled, in which case the process is sent SIGTERM and,
// failing a clean exit within ShutdownGrace, SIGKILL.
func (p *ProcessRunner) Run(ctx context.Context, pack models.PackRef) models.TerminationReason {
	log := logger.Component("agent.runner")

	if pack.BundlePath == "" {
		log.Error().Str("packId", pack.ID).Msg("pack has no bundlePath; cannot execute")
		return models.ReasonDeployFailed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(runCtx, pack.BundlePath)
	cmd.Env = append(os.Environ(), packEnv(pack)...)
	cmd.Stdout = logWriter{log: log, podID: pack.ID, stream: "stdout"}
	cmd.Stderr = logWriter{log: log, podID: pack.ID, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("packId", pack.ID).Msg("failed to start pack process")
		return models.ReasonDeployFailed
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		return p.shutdown(cmd, done)
	case err := <-done:
		return classifyExit(err)
	}
}

func (p *ProcessRunner) shutdown(cmd *exec.Cmd, done chan error) models.TerminationReason {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-done:
		return models.ReasonCancelled
	case <-time.After(p.ShutdownGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return models.ReasonCancelled
	}
}

func classifyExit(err error) models.TerminationReason {
	if err == nil {
		return models.ReasonAppExitOK
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return models.ReasonAppExitError
	}
	return models.ReasonAppCrashed
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func packEnv(pack models.PackRef) []string {
	return []string{
		"FLEETFORGE_PACK_ID=" + pack.ID,
		"FLEETFORGE_PACK_NAME=" + pack.Name,
		"FLEETFORGE_PACK_VERSION=" + pack.Version,
	}
}

// logWriter adapts the zerolog component logger to io.Writer for capturing
// a child process's stdout/stderr line by line.
type logWriter struct {
	log    zerolog.Logger
	podID  string
	stream string
}

func (w logWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.log.Info().Str("podId", w.podID).Str("stream", w.stream).Msg(line)
	}
	return len(b), nil
}
