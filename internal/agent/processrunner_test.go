package agent

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/orchestrator/internal/models"
)

func requireExecutable(t *testing.T, name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available on PATH: %v", name, err)
	}
	return path
}

func TestProcessRunner_Run_NoBundlePath(t *testing.T) {
	runner := NewProcessRunner(time.Second)
	reason := runner.Run(context.Background(), models.PackRef{ID: "pack-1"})
	assert.Equal(t, models.ReasonDeployFailed, reason)
}

func TestProcessRunner_Run_CleanExit(t *testing.T) {
	path := requireExecutable(t, "true")
	runner := NewProcessRunner(time.Second)
	reason := runner.Run(context.Background(), models.PackRef{ID: "pack-1", BundlePath: path})
	assert.Equal(t, models.ReasonAppExitOK, reason)
}

func TestProcessRunner_Run_NonZeroExit(t *testing.T) {
	path := requireExecutable(t, "false")
	runner := NewProcessRunner(time.Second)
	reason := runner.Run(context.Background(), models.PackRef{ID: "pack-1", BundlePath: path})
	assert.Equal(t, models.ReasonAppExitError, reason)
}

func TestProcessRunner_Run_MissingBinaryFailsDeploy(t *testing.T) {
	runner := NewProcessRunner(time.Second)
	reason := runner.Run(context.Background(), models.PackRef{ID: "pack-1", BundlePath: "/no/such/executable-xyz"})
	assert.Equal(t, models.ReasonDeployFailed, reason)
}

func TestProcessRunner_Run_CancelTerminatesAndReturnsCancelled(t *testing.T) {
	path := requireExecutable(t, "yes")
	runner := NewProcessRunner(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan models.TerminationReason, 1)
	go func() {
		done <- runner.Run(ctx, models.PackRef{ID: "pack-1", BundlePath: path})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case reason := <-done:
		assert.Equal(t, models.ReasonCancelled, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}
}

func TestPackEnv_IncludesPackIdentity(t *testing.T) {
	env := packEnv(models.PackRef{ID: "p1", Name: "demo", Version: "1.0.0"})
	require.Contains(t, env, "FLEETFORGE_PACK_ID=p1")
	require.Contains(t, env, "FLEETFORGE_PACK_NAME=demo")
	require.Contains(t, env, "FLEETFORGE_PACK_VERSION=1.0.0")
}
