package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/store"
)

func TestCreateNode_DuplicateNameConflicts(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.CreateNode(ctx, &models.Node{NodeID: "n1", Name: "dup"}))

	err := m.CreateNode(ctx, &models.Node{NodeID: "n2", Name: "dup"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestGetNode_UnknownReturnsNotFound(t *testing.T) {
	m := New()
	_, err := m.GetNode(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNode_GetByNameAndUpdateAreIsolatedCopies(t *testing.T) {
	m := New()
	ctx := context.Background()
	n := &models.Node{NodeID: "n1", Name: "n1", Allocatable: models.ResourceVector{"cpu": 4}, Allocated: models.ResourceVector{}}
	require.NoError(t, m.CreateNode(ctx, n))

	got, err := m.GetNode(ctx, "n1")
	require.NoError(t, err)
	got.Allocated["cpu"] = 99 // mutate the returned copy

	again, err := m.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.NotEqual(t, 99.0, again.Allocated["cpu"])

	byName, err := m.GetNodeByName(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", byName.NodeID)
}

func TestUpdateNode_UnknownReturnsNotFound(t *testing.T) {
	m := New()
	err := m.UpdateNode(context.Background(), &models.Node{NodeID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListOnlineNodes_FiltersByStatus(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.CreateNode(ctx, &models.Node{NodeID: "n1", Name: "n1", Status: models.NodeOnline}))
	require.NoError(t, m.CreateNode(ctx, &models.Node{NodeID: "n2", Name: "n2", Status: models.NodeOffline}))

	online, err := m.ListOnlineNodes(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "n1", online[0].NodeID)
}

func TestPack_CreateAndGetLatestVersion(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.CreatePack(ctx, &models.Pack{PackID: "p1", Name: "demo", Version: "1.0.0"}))
	require.NoError(t, m.CreatePack(ctx, &models.Pack{PackID: "p2", Name: "demo", Version: "2.0.0"}))

	latest, err := m.GetLatestPackVersion(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "p2", latest.PackID)

	_, err = m.GetLatestPackVersion(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPod_CreateGetUpdate(t *testing.T) {
	m := New()
	ctx := context.Background()
	p := &models.Pod{PodID: "pod-1", Status: models.PodPending}
	require.NoError(t, m.CreatePod(ctx, p))

	got, err := m.GetPod(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, models.PodPending, got.Status)

	got.Status = models.PodRunning
	require.NoError(t, m.UpdatePod(ctx, got))

	updated, err := m.GetPod(ctx, "pod-1")
	require.NoError(t, err)
	assert.Equal(t, models.PodRunning, updated.Status)

	err = m.UpdatePod(ctx, &models.Pod{PodID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListPodsByDeploymentAndNode(t *testing.T) {
	m := New()
	ctx := context.Background()
	require.NoError(t, m.CreatePod(ctx, &models.Pod{PodID: "pod-1", DeploymentID: "d1", NodeID: "n1"}))
	require.NoError(t, m.CreatePod(ctx, &models.Pod{PodID: "pod-2", DeploymentID: "d1", NodeID: "n2"}))
	require.NoError(t, m.CreatePod(ctx, &models.Pod{PodID: "pod-3", DeploymentID: "d2", NodeID: "n1"}))

	byDeployment, err := m.ListPodsByDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, byDeployment, 2)

	byNode, err := m.ListPodsByNode(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, byNode, 2)
}

func TestDeletePodsOlderThan_OnlyRemovesTerminalAndStale(t *testing.T) {
	m := New()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	recent := time.Now()

	require.NoError(t, m.CreatePod(ctx, &models.Pod{PodID: "terminal-old", Status: models.PodStopped, UpdatedAt: old}))
	require.NoError(t, m.CreatePod(ctx, &models.Pod{PodID: "terminal-recent", Status: models.PodStopped, UpdatedAt: recent}))
	require.NoError(t, m.CreatePod(ctx, &models.Pod{PodID: "running-old", Status: models.PodRunning, UpdatedAt: old}))

	cutoff := time.Now().Add(-time.Minute)
	n, err := m.DeletePodsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.GetPod(ctx, "terminal-old")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.GetPod(ctx, "terminal-recent")
	assert.NoError(t, err)
	_, err = m.GetPod(ctx, "running-old")
	assert.NoError(t, err)
}

func TestGetNextIncarnation_MonotonicPerDeployment(t *testing.T) {
	m := New()
	ctx := context.Background()

	first, err := m.GetNextIncarnation(ctx, "d1")
	require.NoError(t, err)
	second, err := m.GetNextIncarnation(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	otherDeployment, err := m.GetNextIncarnation(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), otherDeployment)
}

func TestDeployment_CreateGetUpdateAndListActive(t *testing.T) {
	m := New()
	ctx := context.Background()
	d := &models.Deployment{DeploymentID: "d1", Status: models.DeploymentActive}
	require.NoError(t, m.CreateDeployment(ctx, d))

	got, err := m.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentActive, got.Status)

	got.Status = models.DeploymentPaused
	require.NoError(t, m.UpdateDeployment(ctx, got))

	active, err := m.ListActiveDeployments(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := m.ListDeployments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = m.UpdateDeployment(ctx, &models.Deployment{DeploymentID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
