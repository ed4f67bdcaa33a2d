package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db}, mock
}

func TestCreateNode_UniqueViolationMapsToConflict(t *testing.T) {
	s, mock := newMockStore(t)
	n := &models.Node{
		NodeID:      "n1",
		Name:        "dup",
		RuntimeType: models.RuntimeNative,
		Status:      models.NodeOnline,
		Allocatable: models.ResourceVector{"cpu": 4},
		Allocated:   models.ResourceVector{},
	}

	mock.ExpectExec("INSERT INTO nodes").WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "nodes_name_key"`))

	err := s.CreateNode(context.Background(), n)
	assert.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNode_Success(t *testing.T) {
	s, mock := newMockStore(t)
	n := &models.Node{
		NodeID:      "n1",
		Name:        "n1",
		RuntimeType: models.RuntimeNative,
		Status:      models.NodeOnline,
		Allocatable: models.ResourceVector{"cpu": 4},
		Allocated:   models.ResourceVector{},
	}

	mock.ExpectExec("INSERT INTO nodes").WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.CreateNode(context.Background(), n))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNode_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("FROM nodes WHERE node_id").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetNode(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNode_Found(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{
		"node_id", "name", "runtime_type", "status", "last_heartbeat",
		"capabilities", "allocatable", "allocated", "labels", "annotations", "taints",
		"unschedulable", "connection_id", "registered_by", "created_at", "updated_at",
	}).AddRow("n1", "n1", "native", "online", now,
		[]byte(`{}`), []byte(`{"cpu":4}`), []byte(`{}`), nil, nil, nil,
		false, nil, nil, now, now)

	mock.ExpectQuery("FROM nodes WHERE node_id").WithArgs("n1").WillReturnRows(rows)

	n, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", n.NodeID)
	assert.Equal(t, 4.0, n.Allocatable["cpu"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNode_NoRowsAffectedReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	n := &models.Node{NodeID: "ghost", Allocatable: models.ResourceVector{}, Allocated: models.ResourceVector{}}

	mock.ExpectExec("UPDATE nodes SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateNode(context.Background(), n)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestPackVersion_OrdersByCreatedAtDesc(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"pack_id", "name", "version", "runtime_tag", "bundle_path", "metadata", "owner_id", "visibility", "created_at",
	}).AddRow("p2", "demo", "2.0.0", "node-only", "", []byte(`{}`), "owner-1", "public", now)

	mock.ExpectQuery("FROM packs WHERE name = .* ORDER BY created_at DESC").
		WithArgs("demo").
		WillReturnRows(rows)

	p, err := s.GetLatestPackVersion(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.PackID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePod_NoRowsAffectedReturnsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	p := &models.Pod{PodID: "ghost"}

	mock.ExpectExec("UPDATE pods SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdatePod(context.Background(), p)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePodsOlderThan_ReturnsAffectedCount(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec("DELETE FROM pods WHERE status IN").
		WithArgs(models.PodStopped, models.PodFailed, models.PodEvicted, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeletePodsOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextIncarnation_UnknownDeploymentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE deployments SET next_incarnation").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetNextIncarnation(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNextIncarnation_ReturnsIncrementedValue(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"next_incarnation"}).AddRow(int64(4))
	mock.ExpectQuery("UPDATE deployments SET next_incarnation").
		WithArgs("d1").
		WillReturnRows(rows)

	next, err := s.GetNextIncarnation(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveDeployments_FiltersByStatus(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"deployment_id", "name", "namespace", "pack_id", "pack_version", "replicas",
		"pod_labels", "pod_annotations", "tolerations", "resource_requests", "resource_limits", "scheduling",
		"follow_latest", "last_successful_version", "consecutive_failures", "failed_version",
		"failure_backoff_until", "status", "ready_replicas", "available_replicas", "total_replicas",
		"created_at", "updated_at",
	}).AddRow("d1", "demo", "default", "pack-1", "1.0.0", 3,
		nil, nil, nil, nil, nil, nil,
		false, nil, 0, nil,
		nil, "active", 2, 2, 3,
		now, now)

	mock.ExpectQuery("FROM deployments WHERE status").
		WithArgs(models.DeploymentActive).
		WillReturnRows(rows)

	ds, err := s.ListActiveDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "d1", ds[0].DeploymentID)
	require.NoError(t, mock.ExpectationsWereMet())
}
