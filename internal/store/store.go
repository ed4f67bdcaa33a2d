// Package store defines the persistence boundary consumed by the
// reconciler, scheduler, and node-lifecycle components. The orchestrator
// core never reaches into a database directly; it calls this interface.
package store

import (
	"context"
	"time"

	"github.com/fleetforge/orchestrator/internal/models"
)

// ErrNotFound is returned by lookups that find nothing, wrapped in an
// apperrors.NotFound by callers that need the wire-protocol shape.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

// ErrConflict is returned by creates that collide with an existing unique
// value (e.g. a duplicate node name).
var ErrConflict = errConflict{}

type errConflict struct{}

func (errConflict) Error() string { return "conflict" }

// Store is the persistence boundary. Implementations: memstore (in-process,
// used by tests and single-process deployments) and postgres (teacher's
// persistence choice, for multi-replica deployments).
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, n *models.Node) error
	GetNode(ctx context.Context, nodeID string) (*models.Node, error)
	GetNodeByName(ctx context.Context, name string) (*models.Node, error)
	UpdateNode(ctx context.Context, n *models.Node) error
	ListNodes(ctx context.Context) ([]*models.Node, error)
	ListOnlineNodes(ctx context.Context) ([]*models.Node, error)

	// Packs
	GetPack(ctx context.Context, packID string) (*models.Pack, error)
	GetLatestPackVersion(ctx context.Context, name string) (*models.Pack, error)
	CreatePack(ctx context.Context, p *models.Pack) error

	// Pods
	CreatePod(ctx context.Context, p *models.Pod) error
	GetPod(ctx context.Context, podID string) (*models.Pod, error)
	UpdatePod(ctx context.Context, p *models.Pod) error
	ListPodsByDeployment(ctx context.Context, deploymentID string) ([]*models.Pod, error)
	ListPodsByNode(ctx context.Context, nodeID string) ([]*models.Pod, error)
	DeletePodsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	GetNextIncarnation(ctx context.Context, deploymentID string) (int64, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, deploymentID string) (*models.Deployment, error)
	UpdateDeployment(ctx context.Context, d *models.Deployment) error
	ListActiveDeployments(ctx context.Context) ([]*models.Deployment, error)
	ListDeployments(ctx context.Context) ([]*models.Deployment, error)
}
