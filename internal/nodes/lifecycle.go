// Package nodes implements the node lifecycle state machine (component C):
// register, reconnect, heartbeat, timeout sweep, and disconnect handling.
// Grounded on the teacher's AgentHub.handleRegister/handleUnregister and
// UpdateAgentHeartbeat (the "FIX P1-AGENT-STATUS-001" heartbeat-status
// coercion rule, generalized here into the explicit rule spec §4.C states).
package nodes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/orchestrator/internal/apperrors"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/registry"
	"github.com/fleetforge/orchestrator/internal/store"
)

// Config holds component C's behavior-bearing knobs.
type Config struct {
	HeartbeatTimeout   time.Duration
	StaleSweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{HeartbeatTimeout: 30 * time.Second, StaleSweepInterval: 5 * time.Second}
}

// PresenceMirror is the optional multi-replica presence hook (component B's
// Redis mirror). A Manager with no mirror configured behaves as a
// single-replica deployment.
type PresenceMirror interface {
	MarkOnline(ctx context.Context, nodeID, replicaID string)
	MarkOffline(ctx context.Context, nodeID, replicaID string)
}

// Manager owns the node lifecycle operations. It has no goroutines of its
// own beyond the sweep loop started by Run.
type Manager struct {
	cfg       Config
	store     store.Store
	registry  *registry.Registry
	mirror    PresenceMirror
	replicaID string
	now       func() time.Time
}

// New constructs a Manager with no multi-replica presence mirror.
func New(cfg Config, st store.Store, reg *registry.Registry) *Manager {
	return &Manager{cfg: cfg, store: st, registry: reg, now: time.Now}
}

// NewWithMirror constructs a Manager that also publishes presence into a
// shared mirror, keyed by this process's replicaID, so other replicas can
// answer "is this node connected anywhere" (spec §4.B's Redis mirror).
func NewWithMirror(cfg Config, st store.Store, reg *registry.Registry, mirror PresenceMirror, replicaID string) *Manager {
	return &Manager{cfg: cfg, store: st, registry: reg, mirror: mirror, replicaID: replicaID, now: time.Now}
}

// Register handles node:register. The caller (the connection-handling
// layer) has already verified authentication; identity carries the
// userId/roles used for both the authorization check and the node's
// registeredBy field.
func (m *Manager) Register(ctx context.Context, connectionID string, identity models.Identity, req models.NodeRegisterPayload) (*models.Node, error) {
	if !identity.HasRole("node") && !identity.HasRole("admin") {
		return nil, apperrors.Forbidden("authenticated user may not register nodes")
	}
	if req.Name == "" {
		return nil, apperrors.Validation("name is required")
	}

	now := m.now()
	n := &models.Node{
		NodeID:        uuid.NewString(),
		Name:          req.Name,
		RuntimeType:   req.RuntimeType,
		Status:        models.NodeOnline,
		LastHeartbeat: now,
		Capabilities:  req.Capabilities,
		Allocatable:   req.Allocatable,
		Allocated:     models.ResourceVector{},
		Labels:        req.Labels,
		Annotations:   req.Annotations,
		Taints:        req.Taints,
		ConnectionID:  connectionID,
		RegisteredBy:  identity.UserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.CreateNode(ctx, n); err != nil {
		if err == store.ErrConflict {
			return nil, apperrors.Conflict("node name already registered")
		}
		return nil, apperrors.Internal(err.Error())
	}

	m.registry.Attach(connectionID, n.NodeID)
	m.markOnline(ctx, n.NodeID)
	logger.Component("nodes").Info().Str("nodeId", n.NodeID).Str("name", n.Name).Msg("node registered")
	return n, nil
}

// Reconnect handles node:reconnect: the node must already exist.
func (m *Manager) Reconnect(ctx context.Context, connectionID string, req models.NodeReconnectPayload) (*models.Node, error) {
	n, err := m.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, apperrors.NotFound("node")
	}

	now := m.now()
	n.ConnectionID = connectionID
	n.Status = models.NodeOnline
	n.LastHeartbeat = now
	n.UpdatedAt = now

	if err := m.store.UpdateNode(ctx, n); err != nil {
		return nil, apperrors.Internal(err.Error())
	}

	m.registry.Attach(connectionID, n.NodeID)
	m.markOnline(ctx, n.NodeID)
	logger.Component("nodes").Info().Str("nodeId", n.NodeID).Msg("node reconnected")
	return n, nil
}

func (m *Manager) markOnline(ctx context.Context, nodeID string) {
	if m.mirror != nil {
		m.mirror.MarkOnline(ctx, nodeID, m.replicaID)
	}
}

// Heartbeat handles node:heartbeat. connectionID must be the connection
// currently bound to nodeID; a heartbeat from any other connection is
// rejected here with FORBIDDEN.
func (m *Manager) Heartbeat(ctx context.Context, connectionID string, req models.NodeHeartbeatPayload) (*models.Node, error) {
	n, err := m.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, apperrors.NotFound("node")
	}
	if n.ConnectionID != connectionID {
		return nil, apperrors.Forbidden("connection is not bound to this node")
	}

	now := m.now()
	n.LastHeartbeat = now
	n.UpdatedAt = now
	if req.Allocated != nil {
		n.Allocated = req.Allocated
	}
	n.Status = coerceHeartbeatStatus(n.Status, req.Status)

	if err := m.store.UpdateNode(ctx, n); err != nil {
		return nil, apperrors.Internal(err.Error())
	}
	return n, nil
}

// coerceHeartbeatStatus implements spec §4.C's heartbeat status rule:
// an explicit online/draining/maintenance status from the agent is
// honored; any other reported value (including empty) is coerced to
// online, unless the node's prior status was draining or maintenance, in
// which case it is preserved.
func coerceHeartbeatStatus(prior models.NodeStatus, reported models.NodeStatus) models.NodeStatus {
	switch reported {
	case models.NodeOnline, models.NodeDraining, models.NodeMaintenance:
		return reported
	default:
		if prior == models.NodeDraining || prior == models.NodeMaintenance {
			return prior
		}
		return models.NodeOnline
	}
}

// Disconnect handles a channel close: the node's connectionId is cleared
// but status is left alone, to age out via the timeout sweep rather than
// eagerly transitioning to offline.
func (m *Manager) Disconnect(ctx context.Context, nodeID string) {
	n, err := m.store.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	n.ConnectionID = ""
	n.UpdatedAt = m.now()
	if err := m.store.UpdateNode(ctx, n); err != nil {
		logger.Component("nodes").Warn().Err(err).Str("nodeId", nodeID).Msg("failed to clear connectionId on disconnect")
	}
	if m.mirror != nil {
		m.mirror.MarkOffline(ctx, nodeID, m.replicaID)
	}
}

// SweepOnce examines every node and transitions stale ones to unhealthy.
// It is called periodically by Run, and directly by tests.
func (m *Manager) SweepOnce(ctx context.Context) {
	all, err := m.store.ListNodes(ctx)
	if err != nil {
		logger.Component("nodes").Warn().Err(err).Msg("sweep: list nodes failed")
		return
	}

	now := m.now()
	for _, n := range all {
		if n.Status == models.NodeOffline || n.Status == models.NodeSuspect {
			continue
		}
		if now.Sub(n.LastHeartbeat) <= m.cfg.HeartbeatTimeout {
			continue
		}
		n.Status = models.NodeUnhealthy
		n.UpdatedAt = now
		if err := m.store.UpdateNode(ctx, n); err != nil {
			logger.Component("nodes").Warn().Err(err).Str("nodeId", n.NodeID).Msg("sweep: update failed")
			continue
		}
		logger.Component("nodes").Warn().Str("nodeId", n.NodeID).Msg("node marked unhealthy: heartbeat timeout")
	}
}

// Run starts the periodic timeout sweep; it blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StaleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}
