// Package dispatch is component F: it sends pod:deploy/pod:stop through
// the connection registry, tracks in-flight correlation-id keyed RPCs with
// deadlines, and applies incarnation-based staleness rejection to inbound
// pod:status:update frames. Grounded on the teacher's
// internal/services/command_dispatcher.go, generalized from queued
// fire-and-forget command dispatch to request/response RPC tracking; frames
// are sent directly through the registry, with no worker pool or queue.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/orchestrator/internal/apperrors"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/registry"
	"github.com/fleetforge/orchestrator/internal/store"
)

// DefaultRPCTimeout is the effective timeout for node-initiated RPCs absent
// an explicit deadline (spec §5).
const DefaultRPCTimeout = 30 * time.Second

type pendingRPC struct {
	podID    string
	nodeID   string
	kind     string // "deploy" | "stop"
	deadline time.Time
	done     chan struct{}
	err      error
}

// Dispatcher sends pod:deploy/pod:stop and applies pod:status:update.
type Dispatcher struct {
	registry *registry.Registry
	store    store.Store

	mu      sync.Mutex
	pending map[string]*pendingRPC // correlationId -> rpc
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, st store.Store) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		store:    st,
		pending:  make(map[string]*pendingRPC),
	}
}

// Deploy sends pod:deploy to the pod's assigned node and registers an
// in-flight RPC. It does not block for the response; the RPC is resolved
// when HandleDeployResult is called for the matching pod:deploy:success or
// pod:deploy:error frame, and the pod's status follows ApplyStatusUpdate.
func (d *Dispatcher) Deploy(ctx context.Context, p *models.Pod, pack *models.Pack) error {
	correlationID := uuid.NewString()
	payload := models.PodDeployPayload{
		PodID:  p.PodID,
		NodeID: p.NodeID,
		Pack: models.PackRef{
			ID:         pack.PackID,
			Name:       pack.Name,
			Version:    pack.Version,
			RuntimeTag: pack.RuntimeTag,
			Bundle:     pack.Bundle,
			BundlePath: pack.BundlePath,
			Metadata:   pack.Metadata,
		},
		ResourceRequests: p.ResourceRequests,
		ResourceLimits:   p.ResourceLimits,
		Labels:           p.Labels,
		Annotations:      p.Annotations,
		Namespace:        p.Namespace,
	}

	env := models.MustEncode(models.TypePodDeploy, payload, correlationID)
	d.track(correlationID, p.PodID, p.NodeID, "deploy")

	if !d.registry.SendToNode(p.NodeID, env) {
		d.fail(correlationID, apperrors.NotFound("node connection"))
		return d.markDeployFailed(ctx, p)
	}
	return nil
}

// Stop sends pod:stop to the pod's assigned node.
func (d *Dispatcher) Stop(p *models.Pod, reason, message string) bool {
	correlationID := uuid.NewString()
	payload := models.PodStopPayload{PodID: p.PodID, Reason: reason, Message: message}
	env := models.MustEncode(models.TypePodStop, payload, correlationID)
	d.track(correlationID, p.PodID, p.NodeID, "stop")
	return d.registry.SendToNode(p.NodeID, env)
}

func (d *Dispatcher) track(correlationID, podID, nodeID, kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[correlationID] = &pendingRPC{
		podID:    podID,
		nodeID:   nodeID,
		kind:     kind,
		deadline: time.Now().Add(DefaultRPCTimeout),
		done:     make(chan struct{}),
	}
}

func (d *Dispatcher) fail(correlationID string, err error) {
	d.mu.Lock()
	rpc, ok := d.pending[correlationID]
	if ok {
		delete(d.pending, correlationID)
	}
	d.mu.Unlock()
	if ok {
		rpc.err = err
		close(rpc.done)
	}
}

func (d *Dispatcher) resolve(correlationID string) {
	d.mu.Lock()
	rpc, ok := d.pending[correlationID]
	if ok {
		delete(d.pending, correlationID)
	}
	d.mu.Unlock()
	if ok {
		close(rpc.done)
	}
}

func (d *Dispatcher) markDeployFailed(ctx context.Context, p *models.Pod) error {
	p.Status = models.PodFailed
	p.TerminationReason = models.ReasonDeployFailed
	p.UpdatedAt = time.Now()
	return d.store.UpdatePod(ctx, p)
}

// HandleDeployResult processes a pod:deploy:success or pod:deploy:error
// frame.
func (d *Dispatcher) HandleDeployResult(ctx context.Context, correlationID string, success bool, message string) {
	d.resolve(correlationID)
	if success {
		return
	}
	logger.Component("dispatch").Warn().Str("correlationId", correlationID).Str("message", message).Msg("pod:deploy:error")
}

// HandleStopResult processes a pod:stop:success or pod:stop:error frame.
func (d *Dispatcher) HandleStopResult(correlationID string, success bool, message string) {
	d.resolve(correlationID)
	if !success {
		logger.Component("dispatch").Warn().Str("correlationId", correlationID).Str("message", message).Msg("pod:stop:error")
	}
}

// ApplyStatusUpdate applies an unsolicited pod:status:update frame,
// discarding it if its incarnation is older than the pod's current
// incarnation in the store (spec §4.F, boundary scenario S6).
func (d *Dispatcher) ApplyStatusUpdate(ctx context.Context, upd models.PodStatusUpdatePayload) error {
	p, err := d.store.GetPod(ctx, upd.PodID)
	if err != nil {
		return apperrors.NotFound("pod")
	}

	if upd.Incarnation < p.Incarnation {
		logger.Component("dispatch").Debug().
			Str("podId", upd.PodID).
			Int64("staleIncarnation", upd.Incarnation).
			Int64("currentIncarnation", p.Incarnation).
			Msg("discarding stale pod:status:update")
		return nil
	}

	p.Status = upd.Status
	p.StatusMessage = upd.Message
	if upd.Reason != "" {
		p.TerminationReason = upd.Reason
	}
	p.UpdatedAt = time.Now()
	if p.Status == models.PodRunning && p.StartedAt == nil {
		now := p.UpdatedAt
		p.StartedAt = &now
	}

	return d.store.UpdatePod(ctx, p)
}

// ExpireOverdueRPCs drops and logs every pending RPC whose deadline has
// passed, called periodically by the orchestrator's composition root so a
// node that never responds doesn't leak an RPC slot forever.
func (d *Dispatcher) ExpireOverdueRPCs() {
	now := time.Now()
	d.mu.Lock()
	var expired []string
	for id, rpc := range d.pending {
		if now.After(rpc.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, id := range expired {
		logger.Component("dispatch").Warn().Str("correlationId", id).Msg("RPC deadline exceeded")
	}
}

// FailAllForConnection fails every in-flight RPC addressed to nodeID with
// "Connection closed", called when a node's connection drops (spec §9).
func (d *Dispatcher) FailAllForConnection(nodeID string) {
	d.mu.Lock()
	var toFail []string
	for id, rpc := range d.pending {
		if rpc.nodeID == nodeID {
			toFail = append(toFail, id)
		}
	}
	d.mu.Unlock()

	for _, id := range toFail {
		d.fail(id, apperrors.Internal("Connection closed"))
	}
}
