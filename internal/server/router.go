// Package server implements the channel.Handler that routes decoded
// envelopes to the auth/node-lifecycle/dispatch components, per spec §5's
// data-flow: channel layer authenticates → connection registry binds
// identity → node lifecycle handles register/reconnect/heartbeat →
// dispatch applies pod:status:update. Grounded on the teacher's
// agent_websocket.go message switch (a per-type handler dispatch table).
package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetforge/orchestrator/internal/apperrors"
	"github.com/fleetforge/orchestrator/internal/auth"
	"github.com/fleetforge/orchestrator/internal/channel"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/metrics"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/nodes"
	"github.com/fleetforge/orchestrator/internal/reconciler"
	"github.com/fleetforge/orchestrator/internal/registry"
)

// Dispatcher is the subset of dispatch.Dispatcher the router drives: pod
// RPC result handling, status-update application, and the connection-loss
// cleanup that fails any RPCs still outstanding for a dropped node. Narrowed
// to an interface (mirroring reconciler.Scheduler/Dispatcher) so tests can
// substitute a fake that observes the FailAllForConnection wiring.
type Dispatcher interface {
	HandleDeployResult(ctx context.Context, correlationID string, success bool, message string)
	HandleStopResult(correlationID string, success bool, message string)
	ApplyStatusUpdate(ctx context.Context, upd models.PodStatusUpdatePayload) error
	FailAllForConnection(nodeID string)
}

// Router is the channel.Handler implementation wiring every inbound frame
// to its owning component.
type Router struct {
	registry    *registry.Registry
	auth        auth.Provider
	nodes       *nodes.Manager
	dispatcher  Dispatcher
	reconciler  *reconciler.Reconciler
	metrics     *metrics.Registry
	requireAuth bool
}

// New constructs a Router.
func New(reg *registry.Registry, authProvider auth.Provider, nodeMgr *nodes.Manager, disp Dispatcher, rec *reconciler.Reconciler, m *metrics.Registry, requireAuth bool) *Router {
	return &Router{
		registry:    reg,
		auth:        authProvider,
		nodes:       nodeMgr,
		dispatcher:  disp,
		reconciler:  rec,
		metrics:     m,
		requireAuth: requireAuth,
	}
}

// OnConnect registers the new, not-yet-authenticated connection.
func (r *Router) OnConnect(connectionID string, conn *channel.Connection) {
	r.registry.NewConnection(connectionID, conn)
}

// OnDisconnect fails any in-flight RPCs for nodes this connection owned
// (spec §9: "on channel close, all outstanding RPCs fail with 'Connection
// closed'"), then invokes the node-lifecycle disconnect hook via
// Registry.Remove, which leaves the node's status alone (it ages out
// through the timeout sweep).
func (r *Router) OnDisconnect(connectionID string) {
	for _, nodeID := range r.registry.NodeIDsFor(connectionID) {
		r.dispatcher.FailAllForConnection(nodeID)
	}
	r.registry.Remove(connectionID)
}

// OnMessage dispatches one decoded envelope by type. All methods run on
// the connection's own goroutine, so handling here is single-threaded per
// connection as spec §5 requires.
func (r *Router) OnMessage(connectionID string, env models.Envelope) {
	ctx := context.Background()
	log := logger.Component("server")

	if r.requireAuth && env.Type != models.TypeAuthAuthenticate && env.Type != models.TypePing {
		identity, ok := r.registry.Identity(connectionID)
		if !ok || !identity.Authenticated() {
			r.sendError(connectionID, "", apperrors.Unauthorized("authentication required before "+env.Type))
			return
		}
	}

	switch env.Type {
	case models.TypeAuthAuthenticate:
		r.handleAuthenticate(ctx, connectionID, env)
	case models.TypePing:
		r.handlePing(connectionID, env)
	case models.TypeNodeRegister:
		r.handleNodeRegister(ctx, connectionID, env)
	case models.TypeNodeReconnect:
		r.handleNodeReconnect(ctx, connectionID, env)
	case models.TypeNodeHeartbeat:
		r.handleNodeHeartbeat(ctx, connectionID, env)
	case models.TypePodDeploySuccess:
		r.handleDeployResult(ctx, env, true)
	case models.TypePodDeployError:
		r.handleDeployResult(ctx, env, false)
	case models.TypePodStopSuccess:
		r.handleStopResult(env, true)
	case models.TypePodStopError:
		r.handleStopResult(env, false)
	case models.TypePodStatusUpdate:
		r.handlePodStatusUpdate(ctx, connectionID, env)
	case models.TypeMetricsNode:
		r.handleMetricsNode(connectionID, env)
	default:
		log.Debug().Str("type", env.Type).Msg("unhandled frame type")
		r.sendError(connectionID, env.CorrelationID, apperrors.UnknownMessageType(env.Type))
	}
}

func (r *Router) sendError(connectionID, correlationID string, err *apperrors.AppError) {
	frame := models.MustEncode(models.TypeError, err.ToPayload(), correlationID)
	r.registry.SendToConnection(connectionID, frame)
}

func (r *Router) handleAuthenticate(ctx context.Context, connectionID string, env models.Envelope) {
	var payload models.AuthAuthenticatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.sendError(connectionID, env.CorrelationID, apperrors.InvalidJSON("malformed auth:authenticate payload"))
		return
	}

	identity, err := r.auth.Verify(ctx, payload.Token)
	if err != nil {
		r.sendError(connectionID, env.CorrelationID, apperrors.AuthFailed("token verification failed"))
		return
	}

	r.registry.Bind(connectionID, models.Identity{
		Kind:   models.IdentityAgent,
		UserID: identity.UserID,
		Roles:  identity.Roles,
	})

	reply := models.MustEncode(models.TypeAuthAuthenticated, models.AuthAuthenticatedPayload{
		UserID: identity.UserID,
		Roles:  identity.Roles,
	}, env.CorrelationID)
	r.registry.SendToConnection(connectionID, reply)
}

func (r *Router) handlePing(connectionID string, env models.Envelope) {
	reply := models.MustEncode(models.TypePong, models.PingPongPayload{Timestamp: time.Now().Unix()}, env.CorrelationID)
	r.registry.SendToConnection(connectionID, reply)
}

func (r *Router) handleNodeRegister(ctx context.Context, connectionID string, env models.Envelope) {
	var payload models.NodeRegisterPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.sendError(connectionID, env.CorrelationID, apperrors.InvalidJSON("malformed node:register payload"))
		return
	}
	identity, _ := r.registry.Identity(connectionID)

	n, err := r.nodes.Register(ctx, connectionID, identity, payload)
	if err != nil {
		r.replyNodeError(connectionID, models.TypeNodeRegisterError, env.CorrelationID, err)
		return
	}
	r.registry.SendToConnection(connectionID, models.MustEncode(models.TypeNodeRegisterAck, n, env.CorrelationID))
}

func (r *Router) handleNodeReconnect(ctx context.Context, connectionID string, env models.Envelope) {
	var payload models.NodeReconnectPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.sendError(connectionID, env.CorrelationID, apperrors.InvalidJSON("malformed node:reconnect payload"))
		return
	}

	n, err := r.nodes.Reconnect(ctx, connectionID, payload)
	if err != nil {
		r.replyNodeError(connectionID, models.TypeNodeReconnectError, env.CorrelationID, err)
		return
	}
	r.registry.SendToConnection(connectionID, models.MustEncode(models.TypeNodeReconnectAck, n, env.CorrelationID))
}

func (r *Router) handleNodeHeartbeat(ctx context.Context, connectionID string, env models.Envelope) {
	var payload models.NodeHeartbeatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.sendError(connectionID, env.CorrelationID, apperrors.InvalidJSON("malformed node:heartbeat payload"))
		return
	}

	n, err := r.nodes.Heartbeat(ctx, connectionID, payload)
	if err != nil {
		r.replyNodeError(connectionID, models.TypeNodeHeartbeatError, env.CorrelationID, err)
		return
	}
	r.registry.SendToConnection(connectionID, models.MustEncode(models.TypeNodeHeartbeatAck, n, env.CorrelationID))
}

func (r *Router) replyNodeError(connectionID, errType, correlationID string, err error) {
	ae, ok := err.(*apperrors.AppError)
	if !ok {
		ae = apperrors.Internal(err.Error())
	}
	r.registry.SendToConnection(connectionID, models.MustEncode(errType, ae.ToPayload(), correlationID))
}

func (r *Router) handleDeployResult(ctx context.Context, env models.Envelope, success bool) {
	var message string
	if !success {
		var payload struct {
			Message string `json:"message"`
		}
		json.Unmarshal(env.Payload, &payload)
		message = payload.Message
	}
	r.dispatcher.HandleDeployResult(ctx, env.CorrelationID, success, message)
}

func (r *Router) handleStopResult(env models.Envelope, success bool) {
	var message string
	if !success {
		var payload struct {
			Message string `json:"message"`
		}
		json.Unmarshal(env.Payload, &payload)
		message = payload.Message
	}
	r.dispatcher.HandleStopResult(env.CorrelationID, success, message)
}

func (r *Router) handlePodStatusUpdate(ctx context.Context, connectionID string, env models.Envelope) {
	var payload models.PodStatusUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		r.sendError(connectionID, env.CorrelationID, apperrors.InvalidJSON("malformed pod:status:update payload"))
		return
	}
	if err := r.dispatcher.ApplyStatusUpdate(ctx, payload); err != nil {
		logger.Component("server").Warn().Err(err).Str("podId", payload.PodID).Msg("failed to apply pod status update")
		return
	}
	if payload.Status.Terminal() {
		r.reconciler.TriggerReconcile()
	}
}

func (r *Router) handleMetricsNode(connectionID string, env models.Envelope) {
	var payload models.MetricsNodePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	nodeIDs := r.registry.NodeIDsFor(connectionID)
	if len(nodeIDs) == 0 {
		return
	}
	for _, nodeID := range nodeIDs {
		r.metrics.ObserveNodeMetrics(nodeID, payload.Allocated, payload.WorkerSlotsTotal, payload.WorkerSlotsAvailable)
	}
}
