// Package registry is the connection registry (component B): an in-memory
// index of connection → authenticated identity, connection → set of
// nodeIds, and nodeId → connection. Its map-plus-RWMutex shape is grounded
// on the teacher's AgentHub.connections map.
package registry

import (
	"sync"

	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
)

// Sender abstracts a channel-layer connection enough for the registry to
// push frames without depending on the channel package (avoids an import
// cycle; internal/channel depends on internal/registry, not vice versa).
type Sender interface {
	Send(envelope models.Envelope) bool
	Close(reason string)
}

// DisconnectHook is invoked once per bound nodeId when its owning
// connection goes away, before the entry is removed. It is the node
// lifecycle component's hook (spec §4.B: "On disconnect it calls the
// node-lifecycle hook for every bound nodeId before removing the entry").
type DisconnectHook func(nodeID string)

type entry struct {
	conn     Sender
	identity models.Identity
	nodeIDs  map[string]struct{}
}

// Registry is a goroutine-safe connection registry.
type Registry struct {
	mu sync.RWMutex

	byConnection map[string]*entry
	byNode       map[string]string // nodeId -> connectionId

	onDisconnect DisconnectHook
}

// New constructs an empty Registry. onDisconnect may be nil.
func New(onDisconnect DisconnectHook) *Registry {
	return &Registry{
		byConnection: make(map[string]*entry),
		byNode:       make(map[string]string),
		onDisconnect: onDisconnect,
	}
}

// NewConnection registers a brand-new, not-yet-authenticated connection.
func (r *Registry) NewConnection(connectionID string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConnection[connectionID] = &entry{
		conn:     conn,
		identity: models.Identity{Kind: models.IdentityUnauthenticated},
		nodeIDs:  make(map[string]struct{}),
	}
}

// Bind sets the authenticated identity for a connection, called after
// AuthProvider.verify succeeds.
func (r *Registry) Bind(connectionID string, identity models.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConnection[connectionID]
	if !ok {
		return false
	}
	e.identity = identity
	return true
}

// Identity returns the identity bound to a connection, or the zero value
// if the connection is unknown.
func (r *Registry) Identity(connectionID string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConnection[connectionID]
	if !ok {
		return models.Identity{}, false
	}
	return e.identity, true
}

// Attach binds a nodeId to a connection, maintaining both index
// directions. If the nodeId was already attached to a different
// connection, that prior attachment is silently overwritten (a reconnect
// from a new connection supersedes the old one).
func (r *Registry) Attach(connectionID, nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConnection[connectionID]
	if !ok {
		return false
	}
	if prev, ok := r.byNode[nodeID]; ok && prev != connectionID {
		if pe, ok := r.byConnection[prev]; ok {
			delete(pe.nodeIDs, nodeID)
		}
	}
	e.nodeIDs[nodeID] = struct{}{}
	r.byNode[nodeID] = connectionID
	return true
}

// Detach removes a nodeId from a connection's attachment set.
func (r *Registry) Detach(connectionID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byConnection[connectionID]; ok {
		delete(e.nodeIDs, nodeID)
	}
	if r.byNode[nodeID] == connectionID {
		delete(r.byNode, nodeID)
	}
}

// SendToConnection delivers msg to a specific connection. Returns false if
// the connection is no longer present.
func (r *Registry) SendToConnection(connectionID string, msg models.Envelope) bool {
	r.mu.RLock()
	e, ok := r.byConnection[connectionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.conn.Send(msg)
}

// SendToNode delivers msg to whichever connection currently owns nodeID.
// Returns false if the node has no live connection.
func (r *Registry) SendToNode(nodeID string, msg models.Envelope) bool {
	r.mu.RLock()
	connID, ok := r.byNode[nodeID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.SendToConnection(connID, msg)
}

// NodeIDsFor returns the nodeIds currently attached to a connection (almost
// always at most one, since a node agent registers a single nodeId per
// connection, but the registry's data model allows more).
func (r *Registry) NodeIDsFor(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConnection[connectionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.nodeIDs))
	for id := range e.nodeIDs {
		out = append(out, id)
	}
	return out
}

// IsNodeConnected reports whether nodeID currently owns a live connection.
func (r *Registry) IsNodeConnected(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byNode[nodeID]
	return ok
}

// Broadcast delivers msg to every authenticated connection for which
// filter returns true (or every authenticated connection, if filter is
// nil). A connection whose send buffer is full is skipped and logged, not
// blocked on, matching the teacher's handleBroadcast.
func (r *Registry) Broadcast(msg models.Envelope, filter func(models.Identity) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, e := range r.byConnection {
		if !e.identity.Authenticated() {
			continue
		}
		if filter != nil && !filter(e.identity) {
			continue
		}
		if !e.conn.Send(msg) {
			logger.Component("registry").Debug().Str("connectionId", connID).Msg("dropped broadcast: send buffer full")
		}
	}
}

// Remove tears down a connection: invokes the disconnect hook for every
// attached nodeId, then deletes the entry from both indexes.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	e, ok := r.byConnection[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	nodeIDs := make([]string, 0, len(e.nodeIDs))
	for id := range e.nodeIDs {
		nodeIDs = append(nodeIDs, id)
	}
	for _, id := range nodeIDs {
		if r.byNode[id] == connectionID {
			delete(r.byNode, id)
		}
	}
	delete(r.byConnection, connectionID)
	r.mu.Unlock()

	if r.onDisconnect != nil {
		for _, id := range nodeIDs {
			r.onDisconnect(id)
		}
	}
}

// ConnectionCount returns the number of live connections, used by metrics.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConnection)
}
