package models

import "time"

// IdentityKind distinguishes an unauthenticated connection from an
// authenticated agent (a node-side process) or pod (in-pod
// service-to-service caller, out of scope for this core but named by the
// identity union so the registry's bind() signature matches the full
// protocol).
type IdentityKind string

const (
	IdentityUnauthenticated IdentityKind = "unauthenticated"
	IdentityAgent           IdentityKind = "agent"
	IdentityPod             IdentityKind = "pod"
)

// Identity is the authenticated principal bound to a Connection.
type Identity struct {
	Kind   IdentityKind `json:"kind"`
	UserID string       `json:"userId,omitempty"`
	Roles  []string     `json:"roles,omitempty"`
	PodID  string       `json:"podId,omitempty"`
	ServiceID string    `json:"serviceId,omitempty"`
}

func (i Identity) Authenticated() bool {
	return i.Kind != IdentityUnauthenticated && i.Kind != ""
}

// HasRole reports whether the identity carries the given role.
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Connection is a transient, channel-layer-owned record of one attached
// socket. It is never persisted to the Store.
type Connection struct {
	ConnectionID string
	Identity     Identity
	NodeIDs      map[string]struct{}
	ConnectedAt  time.Time
	LastActivity time.Time
}
