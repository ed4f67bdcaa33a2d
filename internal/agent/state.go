// Package agent implements the node-side agent (component G): the
// connection state machine, worker-slot pool, pack execution, and
// credential bootstrap. Grounded on agents/k8s-agent/connection.go's
// Connect/Reconnect/SendHeartbeats/readPump/writePump and
// agents/docker-agent's worker-slot execution model.
package agent

// ConnState is the node-side connection lifecycle state (spec §4.G).
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateConnected     ConnState = "connected"
	StateAuthenticating ConnState = "authenticating"
	StateAuthenticated ConnState = "authenticated"
	StateRegistering   ConnState = "registering"
	StateRegistered    ConnState = "registered"
)
