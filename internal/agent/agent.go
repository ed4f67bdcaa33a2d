package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
)

// Config holds component G's behavior-bearing knobs (spec §6).
type Config struct {
	OrchestratorURL      string
	HeartbeatInterval    time.Duration
	MetricsInterval      time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // -1 = unbounded
	TokenRefreshCheck    time.Duration
	WorkerSlots          int

	Name         string
	RuntimeType  models.RuntimeType
	Capabilities map[string]any
	Allocatable  models.ResourceVector
	Labels       map[string]string
	Annotations  map[string]string
	Taints       []models.Taint
}

func DefaultConfig(orchestratorURL string) Config {
	return Config{
		OrchestratorURL:      orchestratorURL,
		HeartbeatInterval:    15 * time.Second,
		MetricsInterval:      30 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 10,
		TokenRefreshCheck:    60 * time.Second,
		WorkerSlots:          4,
	}
}

var ErrNotConnected = fmt.Errorf("agent: not connected")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Agent is the node-side agent: it owns the connection state machine,
// worker pool, and credential bootstrap.
type Agent struct {
	cfg   Config
	creds *CredentialStore
	pool  *WorkerPool

	connMu sync.RWMutex
	state  ConnState
	nodeID string
	conn   *websocket.Conn
	token  string

	stopChan chan struct{}
	stopOnce sync.Once
}

// New constructs an Agent. runner executes pack instances; creds persists
// the machine-user credential across restarts.
func New(cfg Config, runner PackRunner, creds *CredentialStore) *Agent {
	a := &Agent{
		cfg:      cfg,
		creds:    creds,
		state:    StateDisconnected,
		stopChan: make(chan struct{}),
	}
	a.pool = NewWorkerPool(cfg.WorkerSlots, runner, a.reportStatus)
	return a
}

func (a *Agent) setState(s ConnState) {
	a.connMu.Lock()
	a.state = s
	a.connMu.Unlock()
}

func (a *Agent) State() ConnState {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.state
}

// Connect runs the full bring-up sequence: load or bootstrap credentials,
// dial the channel, authenticate, and register or reconnect. Grounded on
// agents/k8s-agent/connection.go's Connect/registerAgent/connectWebSocket,
// generalized to the spec's authenticate-then-register handshake and
// credential bootstrap.
func (a *Agent) Connect(ctx context.Context) error {
	log := logger.Component("agent")
	a.setState(StateConnecting)

	if err := a.ensureCredentials(ctx); err != nil {
		return fmt.Errorf("credential bootstrap failed: %w", err)
	}

	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	a.setState(StateConnected)

	if err := a.authenticate(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	a.setState(StateAuthenticated)

	if err := a.registerOrReconnect(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	a.setState(StateRegistered)

	log.Info().Str("orchestratorUrl", a.cfg.OrchestratorURL).Msg("agent connected")
	return nil
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.cfg.OrchestratorURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (a *Agent) authenticate(ctx context.Context) error {
	env := models.MustEncode(models.TypeAuthAuthenticate, models.AuthAuthenticatePayload{Token: a.token}, "")
	if err := a.send(env); err != nil {
		return err
	}
	reply, err := a.readOne(ctx)
	if err != nil {
		return err
	}
	if reply.Type != models.TypeAuthAuthenticated {
		return fmt.Errorf("unexpected reply to auth:authenticate: %s", reply.Type)
	}
	return nil
}

// registerOrReconnect prefers node:reconnect when a nodeId is already
// known (preserved across process restarts via CredentialStore), falling
// back to node:register on error, per spec §4.G.
func (a *Agent) registerOrReconnect(ctx context.Context) error {
	a.setState(StateRegistering)

	if a.nodeID != "" {
		env := models.MustEncode(models.TypeNodeReconnect, models.NodeReconnectPayload{NodeID: a.nodeID}, "")
		if err := a.send(env); err == nil {
			if reply, err := a.readOne(ctx); err == nil && reply.Type == models.TypeNodeReconnectAck {
				return nil
			}
		}
	}

	payload := models.NodeRegisterPayload{
		Name:         a.cfg.Name,
		RuntimeType:  a.cfg.RuntimeType,
		Capabilities: a.cfg.Capabilities,
		Allocatable:  a.cfg.Allocatable,
		Labels:       a.cfg.Labels,
		Annotations:  a.cfg.Annotations,
		Taints:       a.cfg.Taints,
	}
	env := models.MustEncode(models.TypeNodeRegister, payload, "")
	if err := a.send(env); err != nil {
		return err
	}
	reply, err := a.readOne(ctx)
	if err != nil {
		return err
	}
	if reply.Type != models.TypeNodeRegisterAck {
		return fmt.Errorf("registration rejected: %s", reply.Type)
	}
	var node models.Node
	if err := json.Unmarshal(reply.Payload, &node); err == nil {
		a.nodeID = node.NodeID
		if state, ok := a.creds.Load(a.cfg.OrchestratorURL); ok {
			state.NodeID = a.nodeID
			_ = a.creds.Save(state)
		}
	}
	return nil
}

// readOne reads and decodes a single frame, used only during the
// synchronous handshake before readPump takes over.
func (a *Agent) readOne(ctx context.Context) (models.Envelope, error) {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return models.Envelope{}, ErrNotConnected
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return models.Envelope{}, err
	}
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

func (a *Agent) send(env models.Envelope) error {
	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Reconnect retries Connect with exponential-ish backoff bounded by
// MaxReconnectAttempts, per spec §4.G's
// reconnectDelay * min(attempts, 5) formula.
func (a *Agent) Reconnect(ctx context.Context) error {
	log := logger.Component("agent")
	log.Warn().Msg("connection lost, attempting to reconnect")

	attempt := 0
	for a.cfg.MaxReconnectAttempts < 0 || attempt < a.cfg.MaxReconnectAttempts {
		attempt++
		delay := a.cfg.ReconnectDelay * time.Duration(minInt(attempt, 5))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := a.Connect(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		log.Info().Int("attempt", attempt).Msg("reconnected successfully")
		return nil
	}
	return fmt.Errorf("reconnection failed after %d attempts", attempt)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ensureCredentials implements the credential-bootstrap flow: try a
// persisted token first, refresh if expired, and only self-register a new
// machine user on hard failure or first run.
func (a *Agent) ensureCredentials(ctx context.Context) error {
	if state, ok := a.creds.Load(a.cfg.OrchestratorURL); ok {
		if !state.Credentials.Expired(time.Now()) {
			a.token = state.Credentials.AccessToken
			if a.nodeID == "" {
				a.nodeID = state.NodeID
			}
			return nil
		}
		if refreshed, err := a.refreshToken(ctx, state.Credentials.RefreshToken); err == nil {
			a.token = refreshed.AccessToken
			if a.nodeID == "" {
				a.nodeID = state.NodeID
			}
			state.Credentials = refreshed
			state.LastStarted = time.Now()
			_ = a.creds.Save(state)
			return nil
		}
	}
	return a.selfRegister(ctx)
}

// selfRegister performs zero-config machine-user registration against the
// orchestrator's REST registration endpoint, grounded on
// agents/k8s-agent/connection.go's registerAgent POST pattern.
func (a *Agent) selfRegister(ctx context.Context) error {
	httpURL := convertToHTTPURL(a.cfg.OrchestratorURL)

	status, err := a.fetchRegistrationStatus(ctx, httpURL)
	if err != nil {
		return err
	}
	if !status.RegistrationEnabled {
		return fmt.Errorf("public registration disabled on %s and no stored credential is available", httpURL)
	}

	body := map[string]any{"name": a.cfg.Name, "runtimeType": a.cfg.RuntimeType}
	raw, _ := json.Marshal(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL+"/api/v1/register", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return err
	}
	a.token = creds.AccessToken

	state := &PersistedState{
		Name:            a.cfg.Name,
		OrchestratorURL: a.cfg.OrchestratorURL,
		RegisteredAt:    time.Now(),
		LastStarted:     time.Now(),
		Credentials:     creds,
	}
	return a.creds.Save(state)
}

type registrationStatus struct {
	NeedsSetup          bool `json:"needsSetup"`
	RegistrationEnabled bool `json:"registrationEnabled"`
}

func (a *Agent) fetchRegistrationStatus(ctx context.Context, httpURL string) (registrationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL+"/api/v1/registration/status", nil)
	if err != nil {
		return registrationStatus{}, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return registrationStatus{}, err
	}
	defer resp.Body.Close()
	var status registrationStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return registrationStatus{}, err
	}
	return status, nil
}

func (a *Agent) refreshToken(ctx context.Context, refreshToken string) (Credentials, error) {
	if refreshToken == "" {
		return Credentials{}, fmt.Errorf("no refresh token available")
	}
	httpURL := convertToHTTPURL(a.cfg.OrchestratorURL)
	body, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpURL+"/api/v1/refresh", bytes.NewReader(body))
	if err != nil {
		return Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Credentials{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Credentials{}, fmt.Errorf("refresh failed with status %d", resp.StatusCode)
	}
	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// convertToHTTPURL converts a ws(s):// URL to http(s)://, grounded
// verbatim on agents/k8s-agent/connection.go's helper of the same name.
func convertToHTTPURL(wsURL string) string {
	if strings.HasPrefix(wsURL, "wss") {
		return "https" + wsURL[3:]
	}
	if strings.HasPrefix(wsURL, "ws") {
		return "http" + wsURL[2:]
	}
	return wsURL
}

// SendHeartbeats runs the heartbeat timer loop until Stop is called.
// Grounded on agents/k8s-agent/connection.go's SendHeartbeats.
func (a *Agent) SendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				logger.Component("agent").Warn().Err(err).Msg("failed to send heartbeat")
			}
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		}
	}
}

func (a *Agent) sendHeartbeat() error {
	payload := models.NodeHeartbeatPayload{
		NodeID:     a.nodeID,
		Timestamp:  time.Now().Unix(),
		ActivePods: a.pool.ActiveCount(),
	}
	return a.send(models.MustEncode(models.TypeNodeHeartbeat, payload, ""))
}

// SendMetrics runs the metrics timer loop until Stop is called.
func (a *Agent) SendMetrics(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload := models.MetricsNodePayload{
				ActivePods:           a.pool.ActiveCount(),
				WorkerSlotsTotal:     a.pool.Total(),
				WorkerSlotsAvailable: a.pool.Available(),
			}
			if err := a.send(models.MustEncode(models.TypeMetricsNode, payload, "")); err != nil {
				logger.Component("agent").Warn().Err(err).Msg("failed to send metrics")
			}
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		}
	}
}

// reportStatus is the WorkerPool's StatusReporter: it emits
// pod:status:update for every local status change.
func (a *Agent) reportStatus(podID string, status models.PodStatus, reason models.TerminationReason, message string) {
	payload := models.PodStatusUpdatePayload{
		PodID:   podID,
		Status:  status,
		Message: message,
		Reason:  reason,
	}
	if err := a.send(models.MustEncode(models.TypePodStatusUpdate, payload, "")); err != nil {
		logger.Component("agent").Warn().Err(err).Str("podId", podID).Msg("failed to report pod status")
	}
}

// ReadPump reads frames from the channel and dispatches pod:deploy /
// pod:stop to the worker pool, reconnecting on any read error. Grounded on
// agents/k8s-agent/connection.go's readPump.
func (a *Agent) ReadPump(ctx context.Context) {
	log := logger.Component("agent")
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		default:
		}

		a.connMu.RLock()
		conn := a.conn
		a.connMu.RUnlock()
		if conn == nil {
			if err := a.Reconnect(ctx); err != nil {
				log.Error().Err(err).Msg("giving up after exhausting reconnect attempts")
				return
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("read error, attempting reconnect")
			a.connMu.Lock()
			a.conn = nil
			a.connMu.Unlock()
			if err := a.Reconnect(ctx); err != nil {
				log.Error().Err(err).Msg("giving up after exhausting reconnect attempts")
				return
			}
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Msg("failed to decode inbound frame")
			continue
		}
		a.handle(env)
	}
}

func (a *Agent) handle(env models.Envelope) {
	switch env.Type {
	case models.TypePodDeploy:
		var payload models.PodDeployPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		if !a.pool.Deploy(payload.PodID, payload.Pack) {
			a.reportStatus(payload.PodID, models.PodFailed, models.ReasonDeployFailed, "no worker slot available")
		}
	case models.TypePodStop:
		var payload models.PodStopPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		a.pool.Stop(payload.PodID, 10*time.Second)
	case models.TypePing:
		a.send(models.MustEncode(models.TypePong, models.PingPongPayload{Timestamp: time.Now().Unix()}, ""))
	case models.TypeDisconnect:
		a.connMu.Lock()
		if a.conn != nil {
			a.conn.Close()
			a.conn = nil
		}
		a.connMu.Unlock()
	}
}

// WritePump sends periodic pings to keep the connection alive. Grounded on
// agents/k8s-agent/connection.go's writePump.
func (a *Agent) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.connMu.RLock()
			conn := a.conn
			a.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Component("agent").Warn().Err(err).Msg("ping write failed")
				return
			}
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		}
	}
}

// Stop signals every running loop to exit and closes the active
// connection, failing in-flight work with "Agent stopped" semantics at the
// caller's discretion.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.connMu.Lock()
		if a.conn != nil {
			a.conn.Close()
		}
		a.connMu.Unlock()
	})
}
