package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/orchestrator/internal/models"
)

func TestConvertToHTTPURL(t *testing.T) {
	assert.Equal(t, "http://host/ws", convertToHTTPURL("ws://host/ws"))
	assert.Equal(t, "https://host/ws", convertToHTTPURL("wss://host/ws"))
	assert.Equal(t, "http://host/ws", convertToHTTPURL("http://host/ws"))
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, pack models.PackRef) models.TerminationReason {
	<-ctx.Done()
	return models.ReasonCancelled
}

// fakeOrchestrator scripts the server side of the auth/register/reconnect
// handshake over a raw websocket upgrade, for testing Agent.Connect without
// a real channel.Server.
type fakeOrchestrator struct {
	upgrader    websocket.Upgrader
	onAuth      func(models.Envelope) models.Envelope
	onReconnect func(models.Envelope) models.Envelope
	onRegister  func(models.Envelope) models.Envelope
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		onAuth: func(models.Envelope) models.Envelope {
			return models.MustEncode(models.TypeAuthAuthenticated, struct{}{}, "")
		},
		onRegister: func(models.Envelope) models.Envelope {
			return models.MustEncode(models.TypeNodeRegisterAck, models.Node{NodeID: "node-xyz"}, "")
		},
	}
}

func (f *fakeOrchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return
		}

		var reply models.Envelope
		switch env.Type {
		case models.TypeAuthAuthenticate:
			reply = f.onAuth(env)
		case models.TypeNodeReconnect:
			if f.onReconnect == nil {
				continue
			}
			reply = f.onReconnect(env)
		case models.TypeNodeRegister:
			reply = f.onRegister(env)
		default:
			continue
		}
		out, _ := json.Marshal(reply)
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func startFakeOrchestrator(t *testing.T, f *fakeOrchestrator) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestAgent(t *testing.T, wsURL string) *Agent {
	cfg := DefaultConfig(wsURL)
	cfg.Name = "test-node"
	cfg.WorkerSlots = 2
	store := NewCredentialStore(t.TempDir())
	require.NoError(t, store.Save(&PersistedState{
		OrchestratorURL: wsURL,
		Credentials:     Credentials{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}))
	return New(cfg, noopRunner{}, store)
}

func TestAgent_Connect_HappyPathRegistersAndReachesRegisteredState(t *testing.T) {
	wsURL := startFakeOrchestrator(t, newFakeOrchestrator())
	a := newTestAgent(t, wsURL)

	err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, a.State())
	assert.Equal(t, "node-xyz", a.nodeID)
}

func TestAgent_Connect_PrefersReconnectWhenNodeIDKnown(t *testing.T) {
	f := newFakeOrchestrator()
	reconnectCalled := false
	f.onReconnect = func(models.Envelope) models.Envelope {
		reconnectCalled = true
		return models.MustEncode(models.TypeNodeReconnectAck, struct{}{}, "")
	}
	registerCalled := false
	f.onRegister = func(models.Envelope) models.Envelope {
		registerCalled = true
		return models.MustEncode(models.TypeNodeRegisterAck, models.Node{NodeID: "node-new"}, "")
	}
	wsURL := startFakeOrchestrator(t, f)

	a := newTestAgent(t, wsURL)
	a.nodeID = "node-prior"

	err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, reconnectCalled)
	assert.False(t, registerCalled)
	assert.Equal(t, "node-prior", a.nodeID)
}

func TestAgent_Connect_FallsBackToRegisterWhenReconnectRejected(t *testing.T) {
	f := newFakeOrchestrator()
	f.onReconnect = func(models.Envelope) models.Envelope {
		return models.MustEncode(models.TypeNodeReconnectError, struct{}{}, "")
	}
	f.onRegister = func(models.Envelope) models.Envelope {
		return models.MustEncode(models.TypeNodeRegisterAck, models.Node{NodeID: "node-new"}, "")
	}
	wsURL := startFakeOrchestrator(t, f)

	a := newTestAgent(t, wsURL)
	a.nodeID = "node-prior"

	err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-new", a.nodeID)
}

func TestAgent_Connect_AuthenticationFailureIsReported(t *testing.T) {
	f := newFakeOrchestrator()
	f.onAuth = func(models.Envelope) models.Envelope {
		return models.MustEncode(models.TypeAuthError, struct{}{}, "")
	}
	wsURL := startFakeOrchestrator(t, f)
	a := newTestAgent(t, wsURL)

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestAgent_EnsureCredentials_UsesValidPersistedToken(t *testing.T) {
	store := NewCredentialStore(t.TempDir())
	require.NoError(t, store.Save(&PersistedState{
		OrchestratorURL: "wss://orch/ws",
		NodeID:          "node-persisted",
		Credentials:     Credentials{AccessToken: "persisted-tok", ExpiresAt: time.Now().Add(time.Hour)},
	}))
	a := New(DefaultConfig("wss://orch/ws"), noopRunner{}, store)

	require.NoError(t, a.ensureCredentials(context.Background()))
	assert.Equal(t, "persisted-tok", a.token)
	assert.Equal(t, "node-persisted", a.nodeID)
}

func TestAgent_EnsureCredentials_SelfRegistersWhenNoCredentialExists(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/registration/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"needsSetup": false, "registrationEnabled": true})
	})
	mux.HandleFunc("/api/v1/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Credentials{AccessToken: "fresh-tok", UserID: "u1"})
	})
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	store := NewCredentialStore(t.TempDir())
	cfg := DefaultConfig(wsURL)
	cfg.Name = "fresh-node"
	a := New(cfg, noopRunner{}, store)

	require.NoError(t, a.ensureCredentials(context.Background()))
	assert.Equal(t, "fresh-tok", a.token)

	saved, ok := store.Load(wsURL)
	require.True(t, ok)
	assert.Equal(t, "fresh-tok", saved.Credentials.AccessToken)
}

func TestAgent_EnsureCredentials_RegistrationDisabledFailsWithNoCredential(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/registration/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"needsSetup": false, "registrationEnabled": false})
	})
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	store := NewCredentialStore(t.TempDir())
	a := New(DefaultConfig(wsURL), noopRunner{}, store)

	err := a.ensureCredentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registration disabled")
}

func TestAgent_EnsureCredentials_RefreshesExpiredToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/refresh", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Credentials{AccessToken: "refreshed-tok", RefreshToken: "rt2", ExpiresAt: time.Now().Add(time.Hour)})
	})
	httpSrv := httptest.NewServer(mux)
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	store := NewCredentialStore(t.TempDir())
	require.NoError(t, store.Save(&PersistedState{
		OrchestratorURL: wsURL,
		NodeID:          "node-refresh",
		Credentials:     Credentials{AccessToken: "old-tok", RefreshToken: "rt1", ExpiresAt: time.Now().Add(-time.Hour)},
	}))
	a := New(DefaultConfig(wsURL), noopRunner{}, store)

	require.NoError(t, a.ensureCredentials(context.Background()))
	assert.Equal(t, "refreshed-tok", a.token)
	assert.Equal(t, "node-refresh", a.nodeID)
}

func TestAgent_Reconnect_ReturnsErrorAfterExhaustingAttempts(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1/unreachable")
	cfg.ReconnectDelay = time.Millisecond
	cfg.MaxReconnectAttempts = 2
	store := NewCredentialStore(t.TempDir())
	require.NoError(t, store.Save(&PersistedState{
		OrchestratorURL: cfg.OrchestratorURL,
		Credentials:     Credentials{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)},
	}))
	a := New(cfg, noopRunner{}, store)

	err := a.Reconnect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnection failed after 2 attempts")
}

func TestAgent_Reconnect_RespectsContextCancellation(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1/unreachable")
	cfg.ReconnectDelay = time.Hour
	cfg.MaxReconnectAttempts = -1
	store := NewCredentialStore(t.TempDir())
	a := New(cfg, noopRunner{}, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Reconnect(ctx)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}

func TestAgent_Handle_PingRepliesWithPong(t *testing.T) {
	f := newFakeOrchestrator()
	replies := make(chan models.Envelope, 4)
	f.onAuth = func(models.Envelope) models.Envelope {
		return models.MustEncode(models.TypeAuthAuthenticated, struct{}{}, "")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			switch env.Type {
			case models.TypeAuthAuthenticate:
				out, _ := json.Marshal(models.MustEncode(models.TypeAuthAuthenticated, struct{}{}, ""))
				conn.WriteMessage(websocket.TextMessage, out)
			case models.TypeNodeRegister:
				out, _ := json.Marshal(models.MustEncode(models.TypeNodeRegisterAck, models.Node{NodeID: "n1"}, ""))
				conn.WriteMessage(websocket.TextMessage, out)
			case models.TypePong:
				replies <- env
			}
		}
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	a := newTestAgent(t, wsURL)
	require.NoError(t, a.Connect(context.Background()))

	a.handle(models.MustEncode(models.TypePing, models.PingPongPayload{Timestamp: 1}, ""))

	select {
	case env := <-replies:
		assert.Equal(t, models.TypePong, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestAgent_Handle_DisconnectClosesConnection(t *testing.T) {
	wsURL := startFakeOrchestrator(t, newFakeOrchestrator())
	a := newTestAgent(t, wsURL)
	require.NoError(t, a.Connect(context.Background()))

	a.handle(models.MustEncode(models.TypeDisconnect, struct{}{}, ""))

	a.connMu.RLock()
	conn := a.conn
	a.connMu.RUnlock()
	assert.Nil(t, conn)
}

func TestAgent_Stop_IsIdempotent(t *testing.T) {
	wsURL := startFakeOrchestrator(t, newFakeOrchestrator())
	a := newTestAgent(t, wsURL)
	require.NoError(t, a.Connect(context.Background()))

	assert.NotPanics(t, func() {
		a.Stop()
		a.Stop()
	})

	select {
	case <-a.stopChan:
	default:
		t.Fatal("expected stopChan to be closed after Stop")
	}
}
