package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge/orchestrator/internal/auth"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/reconciler"
	"github.com/fleetforge/orchestrator/internal/scheduler"
	"github.com/fleetforge/orchestrator/internal/store/memstore"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type noopScheduler struct{}

func (noopScheduler) Schedule(ctx context.Context, p *models.Pod, pack *models.Pack, requesterID string) (*scheduler.Result, error) {
	return nil, nil
}

type noopDispatcher struct{}

func (noopDispatcher) Deploy(ctx context.Context, p *models.Pod, pack *models.Pack) error { return nil }
func (noopDispatcher) Stop(p *models.Pod, reason, message string) bool                    { return true }

type noopEligible struct{}

func (noopEligible) EligibleForDaemonset(ctx context.Context, d *models.Deployment, pack *models.Pack) ([]string, error) {
	return nil, nil
}

type fakeAuthProvider struct {
	verifyIdentity auth.Identity
	verifyErr      error
}

func (f *fakeAuthProvider) Verify(ctx context.Context, token string) (auth.Identity, error) {
	if f.verifyErr != nil {
		return auth.Identity{}, f.verifyErr
	}
	return f.verifyIdentity, nil
}

func (f *fakeAuthProvider) IssueMachineToken(ctx context.Context, userID string, roles []string) (string, string, time.Time, error) {
	return "access-" + userID, "refresh-" + userID, time.Now().Add(time.Hour), nil
}

func newTestServer(t *testing.T, registrationEnabled bool) (*Server, *memstore.MemStore) {
	st := memstore.New()
	rec := reconciler.New(reconciler.DefaultConfig(), st, noopScheduler{}, noopDispatcher{}, noopEligible{})
	authP := &fakeAuthProvider{verifyIdentity: auth.Identity{UserID: "u1", Roles: []string{"node"}}}
	return New(st, authP, rec, registrationEnabled), st
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestRegistrationStatus_NeedsSetupWhenNoNodes(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/registration/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp registrationStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.NeedsSetup)
	assert.True(t, resp.RegistrationEnabled)
}

func TestRegisterMachineUser_DisabledReturnsForbidden(t *testing.T) {
	s, _ := newTestServer(t, false)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/register", registerRequest{Name: "n1", RuntimeType: models.RuntimeNative})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegisterMachineUser_EnabledIssuesCredentials(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/register", registerRequest{Name: "n1", RuntimeType: models.RuntimeNative})

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp credentialsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Contains(t, resp.UserID, "node:")
}

func TestRegisterMachineUser_MissingFieldReturnsValidationError(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/register", map[string]string{"name": "n1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetNode_UnknownReturns404(t *testing.T) {
	s, _ := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/nodes/ghost", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCordonNode_SetsUnschedulable(t *testing.T) {
	s, st := newTestServer(t, true)
	require.NoError(t, st.CreateNode(context.Background(), &models.Node{NodeID: "n1", Name: "node-1"}))

	rec := doRequest(t, s, http.MethodPost, "/api/v1/nodes/n1/cordon", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.True(t, got.Unschedulable)
}

func TestUpdateNodeLabels_ReplacesLabelSet(t *testing.T) {
	s, st := newTestServer(t, true)
	require.NoError(t, st.CreateNode(context.Background(), &models.Node{NodeID: "n1", Name: "node-1", Labels: map[string]string{"old": "1"}}))

	rec := doRequest(t, s, http.MethodPut, "/api/v1/nodes/n1/labels", map[string]string{"zone": "us-east"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zone": "us-east"}, got.Labels)
}

func TestCreatePack_DefaultsToPrivateVisibility(t *testing.T) {
	s, st := newTestServer(t, true)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/packs", createPackRequest{
		Name:       "demo",
		Version:    "1.0.0",
		RuntimeTag: models.RuntimeTagNodeOnly,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var p models.Pack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, models.VisibilityPrivate, p.Visibility)

	stored, err := st.GetPack(context.Background(), p.PackID)
	require.NoError(t, err)
	assert.Equal(t, "demo", stored.Name)
}

func TestCreateDeployment_PersistsAndTriggersReconcile(t *testing.T) {
	s, st := newTestServer(t, true)
	require.NoError(t, st.CreatePack(context.Background(), &models.Pack{PackID: "pack-1", Name: "demo", Version: "1.0.0"}))

	rec := doRequest(t, s, http.MethodPost, "/api/v1/deployments", createDeploymentRequest{
		Name:      "demo-deploy",
		Namespace: "default",
		PackID:    "pack-1",
		Replicas:  2,
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	var d models.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, models.DeploymentActive, d.Status)

	stored, err := st.GetDeployment(context.Background(), d.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Replicas)
}

func TestUpdateDeployment_AppliesPartialFields(t *testing.T) {
	s, st := newTestServer(t, true)
	now := time.Now()
	require.NoError(t, st.CreateDeployment(context.Background(), &models.Deployment{
		DeploymentID: "d1", Name: "demo", Namespace: "default", PackID: "pack-1",
		Replicas: 1, Status: models.DeploymentActive, CreatedAt: now, UpdatedAt: now,
	}))

	replicas := 5
	rec := doRequest(t, s, http.MethodPut, "/api/v1/deployments/d1", updateDeploymentRequest{Replicas: &replicas})
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetDeployment(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Replicas)
}

func TestPauseThenResumeDeployment_TogglesStatus(t *testing.T) {
	s, st := newTestServer(t, true)
	now := time.Now()
	require.NoError(t, st.CreateDeployment(context.Background(), &models.Deployment{
		DeploymentID: "d1", Name: "demo", Namespace: "default", PackID: "pack-1",
		Replicas: 1, Status: models.DeploymentActive, CreatedAt: now, UpdatedAt: now,
	}))

	rec := doRequest(t, s, http.MethodPost, "/api/v1/deployments/d1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := st.GetDeployment(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentPaused, got.Status)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/deployments/d1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = st.GetDeployment(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentActive, got.Status)
}

func TestRefreshToken_InvalidTokenReturnsAuthFailed(t *testing.T) {
	s, _ := newTestServer(t, true)
	s.authProvider = &fakeAuthProvider{verifyErr: assertAnError{}}

	rec := doRequest(t, s, http.MethodPost, "/api/v1/refresh", refreshRequest{RefreshToken: "bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type assertAnError struct{}

func (assertAnError) Error() string { return "invalid token" }

func TestRequestIDMiddleware_EchoesSuppliedHeader(t *testing.T) {
	s, _ := newTestServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/registration/status", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
}
