// Package restapi is the thin REST admin surface named in spec §6 as
// "consumed by node self-registration and operator tooling, not specified
// here in detail." It is a direct pass-through to Store/auth.Provider.
package restapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetforge/orchestrator/internal/apperrors"
	"github.com/fleetforge/orchestrator/internal/auth"
	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/reconciler"
	"github.com/fleetforge/orchestrator/internal/store"
)

// Server wires the admin/self-service HTTP surface.
type Server struct {
	store               store.Store
	authProvider        auth.Provider
	reconciler          *reconciler.Reconciler
	registrationEnabled bool
}

// New constructs a Server. registrationEnabled gates the public
// self-registration endpoint the node-side agent's credential bootstrap
// calls on first run (spec §4.G).
func New(st store.Store, provider auth.Provider, rec *reconciler.Reconciler, registrationEnabled bool) *Server {
	return &Server{store: st, authProvider: provider, reconciler: rec, registrationEnabled: registrationEnabled}
}

// Router builds the gin engine with the middleware chain RequestID →
// Recovery → logger → security headers, grounded on the teacher's
// api/cmd/main.go setupRoutes ordering.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.Use(gin.Recovery())
	r.Use(loggingMiddleware())
	r.Use(securityHeadersMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/registration/status", s.registrationStatus)
		v1.POST("/register", s.registerMachineUser)
		v1.POST("/refresh", s.refreshToken)

		nodes := v1.Group("/nodes")
		{
			nodes.GET("", s.listNodes)
			nodes.GET("/:nodeId", s.getNode)
			nodes.POST("/:nodeId/cordon", s.cordonNode)
			nodes.POST("/:nodeId/uncordon", s.uncordonNode)
			nodes.PUT("/:nodeId/labels", s.updateNodeLabels)
			nodes.PUT("/:nodeId/taints", s.updateNodeTaints)
		}

		packs := v1.Group("/packs")
		{
			packs.POST("", s.createPack)
			packs.GET("/:packId", s.getPack)
		}

		deployments := v1.Group("/deployments")
		{
			deployments.POST("", s.createDeployment)
			deployments.GET("", s.listDeployments)
			deployments.GET("/:deploymentId", s.getDeployment)
			deployments.PUT("/:deploymentId", s.updateDeployment)
			deployments.POST("/:deploymentId/pause", s.pauseDeployment)
			deployments.POST("/:deploymentId/resume", s.resumeDeployment)
		}
	}
	return r
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestId", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	log := logger.Component("restapi")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", c.GetString("requestId")).
			Msg("request handled")
	}
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

func writeAppError(c *gin.Context, err error) {
	if ae, ok := err.(*apperrors.AppError); ok {
		c.JSON(ae.StatusCode, ae.ToPayload())
		return
	}
	c.JSON(http.StatusInternalServerError, apperrors.Internal(err.Error()).ToPayload())
}

type registrationStatusResponse struct {
	NeedsSetup          bool `json:"needsSetup"`
	RegistrationEnabled bool `json:"registrationEnabled"`
}

func (s *Server) registrationStatus(c *gin.Context) {
	nodes, err := s.store.ListNodes(c.Request.Context())
	if err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, registrationStatusResponse{
		NeedsSetup:          len(nodes) == 0,
		RegistrationEnabled: s.registrationEnabled,
	})
}

type registerRequest struct {
	Name        string             `json:"name" binding:"required"`
	RuntimeType models.RuntimeType `json:"runtimeType" binding:"required,oneof=native browser"`
}

type credentialsResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UserID       string    `json:"userId"`
}

func (s *Server) registerMachineUser(c *gin.Context) {
	if !s.registrationEnabled {
		writeAppError(c, apperrors.Forbidden("public registration is disabled"))
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}

	userID := "node:" + uuid.NewString()
	access, refresh, expiresAt, err := s.authProvider.IssueMachineToken(c.Request.Context(), userID, []string{"node"})
	if err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, credentialsResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		UserID:       userID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (s *Server) refreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}
	identity, err := s.authProvider.Verify(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeAppError(c, apperrors.AuthFailed("invalid refresh token"))
		return
	}
	access, refresh, expiresAt, err := s.authProvider.IssueMachineToken(c.Request.Context(), identity.UserID, identity.Roles)
	if err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, credentialsResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		UserID:       identity.UserID,
	})
}

func (s *Server) listNodes(c *gin.Context) {
	nodes, err := s.store.ListNodes(c.Request.Context())
	if err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (s *Server) getNode(c *gin.Context) {
	n, err := s.store.GetNode(c.Request.Context(), c.Param("nodeId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("node not found"))
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) cordonNode(c *gin.Context) {
	s.setUnschedulable(c, true)
}

func (s *Server) uncordonNode(c *gin.Context) {
	s.setUnschedulable(c, false)
}

func (s *Server) setUnschedulable(c *gin.Context, unschedulable bool) {
	n, err := s.store.GetNode(c.Request.Context(), c.Param("nodeId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("node not found"))
		return
	}
	n.Unschedulable = unschedulable
	n.UpdatedAt = time.Now()
	if err := s.store.UpdateNode(c.Request.Context(), n); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) updateNodeLabels(c *gin.Context) {
	var labels map[string]string
	if err := c.ShouldBindJSON(&labels); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}
	n, err := s.store.GetNode(c.Request.Context(), c.Param("nodeId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("node not found"))
		return
	}
	n.Labels = labels
	n.UpdatedAt = time.Now()
	if err := s.store.UpdateNode(c.Request.Context(), n); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) updateNodeTaints(c *gin.Context) {
	var taints []models.Taint
	if err := c.ShouldBindJSON(&taints); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}
	n, err := s.store.GetNode(c.Request.Context(), c.Param("nodeId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("node not found"))
		return
	}
	n.Taints = taints
	n.UpdatedAt = time.Now()
	if err := s.store.UpdateNode(c.Request.Context(), n); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, n)
}

type createPackRequest struct {
	Name       string              `json:"name" binding:"required"`
	Version    string              `json:"version" binding:"required"`
	RuntimeTag models.RuntimeTag   `json:"runtimeTag" binding:"required,oneof=node-only browser-only universal"`
	BundlePath string              `json:"bundlePath"`
	Metadata   models.PackMetadata `json:"metadata"`
	Visibility models.Visibility   `json:"visibility" binding:"omitempty,oneof=private public"`
}

func (s *Server) createPack(c *gin.Context) {
	var req createPackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}
	userID, _ := c.Get("userId")
	ownerID, _ := userID.(string)

	p := &models.Pack{
		PackID:     uuid.NewString(),
		Name:       req.Name,
		Version:    req.Version,
		RuntimeTag: req.RuntimeTag,
		BundlePath: req.BundlePath,
		Metadata:   req.Metadata,
		OwnerID:    ownerID,
		Visibility: req.Visibility,
		CreatedAt:  time.Now(),
	}
	if p.Visibility == "" {
		p.Visibility = models.VisibilityPrivate
	}
	if err := s.store.CreatePack(c.Request.Context(), p); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) getPack(c *gin.Context) {
	p, err := s.store.GetPack(c.Request.Context(), c.Param("packId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("pack not found"))
		return
	}
	c.JSON(http.StatusOK, p)
}

type createDeploymentRequest struct {
	Name             string                       `json:"name" binding:"required"`
	Namespace        string                       `json:"namespace" binding:"required"`
	PackID           string                       `json:"packId" binding:"required"`
	PackVersion      string                       `json:"packVersion"`
	Replicas         int                          `json:"replicas" binding:"gte=0"`
	PodLabels        map[string]string            `json:"podLabels"`
	PodAnnotations   map[string]string            `json:"podAnnotations"`
	Tolerations      models.Tolerations           `json:"tolerations"`
	ResourceRequests models.ResourceVector        `json:"resourceRequests"`
	ResourceLimits   models.ResourceVector        `json:"resourceLimits"`
	Scheduling       models.SchedulingConstraints `json:"scheduling"`
	FollowLatest     bool                         `json:"followLatest"`
}

func (s *Server) createDeployment(c *gin.Context) {
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}
	now := time.Now()
	d := &models.Deployment{
		DeploymentID:     uuid.NewString(),
		Name:             req.Name,
		Namespace:        req.Namespace,
		PackID:           req.PackID,
		PackVersion:      req.PackVersion,
		Replicas:         req.Replicas,
		PodLabels:        req.PodLabels,
		PodAnnotations:   req.PodAnnotations,
		Tolerations:      req.Tolerations,
		ResourceRequests: req.ResourceRequests,
		ResourceLimits:   req.ResourceLimits,
		Scheduling:       req.Scheduling,
		FollowLatest:     req.FollowLatest,
		Status:           models.DeploymentActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateDeployment(c.Request.Context(), d); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	s.reconciler.TriggerReconcile()
	c.JSON(http.StatusCreated, d)
}

func (s *Server) listDeployments(c *gin.Context) {
	deployments, err := s.store.ListDeployments(c.Request.Context())
	if err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	c.JSON(http.StatusOK, deployments)
}

func (s *Server) getDeployment(c *gin.Context) {
	d, err := s.store.GetDeployment(c.Request.Context(), c.Param("deploymentId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("deployment not found"))
		return
	}
	c.JSON(http.StatusOK, d)
}

type updateDeploymentRequest struct {
	Replicas     *int  `json:"replicas"`
	FollowLatest *bool `json:"followLatest"`
	PackVersion  *string `json:"packVersion"`
}

func (s *Server) updateDeployment(c *gin.Context) {
	var req updateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, apperrors.Validation(err.Error()))
		return
	}
	d, err := s.store.GetDeployment(c.Request.Context(), c.Param("deploymentId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("deployment not found"))
		return
	}
	if req.Replicas != nil {
		d.Replicas = *req.Replicas
	}
	if req.FollowLatest != nil {
		d.FollowLatest = *req.FollowLatest
	}
	if req.PackVersion != nil {
		d.PackVersion = *req.PackVersion
	}
	d.UpdatedAt = time.Now()
	if err := s.store.UpdateDeployment(c.Request.Context(), d); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	s.reconciler.TriggerReconcile()
	c.JSON(http.StatusOK, d)
}

func (s *Server) pauseDeployment(c *gin.Context) {
	s.setDeploymentStatus(c, models.DeploymentPaused)
}

func (s *Server) resumeDeployment(c *gin.Context) {
	s.setDeploymentStatus(c, models.DeploymentActive)
}

func (s *Server) setDeploymentStatus(c *gin.Context, status models.DeploymentStatus) {
	d, err := s.store.GetDeployment(c.Request.Context(), c.Param("deploymentId"))
	if err != nil {
		writeAppError(c, apperrors.NotFound("deployment not found"))
		return
	}
	d.Status = status
	d.UpdatedAt = time.Now()
	if err := s.store.UpdateDeployment(c.Request.Context(), d); err != nil {
		writeAppError(c, apperrors.Internal(err.Error()))
		return
	}
	if status == models.DeploymentActive {
		s.reconciler.TriggerReconcile()
	}
	c.JSON(http.StatusOK, d)
}
