// Package reconciler is the deployment reconciler (component E): a
// single-flight-per-process loop that drives actual pod counts toward
// desired, performs rolling updates, detects crash loops, and triggers
// auto-rollback with exponential backoff. The select-loop shape (ticker
// plus a coalescing trigger channel) is grounded on the teacher's
// AgentHub.Run; the rollout/crash-loop/rollback state machine itself has
// no teacher precedent and is written directly from the specification.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/scheduler"
	"github.com/fleetforge/orchestrator/internal/store"
)

// Config holds component E's behavior-bearing knobs.
type Config struct {
	ReconcileInterval      time.Duration
	MaxConsecutiveFailures int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	FailureDetectionWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconcileInterval:      10 * time.Second,
		MaxConsecutiveFailures: 3,
		InitialBackoff:         60 * time.Second,
		MaxBackoff:             time.Hour,
		FailureDetectionWindow: 60 * time.Second,
	}
}

// Scheduler is the subset of the scheduler component the reconciler
// depends on, narrowed to an interface so tests can substitute a fake.
type Scheduler interface {
	Schedule(ctx context.Context, p *models.Pod, pack *models.Pack, requesterID string) (*scheduler.Result, error)
}

// Dispatcher is the subset of the dispatch component the reconciler needs.
type Dispatcher interface {
	Deploy(ctx context.Context, p *models.Pod, pack *models.Pack) error
	Stop(p *models.Pod, reason, message string) bool
}

// EligibleNodeLister computes the daemonset eligible-node set: the same
// filters as the scheduler minus resource fit and minus the pack-visibility
// check.
type EligibleNodeLister interface {
	EligibleForDaemonset(ctx context.Context, d *models.Deployment, pack *models.Pack) ([]string, error)
}

// Reconciler drives deployments toward their desired state.
type Reconciler struct {
	cfg        Config
	store      store.Store
	scheduler  Scheduler
	dispatcher Dispatcher
	eligible   EligibleNodeLister
	now        func() time.Time

	mu       sync.Mutex
	running  bool
	pending  bool
	trigger  chan struct{}
}

// New constructs a Reconciler.
func New(cfg Config, st store.Store, sched Scheduler, disp Dispatcher, eligible EligibleNodeLister) *Reconciler {
	return &Reconciler{
		cfg:        cfg,
		store:      st,
		scheduler:  sched,
		dispatcher: disp,
		eligible:   eligible,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
	}
}

// TriggerReconcile requests a reconcile pass. If one is already running,
// a single follow-up pass is coalesced (calling this N times in parallel
// during a cycle results in at most one additional pass, per spec §8).
func (r *Reconciler) TriggerReconcile() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run executes the reconcile loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

// runOnce guarantees single-flight: if a pass is already in progress, it
// records a pending follow-up and returns without starting a second
// concurrent pass.
func (r *Reconciler) runOnce(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.ReconcileAll(ctx)

	r.mu.Lock()
	r.running = false
	followUp := r.pending
	r.pending = false
	r.mu.Unlock()

	if followUp {
		r.runOnce(ctx)
	}
}

// ReconcileAll runs one pass over every active deployment. It is exported
// so tests can drive a deterministic tick without the ticker/trigger
// machinery.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	deployments, err := r.store.ListActiveDeployments(ctx)
	if err != nil {
		logger.Component("reconciler").Error().Err(err).Msg("list active deployments failed")
		return
	}

	for _, d := range deployments {
		if err := r.reconcileOne(ctx, d); err != nil {
			logger.Component("reconciler").Error().Err(err).Str("deploymentId", d.DeploymentID).Msg("reconcile failed")
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, d *models.Deployment) error {
	now := r.now()

	if err := r.applyFollowLatest(ctx, d, now); err != nil {
		return err
	}

	pods, err := r.store.ListPodsByDeployment(ctx, d.DeploymentID)
	if err != nil {
		return err
	}

	// Release the allocated-resource hold of any pod freshly observed in a
	// terminal state, per spec §3/§5's resource-accounting invariant: a
	// pod's node never keeps its allocation once the pod can no longer run.
	if err := r.releaseTerminatedAllocations(ctx, pods); err != nil {
		logger.Component("reconciler").Warn().Err(err).Str("deploymentId", d.DeploymentID).Msg("releasing terminated pod allocations failed")
	}

	// Pods left pending by a prior tick's step-3 shortfall creation are
	// placed now, before this tick's own crash-loop/rollout decisions.
	if err := r.schedulePendingPods(ctx, d, pods); err != nil {
		logger.Component("reconciler").Warn().Err(err).Str("deploymentId", d.DeploymentID).Msg("scheduling pending pods failed")
	}

	paused, err := r.detectCrashLoop(ctx, d, pods, now)
	if err != nil {
		return err
	}
	if paused {
		return r.updateCounts(ctx, d, pods)
	}

	pack, err := r.store.GetPack(ctx, d.PackID)
	if err != nil {
		return err
	}

	if d.Daemonset() {
		if err := r.reconcileDaemonset(ctx, d, pack, pods); err != nil {
			return err
		}
	} else {
		if err := r.reconcileReplicas(ctx, d, pods); err != nil {
			return err
		}
	}

	pods, err = r.store.ListPodsByDeployment(ctx, d.DeploymentID)
	if err != nil {
		return err
	}
	return r.updateCounts(ctx, d, pods)
}

// applyFollowLatest implements spec §4.E step 1.
func (r *Reconciler) applyFollowLatest(ctx context.Context, d *models.Deployment, now time.Time) error {
	if !d.FollowLatest {
		return nil
	}

	pack, err := r.store.GetPack(ctx, d.PackID)
	if err != nil {
		return err
	}
	latest, err := r.store.GetLatestPackVersion(ctx, pack.Name)
	if err != nil {
		return err
	}
	if latest.Version == d.PackVersion {
		return nil
	}
	if d.InFailureBackoff(now, latest.Version) {
		return nil
	}

	pods, err := r.store.ListPodsByDeployment(ctx, d.DeploymentID)
	if err != nil {
		return err
	}
	anyReadyOnOld := false
	for _, p := range pods {
		if p.PackVersion == d.PackVersion && (p.Status == models.PodRunning) {
			anyReadyOnOld = true
			break
		}
	}

	oldVersion := d.PackVersion
	d.PackVersion = latest.Version
	if anyReadyOnOld {
		d.LastSuccessfulVersion = oldVersion
	}
	d.UpdatedAt = now
	if err := r.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	return r.triggerRollingUpdate(ctx, pods, latest.Version, now)
}

// triggerRollingUpdate marks every non-terminal pod whose packVersion
// differs from newVersion as stopping.
func (r *Reconciler) triggerRollingUpdate(ctx context.Context, pods []*models.Pod, newVersion string, now time.Time) error {
	for _, p := range pods {
		if p.Status.Terminal() || p.PackVersion == newVersion {
			continue
		}
		p.Status = models.PodStopping
		p.StatusMessage = fmt.Sprintf("Rolling update to version %s", newVersion)
		p.UpdatedAt = now
		if err := r.store.UpdatePod(ctx, p); err != nil {
			return err
		}
		r.dispatcher.Stop(p, "rolling_update", p.StatusMessage)
	}
	return nil
}

// detectCrashLoop implements spec §4.E step 2, including the auto-rollback
// / pause decision. Returns true if the deployment is now paused (and
// therefore skipped for the remainder of this tick).
func (r *Reconciler) detectCrashLoop(ctx context.Context, d *models.Deployment, pods []*models.Pod, now time.Time) (bool, error) {
	recentFailures := 0
	anyRunningOnCurrent := false

	for _, p := range pods {
		if p.Status == models.PodRunning && p.PackVersion == d.PackVersion {
			anyRunningOnCurrent = true
		}
		if p.Status == models.PodFailed &&
			models.ShouldCountTowardCrashLoop(p.TerminationReason) &&
			now.Sub(p.UpdatedAt) <= r.cfg.FailureDetectionWindow {
			recentFailures++
		}
	}

	switch {
	case anyRunningOnCurrent && d.ConsecutiveFailures > 0:
		d.ConsecutiveFailures = 0
		d.FailedVersion = ""
		d.FailureBackoffUntil = nil
		d.LastSuccessfulVersion = d.PackVersion
		d.UpdatedAt = now
		return false, r.store.UpdateDeployment(ctx, d)

	case recentFailures > 0 && !anyRunningOnCurrent:
		newCount := d.ConsecutiveFailures + recentFailures
		if newCount >= r.cfg.MaxConsecutiveFailures {
			backoff := backoffDuration(r.cfg, newCount)
			if d.LastSuccessfulVersion != "" && d.LastSuccessfulVersion != d.PackVersion {
				previous := d.PackVersion
				d.PackVersion = d.LastSuccessfulVersion
				d.ConsecutiveFailures = 0
				d.FailedVersion = previous
				until := now.Add(backoff)
				d.FailureBackoffUntil = &until
				d.UpdatedAt = now
				if err := r.store.UpdateDeployment(ctx, d); err != nil {
					return false, err
				}
				return false, r.triggerRollingUpdate(ctx, pods, d.PackVersion, now)
			}
			d.Status = models.DeploymentPaused
			until := now.Add(backoff)
			d.FailureBackoffUntil = &until
			d.ConsecutiveFailures = newCount
			d.UpdatedAt = now
			return true, r.store.UpdateDeployment(ctx, d)
		}
		d.ConsecutiveFailures = newCount
		d.UpdatedAt = now
		return false, r.store.UpdateDeployment(ctx, d)

	default:
		return false, nil
	}
}

// backoffDuration implements backoff(n) = min(initialBackoffMs * 2^(n-1),
// maxBackoffMs).
func backoffDuration(cfg Config, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := cfg.InitialBackoff
	for i := 1; i < n; i++ {
		backoff *= 2
		if backoff >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	if backoff > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return backoff
}

// schedulePendingPods places every pod of d that is still pending: calls
// the scheduler for an eligible node and, on success, dispatches
// pod:deploy. A placement failure (NO_COMPATIBLE_NODES) is left pending
// and retried on the next tick rather than failing the pod outright.
func (r *Reconciler) schedulePendingPods(ctx context.Context, d *models.Deployment, pods []*models.Pod) error {
	pack, err := r.store.GetPack(ctx, d.PackID)
	if err != nil {
		return err
	}

	for _, p := range pods {
		if p.Status != models.PodPending {
			continue
		}

		result, err := r.scheduler.Schedule(ctx, p, pack, d.Name)
		if err != nil {
			logger.Component("reconciler").Debug().Err(err).Str("podId", p.PodID).Msg("pod remains pending: no placement this tick")
			continue
		}

		p.NodeID = result.NodeID
		p.Status = models.PodScheduled
		p.UpdatedAt = r.now()
		if err := r.store.UpdatePod(ctx, p); err != nil {
			return err
		}
		if err := r.dispatcher.Deploy(ctx, p, pack); err != nil {
			logger.Component("reconciler").Warn().Err(err).Str("podId", p.PodID).Msg("pod:deploy dispatch failed")
		}
	}
	return nil
}

// reconcileReplicas implements spec §4.E step 3, replica mode.
func (r *Reconciler) reconcileReplicas(ctx context.Context, d *models.Deployment, pods []*models.Pod) error {
	now := r.now()
	var active []*models.Pod
	for _, p := range pods {
		if p.Status.NonTerminal() {
			active = append(active, p)
		}
	}

	if len(active) < d.Replicas {
		shortfall := d.Replicas - len(active)
		for i := 0; i < shortfall; i++ {
			incarnation, err := r.store.GetNextIncarnation(ctx, d.DeploymentID)
			if err != nil {
				return err
			}
			p := &models.Pod{
				PodID:            uuid.NewString(),
				PackID:           d.PackID,
				PackVersion:      d.PackVersion,
				DeploymentID:     d.DeploymentID,
				Incarnation:      incarnation,
				Namespace:        d.Namespace,
				Status:           models.PodPending,
				ResourceRequests: d.ResourceRequests,
				ResourceLimits:   d.ResourceLimits,
				Labels:           d.PodLabels,
				Annotations:      d.PodAnnotations,
				Tolerations:      d.Tolerations,
				Scheduling:       d.Scheduling,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := r.store.CreatePod(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}

	if len(active) > d.Replicas {
		excess := len(active) - d.Replicas
		for _, p := range active {
			if excess == 0 {
				break
			}
			if p.Status == models.PodStopping {
				continue
			}
			p.Status = models.PodStopping
			p.UpdatedAt = now
			if err := r.store.UpdatePod(ctx, p); err != nil {
				return err
			}
			r.dispatcher.Stop(p, "scale_down", "")
			excess--
		}
	}

	return nil
}

// reconcileDaemonset implements spec §4.E step 3, daemonset mode.
func (r *Reconciler) reconcileDaemonset(ctx context.Context, d *models.Deployment, pack *models.Pack, pods []*models.Pod) error {
	now := r.now()
	nodeIDs, err := r.eligible.EligibleForDaemonset(ctx, d, pack)
	if err != nil {
		return err
	}

	hasPod := map[string]bool{}
	for _, p := range pods {
		if p.Status.NonTerminal() && p.NodeID != "" {
			hasPod[p.NodeID] = true
		}
	}

	for _, nodeID := range nodeIDs {
		if hasPod[nodeID] {
			continue
		}
		incarnation, err := r.store.GetNextIncarnation(ctx, d.DeploymentID)
		if err != nil {
			return err
		}
		p := &models.Pod{
			PodID:            uuid.NewString(),
			PackID:           d.PackID,
			PackVersion:      d.PackVersion,
			DeploymentID:     d.DeploymentID,
			Incarnation:      incarnation,
			Namespace:        d.Namespace,
			Status:           models.PodScheduled,
			NodeID:           nodeID,
			ResourceRequests: d.ResourceRequests,
			ResourceLimits:   d.ResourceLimits,
			Labels:           d.PodLabels,
			Annotations:      d.PodAnnotations,
			Tolerations:      d.Tolerations,
			Scheduling:       d.Scheduling,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := r.store.CreatePod(ctx, p); err != nil {
			return err
		}
		if err := r.dispatcher.Deploy(ctx, p, pack); err != nil {
			logger.Component("reconciler").Warn().Err(err).Str("podId", p.PodID).Msg("daemonset pod:deploy dispatch failed")
		}
	}
	return nil
}

// releaseTerminatedAllocations decrements the Allocated vector of every
// node carrying a pod that has reached a terminal status (stopped/failed/
// evicted) and not yet had its allocation released, resolving the open
// question in spec §9: the scheduler increments Allocated when it places a
// pod (scheduler.go's Schedule), and the reconciler is the only place that
// later observes a pod going terminal, so it owns the matching decrement.
// A pod already flagged AllocationReleased is skipped, so the same hold is
// never released twice across repeated ticks of a long-lived terminal pod.
func (r *Reconciler) releaseTerminatedAllocations(ctx context.Context, pods []*models.Pod) error {
	for _, p := range pods {
		if !p.Status.Terminal() || p.AllocationReleased || p.NodeID == "" {
			continue
		}

		n, err := r.store.GetNode(ctx, p.NodeID)
		if err != nil {
			logger.Component("reconciler").Warn().Err(err).Str("nodeId", p.NodeID).Str("podId", p.PodID).Msg("failed to load node to release allocation")
			continue
		}
		n.Allocated = models.SubtractResourceVector(n.Allocated, p.ResourceRequests)
		if err := r.store.UpdateNode(ctx, n); err != nil {
			return err
		}

		p.AllocationReleased = true
		if err := r.store.UpdatePod(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// updateCounts implements spec §4.E step 4.
func (r *Reconciler) updateCounts(ctx context.Context, d *models.Deployment, pods []*models.Pod) error {
	var active, ready, available int
	for _, p := range pods {
		if p.Status.NonTerminal() {
			active++
		}
		if p.Status == models.PodRunning {
			ready++
		}
		if p.Status == models.PodRunning || p.Status == models.PodStarting || p.Status == models.PodScheduled {
			available++
		}
	}
	if d.ReadyReplicas == ready && d.AvailableReplicas == available && d.TotalReplicas == active {
		return nil
	}
	d.ReadyReplicas = ready
	d.AvailableReplicas = available
	d.TotalReplicas = active
	d.UpdatedAt = r.now()
	return r.store.UpdateDeployment(ctx, d)
}
