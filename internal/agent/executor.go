package agent

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge/orchestrator/internal/logger"
	"github.com/fleetforge/orchestrator/internal/models"
)

// PackRunner executes one instance of a pack. Implementations are
// runtime-specific (native process, browser-hosted, etc.); this package
// only orchestrates slot allocation and status reporting around whatever
// PackRunner is configured.
type PackRunner interface {
	// Run executes the pack synchronously until it exits or ctx is
	// cancelled (a cooperative-shutdown signal), returning the reason the
	// execution ended.
	Run(ctx context.Context, pack models.PackRef) models.TerminationReason
}

// Counters are the per-pod execution statistics included in metrics
// frames (spec §4.G).
type Counters struct {
	ExecutionCount        int
	SuccessfulExecutions  int
	FailedExecutions      int
	TotalExecutionTimeMs  int64
	RestartCount          int
}

type slot struct {
	podID      string
	cancel     context.CancelFunc
	stopping   bool
}

// StatusReporter is called whenever a pod's locally-tracked status
// changes, so the owning Agent can emit pod:status:update.
type StatusReporter func(podID string, status models.PodStatus, reason models.TerminationReason, message string)

// WorkerPool is a bounded set of worker slots executing Pack instances.
// Its shape is grounded on agents/docker-agent's container-slot model,
// generalized from Docker containers to the PackRunner abstraction.
type WorkerPool struct {
	mu       sync.Mutex
	capacity int
	slots    map[string]*slot // podID -> slot
	runner   PackRunner
	report   StatusReporter
	counters map[string]*Counters
}

// NewWorkerPool constructs a pool with the given number of slots.
func NewWorkerPool(capacity int, runner PackRunner, report StatusReporter) *WorkerPool {
	return &WorkerPool{
		capacity: capacity,
		slots:    make(map[string]*slot),
		runner:   runner,
		report:   report,
		counters: make(map[string]*Counters),
	}
}

// Available returns the number of free worker slots.
func (w *WorkerPool) Available() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capacity - len(w.slots)
}

// Total returns the pool's configured capacity.
func (w *WorkerPool) Total() int {
	return w.capacity
}

// ActiveCount returns the number of pods currently occupying a slot.
func (w *WorkerPool) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}

// Deploy allocates a slot for podID and starts execution in the
// background. Returns false if no slot is available.
func (w *WorkerPool) Deploy(podID string, pack models.PackRef) bool {
	w.mu.Lock()
	if len(w.slots) >= w.capacity {
		w.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &slot{podID: podID, cancel: cancel}
	w.slots[podID] = s
	if _, ok := w.counters[podID]; !ok {
		w.counters[podID] = &Counters{}
	}
	w.counters[podID].ExecutionCount++
	w.mu.Unlock()

	w.report(podID, models.PodStarting, "", "")

	go w.run(ctx, podID, pack, s)
	return true
}

func (w *WorkerPool) run(ctx context.Context, podID string, pack models.PackRef, s *slot) {
	w.report(podID, models.PodRunning, "", "")
	start := time.Now()

	reason := w.runner.Run(ctx, pack)

	elapsed := time.Since(start)

	w.mu.Lock()
	stopping := s.stopping
	delete(w.slots, podID)
	if c, ok := w.counters[podID]; ok {
		c.TotalExecutionTimeMs += elapsed.Milliseconds()
		if reason == models.ReasonAppExitOK {
			c.SuccessfulExecutions++
		} else {
			c.FailedExecutions++
		}
	}
	w.mu.Unlock()

	// Concurrent completion and stop are reconciled by a fixed rule: if
	// local status is stopping when the worker finishes, the outcome is
	// reported as stopped, not the worker's natural exit status (spec
	// §4.G).
	if stopping {
		w.report(podID, models.PodStopped, models.ReasonCancelled, "stopped during shutdown")
		return
	}

	status := models.PodStopped
	if reason != models.ReasonAppExitOK {
		status = models.PodFailed
	}
	w.report(podID, status, reason, "")
}

// Stop requests cooperative shutdown of podID's execution: the slot is
// marked stopping, ctx is cancelled, and after graceDeadline elapses
// without the goroutine exiting, the caller should force-terminate at the
// runner level (PackRunner.Run is expected to respect ctx cancellation
// within its own grace window).
func (w *WorkerPool) Stop(podID string, graceDeadline time.Duration) {
	w.mu.Lock()
	s, ok := w.slots[podID]
	if ok {
		s.stopping = true
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	w.report(podID, models.PodStopping, "", "")
	s.cancel()

	go func() {
		timer := time.NewTimer(graceDeadline)
		defer timer.Stop()
		<-timer.C
		w.mu.Lock()
		_, stillRunning := w.slots[podID]
		w.mu.Unlock()
		if stillRunning {
			logger.Component("agent").Warn().Str("podId", podID).Msg("grace deadline exceeded; relying on runner to force-terminate")
		}
	}()
}

// CountersFor returns a copy of podID's counters.
func (w *WorkerPool) CountersFor(podID string) Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.counters[podID]; ok {
		return *c
	}
	return Counters{}
}
