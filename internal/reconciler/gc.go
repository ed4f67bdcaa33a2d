package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetforge/orchestrator/internal/logger"
)

// GarbageCollector periodically sweeps terminal pods past a retention
// window. It is scheduled with robfig/cron/v3 rather than the reconcile
// loop's own ticker, since pod retention is a housekeeping concern on a
// much coarser cadence than reconciliation.
type GarbageCollector struct {
	store    podDeleter
	retention time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

type podDeleter interface {
	DeletePodsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// NewGarbageCollector constructs a collector that runs every interval,
// deleting terminal pods whose updatedAt is older than retention.
func NewGarbageCollector(st podDeleter, interval, retention time.Duration) (*GarbageCollector, error) {
	gc := &GarbageCollector{store: st, retention: retention, now: time.Now}
	gc.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval.String())
	if _, err := gc.cron.AddFunc(spec, gc.sweep); err != nil {
		return nil, err
	}
	return gc, nil
}

func (gc *GarbageCollector) sweep() {
	cutoff := gc.now().Add(-gc.retention)
	n, err := gc.store.DeletePodsOlderThan(context.Background(), cutoff)
	if err != nil {
		logger.Component("reconciler-gc").Error().Err(err).Msg("pod GC sweep failed")
		return
	}
	if n > 0 {
		logger.Component("reconciler-gc").Info().Int("deleted", n).Msg("pod GC swept terminal pods")
	}
}

// Start begins the cron schedule in the background.
func (gc *GarbageCollector) Start() {
	gc.cron.Start()
}

// Stop halts the cron schedule, blocking until any in-flight sweep
// completes.
func (gc *GarbageCollector) Stop() {
	<-gc.cron.Stop().Done()
}
