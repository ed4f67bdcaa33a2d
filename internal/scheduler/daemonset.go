package scheduler

import (
	"context"

	"github.com/fleetforge/orchestrator/internal/models"
)

// EligibleForDaemonset computes the eligible-node set for a daemonset-mode
// deployment: the same filters as Schedule minus resource fit, since
// daemonset pods are pre-assigned rather than resource-checked against a
// shared pool. The pack-visibility filter is not applied either: every
// online node passing the remaining filters is eligible.
func (s *Scheduler) EligibleForDaemonset(ctx context.Context, d *models.Deployment, pack *models.Pack) ([]string, error) {
	nodes, err := s.store.ListOnlineNodes(ctx)
	if err != nil {
		return nil, err
	}

	requiredRuntime := pack.RuntimeTag.RequiredRuntime()
	var out []string

	for _, n := range nodes {
		if n.Unschedulable {
			continue
		}
		if requiredRuntime != "" && n.RuntimeType != requiredRuntime {
			continue
		}
		if pack.Metadata.MinRuntimeVersion != "" && !versionSatisfies(n.CapabilitiesVersion(), pack.Metadata.MinRuntimeVersion) {
			continue
		}
		if !d.Scheduling.NodeSelector.Matches(n.Labels) {
			continue
		}
		if !d.Tolerations.ToleratesAll(n.Taints) {
			continue
		}
		out = append(out, n.NodeID)
	}
	return out, nil
}
