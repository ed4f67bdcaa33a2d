// Package scheduler selects an eligible node for a pending pod (component
// D). The candidate pipeline shape (build candidates → filter → pick
// lowest cost) is grounded on the teacher's internal/services/
// agent_selector.go; taint/toleration matching follows
// jonathan-innis-karpenter-core's Taints.Tolerates / toleratePreferNoSchedule
// pattern, since the teacher's selector has no taint concept.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/fleetforge/orchestrator/internal/apperrors"
	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/store"
)

// Result is a successful placement decision.
type Result struct {
	NodeID      string
	Incarnation int64
}

// Scheduler places pending pods onto eligible nodes.
type Scheduler struct {
	store store.Store
	rand  *rand.Rand
}

// New constructs a Scheduler. randSource may be nil to use a source with
// the fixed seed 1.
func New(st store.Store, randSource *rand.Rand) *Scheduler {
	if randSource == nil {
		randSource = rand.New(rand.NewSource(1))
	}
	return &Scheduler{store: st, rand: randSource}
}

// candidate is a node paired with the tie-break signals computed for it.
type candidate struct {
	node                       *models.Node
	untoleratedPreferNoSchedule int
	freeMin                    float64
}

// Schedule selects an eligible node for pod p, which belongs to pack pack
// and was requested by requesterID (used for the pack-visibility filter).
// On success it increments the chosen node's allocated vector and persists
// it before returning the decision. The pod itself is not written here: the
// caller marks it scheduled in a separate store write, so the node update
// and the pod update are not atomic with each other.
func (s *Scheduler) Schedule(ctx context.Context, p *models.Pod, pack *models.Pack, requesterID string) (*Result, error) {
	nodes, err := s.store.ListOnlineNodes(ctx)
	if err != nil {
		return nil, apperrors.Internal(err.Error())
	}

	candidates, unmet := s.filter(nodes, p, pack, requesterID)
	if len(candidates) == 0 {
		return nil, apperrors.NoCompatibleNodes(fmt.Sprintf(
			"packRuntimeTag=%s requiredRuntime=%s unmetConstraints=%v",
			pack.RuntimeTag, pack.RuntimeTag.RequiredRuntime(), unmet))
	}

	chosen := s.tieBreak(candidates)

	chosen.node.Allocated = addResourceVector(chosen.node.Allocated, p.ResourceRequests)
	if err := s.store.UpdateNode(ctx, chosen.node); err != nil {
		return nil, apperrors.Internal(err.Error())
	}

	return &Result{NodeID: chosen.node.NodeID}, nil
}

// filter runs the six-step candidate pipeline from spec §4.D steps 1-5
// (step 6, tie-break, is separate). It returns the surviving candidates and
// a list of constraint names that caused at least one node to be rejected,
// for the structured NO_COMPATIBLE_NODES failure detail.
func (s *Scheduler) filter(nodes []*models.Node, p *models.Pod, pack *models.Pack, requesterID string) ([]candidate, []string) {
	var out []candidate
	unmetSet := map[string]bool{}

	requiredRuntime := pack.RuntimeTag.RequiredRuntime()

	for _, n := range nodes {
		if n.Unschedulable {
			unmetSet["unschedulable"] = true
			continue
		}
		if !pack.AccessibleTo(requesterID) {
			unmetSet["visibility"] = true
			continue
		}
		if requiredRuntime != "" && n.RuntimeType != requiredRuntime {
			unmetSet["runtimeType"] = true
			continue
		}
		if pack.Metadata.MinRuntimeVersion != "" && !versionSatisfies(n.CapabilitiesVersion(), pack.Metadata.MinRuntimeVersion) {
			unmetSet["minRuntimeVersion"] = true
			continue
		}
		if !p.Scheduling.NodeSelector.Matches(n.Labels) {
			unmetSet["nodeSelector"] = true
			continue
		}
		if !p.Tolerations.ToleratesAll(n.Taints) {
			unmetSet["taints"] = true
			continue
		}
		if !models.Fits(n.Allocatable, n.Allocated, p.ResourceRequests) {
			unmetSet["resourceFit"] = true
			continue
		}

		out = append(out, candidate{
			node:                        n,
			untoleratedPreferNoSchedule: models.CountUntoleratedPreferNoSchedule(p.Tolerations, n.Taints),
			freeMin:                     models.MinFree(n.Allocatable, n.Allocated),
		})
	}

	unmet := make([]string, 0, len(unmetSet))
	for k := range unmetSet {
		unmet = append(unmet, k)
	}
	sort.Strings(unmet)
	return out, unmet
}

// tieBreak implements step 6: fewer untolerated PreferNoSchedule taints
// first, then more free resources, then random.
func (s *Scheduler) tieBreak(candidates []candidate) candidate {
	bestTaints := candidates[0].untoleratedPreferNoSchedule
	for _, c := range candidates {
		if c.untoleratedPreferNoSchedule < bestTaints {
			bestTaints = c.untoleratedPreferNoSchedule
		}
	}

	var leastTainted []candidate
	for _, c := range candidates {
		if c.untoleratedPreferNoSchedule == bestTaints {
			leastTainted = append(leastTainted, c)
		}
	}

	bestFree := leastTainted[0].freeMin
	for _, c := range leastTainted {
		if c.freeMin > bestFree {
			bestFree = c.freeMin
		}
	}

	var ties []candidate
	for _, c := range leastTainted {
		if c.freeMin == bestFree {
			ties = append(ties, c)
		}
	}

	if len(ties) == 1 {
		return ties[0]
	}
	return ties[s.rand.Intn(len(ties))]
}

func addResourceVector(a, b models.ResourceVector) models.ResourceVector {
	out := a.Clone()
	if out == nil {
		out = models.ResourceVector{}
	}
	for k, v := range b {
		out[k] += v
	}
	return out
}

// versionSatisfies reports whether nodeVersion is >= minVersion under
// simple dotted-numeric SemVer comparison (major.minor.patch), the
// comparison spec §4.D's runtime-version filter requires.
func versionSatisfies(nodeVersion, minVersion string) bool {
	if nodeVersion == "" {
		return false
	}
	return compareSemVer(nodeVersion, minVersion) >= 0
}
