// Package memstore is an in-process Store implementation, used by unit
// tests and single-process deployments that don't need Postgres. Its
// map-plus-mutex shape follows the teacher's AgentHub connection map.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge/orchestrator/internal/models"
	"github.com/fleetforge/orchestrator/internal/store"
)

// MemStore is a goroutine-safe, in-memory Store.
type MemStore struct {
	mu sync.RWMutex

	nodes       map[string]*models.Node
	nodesByName map[string]string

	packs        map[string]*models.Pack
	latestByName map[string]string // pack name -> packID of latest version

	pods map[string]*models.Pod

	deployments map[string]*models.Deployment

	incarnations map[string]int64
}

// New constructs an empty MemStore.
func New() *MemStore {
	return &MemStore{
		nodes:        make(map[string]*models.Node),
		nodesByName:  make(map[string]string),
		packs:        make(map[string]*models.Pack),
		latestByName: make(map[string]string),
		pods:         make(map[string]*models.Pod),
		deployments:  make(map[string]*models.Deployment),
		incarnations: make(map[string]int64),
	}
}

func cloneNode(n *models.Node) *models.Node {
	cp := *n
	cp.Allocatable = n.Allocatable.Clone()
	cp.Allocated = n.Allocated.Clone()
	return &cp
}

func clonePod(p *models.Pod) *models.Pod {
	cp := *p
	return &cp
}

func cloneDeployment(d *models.Deployment) *models.Deployment {
	cp := *d
	return &cp
}

func (m *MemStore) CreateNode(_ context.Context, n *models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodesByName[n.Name]; exists {
		return store.ErrConflict
	}
	m.nodes[n.NodeID] = cloneNode(n)
	m.nodesByName[n.Name] = n.NodeID
	return nil
}

func (m *MemStore) GetNode(_ context.Context, nodeID string) (*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneNode(n), nil
}

func (m *MemStore) GetNodeByName(_ context.Context, name string) (*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nodesByName[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneNode(m.nodes[id]), nil
}

func (m *MemStore) UpdateNode(_ context.Context, n *models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.NodeID]; !ok {
		return store.ErrNotFound
	}
	m.nodes[n.NodeID] = cloneNode(n)
	return nil
}

func (m *MemStore) ListNodes(_ context.Context) ([]*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, cloneNode(n))
	}
	return out, nil
}

func (m *MemStore) ListOnlineNodes(ctx context.Context) ([]*models.Node, error) {
	all, err := m.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Node, 0, len(all))
	for _, n := range all {
		if n.Status == models.NodeOnline {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MemStore) GetPack(_ context.Context, packID string) (*models.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.packs[packID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) GetLatestPackVersion(_ context.Context, name string) (*models.Pack, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.latestByName[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.packs[id]
	return &cp, nil
}

func (m *MemStore) CreatePack(_ context.Context, p *models.Pack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.packs[p.PackID] = &cp
	// "Latest" is whichever pack for this name was created most recently;
	// callers create packs in version order.
	m.latestByName[p.Name] = p.PackID
	return nil
}

func (m *MemStore) CreatePod(_ context.Context, p *models.Pod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pods[p.PodID] = clonePod(p)
	return nil
}

func (m *MemStore) GetPod(_ context.Context, podID string) (*models.Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pods[podID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePod(p), nil
}

func (m *MemStore) UpdatePod(_ context.Context, p *models.Pod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pods[p.PodID]; !ok {
		return store.ErrNotFound
	}
	m.pods[p.PodID] = clonePod(p)
	return nil
}

func (m *MemStore) ListPodsByDeployment(_ context.Context, deploymentID string) ([]*models.Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Pod{}
	for _, p := range m.pods {
		if p.DeploymentID == deploymentID {
			out = append(out, clonePod(p))
		}
	}
	return out, nil
}

func (m *MemStore) ListPodsByNode(_ context.Context, nodeID string) ([]*models.Pod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*models.Pod{}
	for _, p := range m.pods {
		if p.NodeID == nodeID {
			out = append(out, clonePod(p))
		}
	}
	return out, nil
}

func (m *MemStore) DeletePodsOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, p := range m.pods {
		if p.Status.Terminal() && p.UpdatedAt.Before(cutoff) {
			delete(m.pods, id)
			count++
		}
	}
	return count, nil
}

func (m *MemStore) GetNextIncarnation(_ context.Context, deploymentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incarnations[deploymentID]++
	return m.incarnations[deploymentID], nil
}

func (m *MemStore) CreateDeployment(_ context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[d.DeploymentID] = cloneDeployment(d)
	return nil
}

func (m *MemStore) GetDeployment(_ context.Context, deploymentID string) (*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[deploymentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (m *MemStore) UpdateDeployment(_ context.Context, d *models.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.DeploymentID]; !ok {
		return store.ErrNotFound
	}
	m.deployments[d.DeploymentID] = cloneDeployment(d)
	return nil
}

func (m *MemStore) ListActiveDeployments(ctx context.Context) ([]*models.Deployment, error) {
	all, err := m.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Deployment, 0, len(all))
	for _, d := range all {
		if d.Status == models.DeploymentActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemStore) ListDeployments(_ context.Context) ([]*models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, cloneDeployment(d))
	}
	return out, nil
}

var _ store.Store = (*MemStore)(nil)
