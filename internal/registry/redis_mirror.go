package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetforge/orchestrator/internal/logger"
)

// RedisMirror publishes node presence into Redis so that other orchestrator
// replicas can answer "is nodeX connected anywhere" without a direct
// process-to-process call, grounded on the teacher's NewAgentHubWithRedis
// multi-pod support.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror constructs a mirror backed by client. ttl defaults to 45s
// (1.5x the default heartbeatTimeout) when zero.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl == 0 {
		ttl = 45 * time.Second
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func presenceKey(nodeID string) string {
	return "fleetforge:node-presence:" + nodeID
}

// MarkOnline records that nodeID is attached to this replica, identified by
// replicaID, with a TTL so a crashed replica's entries expire.
func (m *RedisMirror) MarkOnline(ctx context.Context, nodeID, replicaID string) {
	if err := m.client.Set(ctx, presenceKey(nodeID), replicaID, m.ttl).Err(); err != nil {
		logger.Component("registry").Warn().Err(err).Str("nodeId", nodeID).Msg("redis presence set failed")
	}
}

// MarkOffline removes the presence entry for nodeID, if it is still owned
// by replicaID (a stale entry from a different, newer replica is left
// alone).
func (m *RedisMirror) MarkOffline(ctx context.Context, nodeID, replicaID string) {
	val, err := m.client.Get(ctx, presenceKey(nodeID)).Result()
	if err != nil {
		return
	}
	if val == replicaID {
		m.client.Del(ctx, presenceKey(nodeID))
	}
}

// AnyReplicaHas reports whether some replica currently claims nodeID.
func (m *RedisMirror) AnyReplicaHas(ctx context.Context, nodeID string) bool {
	n, err := m.client.Exists(ctx, presenceKey(nodeID)).Result()
	return err == nil && n > 0
}

// Close closes the underlying Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
