package registry

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// unreachableClient returns a real *redis.Client dialing an address nothing
// listens on, with a short timeout so the degraded-mode assertions below
// don't hang waiting for a connection that will never succeed.
func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
}

func TestNewRedisMirror_DefaultsTTLWhenZero(t *testing.T) {
	m := NewRedisMirror(unreachableClient(), 0)
	assert.Equal(t, 45*time.Second, m.ttl)
}

func TestNewRedisMirror_KeepsExplicitTTL(t *testing.T) {
	m := NewRedisMirror(unreachableClient(), 10*time.Second)
	assert.Equal(t, 10*time.Second, m.ttl)
}

func TestPresenceKey_NamespacesByNodeID(t *testing.T) {
	assert.Equal(t, "fleetforge:node-presence:node-1", presenceKey("node-1"))
}

func TestRedisMirror_MarkOnline_DoesNotPanicWhenRedisUnreachable(t *testing.T) {
	m := NewRedisMirror(unreachableClient(), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NotPanics(t, func() {
		m.MarkOnline(ctx, "node-1", "replica-a")
	})
}

func TestRedisMirror_MarkOffline_SilentlyNoopsWhenRedisUnreachable(t *testing.T) {
	m := NewRedisMirror(unreachableClient(), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NotPanics(t, func() {
		m.MarkOffline(ctx, "node-1", "replica-a")
	})
}

func TestRedisMirror_AnyReplicaHas_FalseWhenRedisUnreachable(t *testing.T) {
	m := NewRedisMirror(unreachableClient(), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.False(t, m.AnyReplicaHas(ctx, "node-1"))
}

func TestRedisMirror_Close_ClosesUnderlyingClient(t *testing.T) {
	m := NewRedisMirror(unreachableClient(), time.Second)
	assert.NoError(t, m.Close())
}
