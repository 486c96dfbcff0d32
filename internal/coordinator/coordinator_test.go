package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentorch/agentorch/internal/runnerbackend"
	"github.com/agentorch/agentorch/internal/store"
)

func TestGetBackendForRunnerSyncLocalHit(t *testing.T) {
	local := runnerbackend.NewRemote("http://unused", "secret", nil)
	c := New(nil, "secret", "runner-local", local)

	b, ok := c.GetBackendForRunnerSync("runner-local")
	require.True(t, ok, "expected local backend to be returned synchronously")
	require.Equal(t, runnerbackend.Backend(local), b, "expected the exact local backend instance")
}

func TestGetBackendForRunnerSyncCacheMiss(t *testing.T) {
	c := New(nil, "secret", "runner-local", nil)

	_, ok := c.GetBackendForRunnerSync("runner-remote-unseen")
	require.False(t, ok, "expected cache miss for an unseen runner id")
}

func TestBackendForCachesRemoteBackend(t *testing.T) {
	c := New(nil, "secret", "runner-local", nil)
	r := &store.Runner{ID: "runner-a", Host: "10.0.0.5", Port: 9000}

	b1 := c.backendFor(r)
	b2 := c.backendFor(r)
	require.Same(t, b1, b2, "expected backendFor to return the same cached instance on repeat calls")

	cached, ok := c.GetBackendForRunnerSync("runner-a")
	require.True(t, ok)
	require.Equal(t, b1, cached, "expected the cached backend to be visible via the sync accessor")
}

func TestEvictCacheRemovesEntry(t *testing.T) {
	c := New(nil, "secret", "runner-local", nil)
	r := &store.Runner{ID: "runner-b", Host: "10.0.0.6", Port: 9001}
	c.backendFor(r)

	c.evictCache("runner-b")

	_, ok := c.GetBackendForRunnerSync("runner-b")
	require.False(t, ok, "expected evictCache to remove the cache entry")
}
