package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// inProcessReplica backs a second Grid with the same name so replication
// tests can assert the backup actually received the write.
type inProcessReplica struct {
	backup *Grid
}

func (r *inProcessReplica) ReplicatePut(ctx context.Context, mapName, key string, rec Record) error {
	s := shardFor(&r.backup.shards, key)
	s.mu.Lock()
	s.items[key] = rec
	s.mu.Unlock()
	return nil
}

func (r *inProcessReplica) ReplicateEvict(ctx context.Context, mapName, key string) error {
	s := shardFor(&r.backup.shards, key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func TestGrid_PutGet(t *testing.T) {
	g := NewGrid("positions", MapConfig{})
	ctx := context.Background()

	rec, err := g.Put(ctx, "B1:S1:2026-07-30", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.Version)

	got, ok := g.Get("B1:S1:2026-07-30")
	require.True(t, ok)
	require.Equal(t, 1000, got.Value)
}

func TestGrid_CompareAndSwap_ConflictOnStaleVersion(t *testing.T) {
	g := NewGrid("inventory", MapConfig{})
	ctx := context.Background()

	rec, err := g.Put(ctx, "S1", "v1")
	require.NoError(t, err)

	_, err = g.CompareAndSwap(ctx, "S1", rec.Version, "v2")
	require.NoError(t, err)

	_, err = g.CompareAndSwap(ctx, "S1", rec.Version, "v3-stale")
	require.Error(t, err)
}

func TestGrid_TTLExpiry(t *testing.T) {
	g := NewGrid("rules", MapConfig{TTL: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := g.Put(ctx, "K", "v")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, ok := g.Get("K")
	require.False(t, ok)

	removed := g.Sweep(ctx)
	require.Equal(t, 1, removed)
}

func TestGrid_SynchronousReplication(t *testing.T) {
	backup := NewGrid("positions", MapConfig{})
	primary := NewGrid("positions", MapConfig{BackupCount: 1}, &inProcessReplica{backup: backup})

	_, err := primary.Put(context.Background(), "B1:S1:2026-07-30", 500)
	require.NoError(t, err)

	got, ok := backup.Get("B1:S1:2026-07-30")
	require.True(t, ok)
	require.Equal(t, 500, got.Value)
}

func TestGrid_CoordinatedEviction(t *testing.T) {
	backup := NewGrid("limits", MapConfig{})
	primary := NewGrid("limits", MapConfig{BackupCount: 1, MaxSizePerNode: numShards}, &inProcessReplica{backup: backup})
	ctx := context.Background()

	for i := 0; i < numShards*3; i++ {
		_, err := primary.Put(ctx, string(rune('a'+i)), i)
		require.NoError(t, err)
	}

	require.LessOrEqual(t, primary.Len(), numShards*2)
	require.LessOrEqual(t, backup.Len(), primary.Len())
}

func TestGrid_Lease_ExclusiveUntilReleased(t *testing.T) {
	g := NewGrid("limits", MapConfig{})
	ctx := context.Background()

	lease, err := g.Lease(ctx, "client1:sec1:2026-07-30", 20*time.Millisecond)
	require.NoError(t, err)

	busyCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = g.Lease(busyCtx, "client1:sec1:2026-07-30", 20*time.Millisecond)
	require.Error(t, err)

	lease.Release()
	_, err = g.Lease(ctx, "client1:sec1:2026-07-30", 20*time.Millisecond)
	require.NoError(t, err)
}

func TestGrid_Lease_SelfExpiryAllowsReacquire(t *testing.T) {
	g := NewGrid("limits", MapConfig{})
	ctx := context.Background()

	_, err := g.Lease(ctx, "K", 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = g.Lease(ctx, "K", 5*time.Millisecond)
	require.NoError(t, err)
}
