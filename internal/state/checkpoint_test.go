package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratum-dmt/stratum/internal/value"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// S4 — resume after crash, spec.md §8: a checkpoint committed before a
// simulated crash is exactly what a fresh Manager over the same store
// reports back, so pagination can resume from it.
func TestS4CheckpointSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureRun(ctx, "hash-1", "run-1", "digest-1"))

	m := NewManager(s)
	_, ok, err := m.Load(ctx, "hash-1", "orders")
	require.NoError(t, err)
	require.False(t, ok, "no checkpoint before first commit")

	cursor := value.Cursor{CursorValue: value.Int64(1000)}
	require.NoError(t, m.Commit(ctx, "hash-1", "orders", "batch-1", cursor, 500, 20000, "working"))

	// Simulate a crash: build a fresh Manager over the same store.
	m2 := NewManager(s)
	ckp, ok, err := m2.Load(ctx, "hash-1", "orders")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), mustInt64(ckp.Cursor.CursorValue))
	require.Equal(t, int64(500), ckp.RowsProcessed)
	require.Equal(t, int64(20000), ckp.BytesTransferred)
	require.Equal(t, "batch-1", ckp.LastBatchID)

	committed, err := m2.WasCommitted(ctx, "hash-1", "orders", "batch-1")
	require.NoError(t, err)
	require.True(t, committed)

	committed, err = m2.WasCommitted(ctx, "hash-1", "orders", "batch-0")
	require.NoError(t, err)
	require.False(t, committed)
}

func TestCheckpointCommitAccumulatesCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureRun(ctx, "hash-2", "run-2", "digest-2"))
	m := NewManager(s)

	require.NoError(t, m.Commit(ctx, "hash-2", "items", "b1",
		value.Cursor{CursorValue: value.Int64(10)}, 100, 1000, "working"))
	require.NoError(t, m.Commit(ctx, "hash-2", "items", "b2",
		value.Cursor{CursorValue: value.Int64(20)}, 100, 1000, "working"))

	ckp, ok, err := m.Load(ctx, "hash-2", "items")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(200), ckp.RowsProcessed)
	require.Equal(t, int64(2000), ckp.BytesTransferred)
	require.Equal(t, int64(20), mustInt64(ckp.Cursor.CursorValue))

	// Compaction: only the latest batch id survives in the wal.
	committed, err := m.WasCommitted(ctx, "hash-2", "items", "b1")
	require.NoError(t, err)
	require.False(t, committed, "wal compacts below the live checkpoint")

	committed, err = m.WasCommitted(ctx, "hash-2", "items", "b2")
	require.NoError(t, err)
	require.True(t, committed)
}

func mustInt64(v value.Value) int64 {
	i, _ := v.AsInt64()
	return i
}
