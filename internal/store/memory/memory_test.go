package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/queue"
	"holdingsitems/internal/store"
	"holdingsitems/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestLoadForUpdateHonoursContext(t *testing.T) {
	s := New()
	tx1, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, _, err = tx1.LoadForUpdate(context.Background(), 1, "rec")
	require.NoError(t, err)
	defer tx1.Rollback()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tx2, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, _, err = tx2.LoadForUpdate(ctx, 1, "rec")
	require.ErrorIs(t, err, holdings.ErrConflict)
	require.NoError(t, tx2.Rollback())
}

func TestSnapshotIsolatedFromCaller(t *testing.T) {
	s := New()
	root := storetest.Sample("rec")
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, _, err = tx.LoadForUpdate(ctx, root.AgencyID, "rec")
	require.NoError(t, err)
	require.NoError(t, tx.Save(ctx, root))
	require.NoError(t, tx.Commit())

	root.Note = "changed after commit"
	snap, err := s.Snapshot(ctx, root.AgencyID, "rec")
	require.NoError(t, err)
	assert.Equal(t, "note", snap.Note)

	snap.Issues["i1"].Items["a"].Branch = "elsewhere"
	again, err := s.Snapshot(ctx, root.AgencyID, "rec")
	require.NoError(t, err)
	assert.Equal(t, "Main", again.Issues["i1"].Items["a"].Branch)
}

func TestCommitStampsOutboxJobs(t *testing.T) {
	s := New()
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Enqueue(ctx, queue.Job{Supplier: "solr", AgencyID: 1, BibliographicRecordID: "rec"}))
	require.NoError(t, tx.Commit())
	require.Error(t, tx.Commit())

	jobs, err := s.PendingJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, fixed, jobs[0].Created)
}

func TestLocksDroppedAfterPurge(t *testing.T) {
	s := New()
	root := storetest.Sample("rec")
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, _, err = tx.LoadForUpdate(ctx, root.AgencyID, "rec")
	require.NoError(t, err)
	require.NoError(t, tx.Save(ctx, root))
	require.NoError(t, tx.Commit())
	assert.Empty(t, s.locks)

	existed, err := s.Purge(ctx, root.AgencyID, "rec")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Empty(t, s.locks)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	_, created, err := tx.LoadForUpdate(ctx, root.AgencyID, "rec")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, s.locks, 1)
	require.NoError(t, tx.Rollback())
	assert.Empty(t, s.locks)
}

func TestTimedOutWaiterDropsLockRef(t *testing.T) {
	s := New()
	tx1, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, _, err = tx1.LoadForUpdate(context.Background(), 1, "rec")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tx2, err := s.Begin(context.Background())
	require.NoError(t, err)
	_, _, err = tx2.LoadForUpdate(ctx, 1, "rec")
	require.Error(t, err)
	require.NoError(t, tx2.Rollback())
	require.Len(t, s.locks, 1)
	assert.Equal(t, 1, s.locks[key{1, "rec"}].refs)

	require.NoError(t, tx1.Rollback())
	assert.Empty(t, s.locks)
}
