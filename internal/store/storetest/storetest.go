// Package storetest holds behaviour tests every store.Store backend must pass.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/queue"
	"holdingsitems/internal/store"
)

const agency = 700000

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) store.Store

// Run executes the suite against the backend.
func Run(t *testing.T, open Opener) {
	t.Run("LoadCreatesRoot", func(t *testing.T) { testLoadCreatesRoot(t, open(t)) })
	t.Run("SaveRoundTrip", func(t *testing.T) { testSaveRoundTrip(t, open(t)) })
	t.Run("RollbackDiscards", func(t *testing.T) { testRollbackDiscards(t, open(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, open(t)) })
	t.Run("UnstorableStatus", func(t *testing.T) { testUnstorableStatus(t, open(t)) })
	t.Run("RootLockSerializesWriters", func(t *testing.T) { testRootLock(t, open(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, open(t)) })
	t.Run("Supersedes", func(t *testing.T) { testSupersedes(t, open(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, open(t)) })
}

func ts(sec int) time.Time {
	return time.Date(2024, 3, 1, 12, 0, sec, 0, time.UTC)
}

// Sample is a two issue aggregate with every optional field populated once.
func Sample(recordID string) *holdings.BibliographicItem {
	delivery := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	lastLoan := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	root := holdings.NewBibliographicItem(agency, recordID)
	root.Note = "note"
	root.FirstAccessionDate = time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)
	root.Modified = ts(1)
	root.TrackingID = "t-1"
	root.Issues["i1"] = &holdings.Issue{
		IssueID:          "i1",
		IssueText:        "vol 1",
		ExpectedDelivery: &delivery,
		ReadyForLoan:     2,
		Complete:         ts(1),
		Modified:         ts(1),
		Created:          ts(0),
		Updated:          ts(1),
		TrackingID:       "t-1",
		Items: map[string]*holdings.Item{
			"a": {
				ItemID: "a", Branch: "Main", BranchID: "b1", Department: "Adult",
				Location: "Shelf", SubLocation: "Top", CirculationRule: "std",
				AccessionDate:   time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC),
				LoanRestriction: "none", LastLoanDate: &lastLoan,
				Status: holdings.StatusOnLoan, Modified: ts(1), Created: ts(0), TrackingID: "t-1",
			},
		},
	}
	root.Issues["i2"] = &holdings.Issue{
		IssueID:      "i2",
		ReadyForLoan: holdings.ReadyForLoanUnknown,
		Modified:     ts(1),
		Created:      ts(0),
		Updated:      ts(1),
		TrackingID:   "t-1",
		Items: map[string]*holdings.Item{
			"b": {
				ItemID: "b", Branch: "Main", AccessionDate: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
				Status: holdings.StatusOnShelf, Modified: ts(1), Created: ts(0), TrackingID: "t-1",
			},
		},
	}
	return root
}

func write(t *testing.T, s store.Store, root *holdings.BibliographicItem) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	loaded, _, err := tx.LoadForUpdate(ctx, root.AgencyID, root.BibliographicRecordID)
	require.NoError(t, err)
	root.Version = loaded.Version
	require.NoError(t, tx.Save(ctx, root))
	require.NoError(t, tx.Commit())
}

func testLoadCreatesRoot(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Snapshot(ctx, agency, "new")
	require.ErrorIs(t, err, holdings.ErrNotFound)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	root, created, err := tx.LoadForUpdate(ctx, agency, "new")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, root.Issues)
	require.NoError(t, tx.Commit())

	got, err := s.Snapshot(ctx, agency, "new")
	require.NoError(t, err)
	assert.Equal(t, "new", got.BibliographicRecordID)
	assert.Empty(t, got.Issues)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	_, created, err = tx.LoadForUpdate(ctx, agency, "new")
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, tx.Rollback())
}

func testSaveRoundTrip(t *testing.T, s store.Store) {
	defer s.Close()
	want := Sample("rec1")
	write(t, s, want)
	assert.Equal(t, 1, want.Version)

	got, err := s.Snapshot(context.Background(), agency, "rec1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a second save replaces the children wholesale
	delete(want.Issues, "i2")
	write(t, s, want)
	got, err = s.Snapshot(context.Background(), agency, "rec1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, []string{"i1"}, got.IssueIDs())
}

func testRollbackDiscards(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	write(t, s, Sample("rec1"))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	root, _, err := tx.LoadForUpdate(ctx, agency, "rec1")
	require.NoError(t, err)
	root.RemoveIssue("i1")
	require.NoError(t, tx.Save(ctx, root))
	require.NoError(t, tx.Enqueue(ctx, queue.Job{Supplier: "solr", AgencyID: agency, BibliographicRecordID: "rec1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, tx.Rollback())

	got, err := s.Snapshot(ctx, agency, "rec1")
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, got.IssueIDs())
	assert.Equal(t, 1, got.Version)

	jobs, err := s.PendingJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testVersionConflict(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	write(t, s, Sample("rec1"))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	root, _, err := tx.LoadForUpdate(ctx, agency, "rec1")
	require.NoError(t, err)
	root.Version = 7
	err = tx.Save(ctx, root)
	require.ErrorIs(t, err, holdings.ErrConflict)
}

func testUnstorableStatus(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	root, _, err := tx.LoadForUpdate(ctx, agency, "rec1")
	require.NoError(t, err)
	issue, _ := root.EnsureIssue("i1", ts(0))
	issue.Items["x"] = &holdings.Item{ItemID: "x", Status: holdings.StatusDecommissioned}
	err = tx.Save(ctx, root)
	require.ErrorIs(t, err, holdings.ErrInvariant)
}

func testRootLock(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	write(t, s, Sample("rec1"))

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	root1, _, err := tx1.LoadForUpdate(ctx, agency, "rec1")
	require.NoError(t, err)

	type result struct {
		root *holdings.BibliographicItem
		err  error
	}
	second := make(chan result, 1)
	go func() {
		tx2, err := s.Begin(ctx)
		if err != nil {
			second <- result{err: err}
			return
		}
		defer tx2.Rollback()
		root, _, err := tx2.LoadForUpdate(ctx, agency, "rec1")
		second <- result{root: root, err: err}
	}()

	select {
	case <-second:
		t.Fatal("second writer acquired a locked root")
	case <-time.After(100 * time.Millisecond):
	}

	root1.Note = "first"
	require.NoError(t, tx1.Save(ctx, root1))
	require.NoError(t, tx1.Commit())

	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, "first", res.root.Note)
		assert.Equal(t, 2, res.root.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("second writer never acquired the root")
	}
}

func testOutbox(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, supplier := range []string{"solr", "ims", "solr"} {
		require.NoError(t, tx.Enqueue(ctx, queue.Job{
			Supplier:              supplier,
			AgencyID:              agency,
			BibliographicRecordID: "rec1",
			Payload:               json.RawMessage(`{"a":{"newStatus":"OnShelf"}}`),
			TrackingID:            "t-1",
		}))
	}
	require.NoError(t, tx.Commit())

	jobs, err := s.PendingJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Less(t, jobs[0].ID, jobs[1].ID)
	assert.Equal(t, "solr", jobs[0].Supplier)
	assert.Equal(t, "ims", jobs[1].Supplier)
	assert.JSONEq(t, `{"a":{"newStatus":"OnShelf"}}`, string(jobs[0].Payload))
	assert.Equal(t, "t-1", jobs[0].TrackingID)
	assert.False(t, jobs[0].Created.IsZero())

	require.NoError(t, s.AckJobs(ctx, []int64{jobs[0].ID, jobs[1].ID}))
	rest, err := s.PendingJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "solr", rest[0].Supplier)
}

func testSupersedes(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Superseding(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSupersedes(ctx, holdings.Supersedes{Superseded: "old", Superseding: "mid", Modified: ts(1)}))
	require.NoError(t, s.PutSupersedes(ctx, holdings.Supersedes{Superseded: "older", Superseding: "new", Modified: ts(2)}))
	require.NoError(t, s.PutSupersedes(ctx, holdings.Supersedes{Superseded: "old", Superseding: "new", Modified: ts(3)}))

	edge, ok, err := s.Superseding(ctx, "old")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", edge.Superseding)
	assert.True(t, ts(3).Equal(edge.Modified))

	edges, err := s.SupersededBy(ctx, "new")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "old", edges[0].Superseded)
	assert.Equal(t, "older", edges[1].Superseded)

	edges, err = s.SupersededBy(ctx, "mid")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func testPurge(t *testing.T, s store.Store) {
	defer s.Close()
	ctx := context.Background()
	write(t, s, Sample("rec1"))

	existed, err := s.Purge(ctx, agency, "rec1")
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = s.Snapshot(ctx, agency, "rec1")
	require.ErrorIs(t, err, holdings.ErrNotFound)

	existed, err = s.Purge(ctx, agency, "rec1")
	require.NoError(t, err)
	assert.False(t, existed)

	// the record can be written again from scratch
	write(t, s, Sample("rec1"))
	got, err := s.Snapshot(ctx, agency, "rec1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.ItemCount())
}
