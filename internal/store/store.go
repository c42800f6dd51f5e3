// Package store defines the unit of work the reconciler runs against.
//
// A Tx owns the exclusive lock of every aggregate root it has loaded until
// Commit or Rollback. Roots are loaded whole, mutated in memory and written
// back with one Save per root; the version counter is compared and
// incremented on save.
package store

import (
	"context"
	"fmt"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/queue"
)

// Store is implemented by the memory and SQL backends.
type Store interface {
	// Begin opens a write transaction.
	Begin(ctx context.Context) (Tx, error)

	// Snapshot reads a root without locking. It returns holdings.ErrNotFound
	// when the record was never written for the agency.
	Snapshot(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, error)

	// SupersededBy returns the edges whose superseding side is recordID.
	SupersededBy(ctx context.Context, recordID string) ([]holdings.Supersedes, error)

	// Superseding returns the edge whose superseded side is recordID.
	Superseding(ctx context.Context, recordID string) (holdings.Supersedes, bool, error)

	// PutSupersedes inserts or replaces the edge for edge.Superseded.
	PutSupersedes(ctx context.Context, edge holdings.Supersedes) error

	// Purge deletes a root with everything it owns. It reports whether a
	// root existed.
	Purge(ctx context.Context, agencyID int, recordID string) (bool, error)

	// Outbox access for the relay.
	queue.Source

	Close() error
}

// Tx is a write transaction.
type Tx interface {
	// LoadForUpdate locks the root for (agencyID, recordID), creating it when
	// absent. created reports whether the root is new in this transaction.
	LoadForUpdate(ctx context.Context, agencyID int, recordID string) (root *holdings.BibliographicItem, created bool, err error)

	// Save writes a root previously returned by LoadForUpdate. It fails with
	// holdings.ErrConflict when the stored version moved and with
	// holdings.ErrInvariant when an item carries a status that cannot be
	// stored.
	Save(ctx context.Context, root *holdings.BibliographicItem) error

	// Enqueue appends a job to the outbox as part of this transaction.
	Enqueue(ctx context.Context, job queue.Job) error

	Commit() error
	Rollback() error
}

// CheckStorable rejects aggregates holding statuses that are readable but
// never written.
func CheckStorable(root *holdings.BibliographicItem) error {
	var bad error
	root.Walk(func(issue *holdings.Issue, item *holdings.Item) {
		if bad == nil && !item.Status.Storable() {
			bad = fmt.Errorf("%w: item %s/%s/%s has unstorable status %s", holdings.ErrInvariant,
				root.BibliographicRecordID, issue.IssueID, item.ItemID, item.Status)
		}
	})
	return bad
}
