// Package memory is an in-process Store. Each aggregate root has its own
// lock, held by the transaction that loaded it until commit or rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/queue"
	"holdingsitems/internal/store"
)

type key struct {
	agencyID int
	recordID string
}

// Store keeps committed aggregates as private deep copies.
type Store struct {
	mu        sync.Mutex
	roots     map[key]*holdings.BibliographicItem
	locks     map[key]*rootLock
	edges     map[string]holdings.Supersedes
	outbox    []queue.Job
	nextJobID int64
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		roots: map[key]*holdings.BibliographicItem{},
		locks: map[key]*rootLock{},
		edges: map[string]holdings.Supersedes{},
		now:   time.Now,
	}
}

// rootLock is held through its buffered slot. refs counts holders and
// waiters; the entry leaves the map when it drops to zero.
type rootLock struct {
	ch   chan struct{}
	refs int
}

func (s *Store) ref(k key) *rootLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &rootLock{ch: make(chan struct{}, 1)}
		s.locks[k] = l
	}
	l.refs++
	return l
}

func (s *Store) unref(k key, l *rootLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, k)
	}
}

func (s *Store) acquire(ctx context.Context, k key) error {
	l := s.ref(k)
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.unref(k, l)
		return fmt.Errorf("lock %d/%s: %w", k.agencyID, k.recordID, ctx.Err())
	}
}

func (s *Store) release(k key) {
	s.mu.Lock()
	l := s.locks[k]
	s.mu.Unlock()
	<-l.ch
	s.unref(k, l)
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{s: s, loaded: map[key]*entry{}}, nil
}

func (s *Store) Snapshot(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.roots[key{agencyID, recordID}]
	if !ok {
		return nil, fmt.Errorf("record %d/%s: %w", agencyID, recordID, holdings.ErrNotFound)
	}
	return root.Clone(), nil
}

func (s *Store) SupersededBy(ctx context.Context, recordID string) ([]holdings.Supersedes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []holdings.Supersedes
	for _, edge := range s.edges {
		if edge.Superseding == recordID {
			out = append(out, edge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Superseded < out[j].Superseded })
	return out, nil
}

func (s *Store) Superseding(ctx context.Context, recordID string) (holdings.Supersedes, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[recordID]
	return edge, ok, nil
}

func (s *Store) PutSupersedes(ctx context.Context, edge holdings.Supersedes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edge.Superseded] = edge
	return nil
}

func (s *Store) Purge(ctx context.Context, agencyID int, recordID string) (bool, error) {
	k := key{agencyID, recordID}
	if err := s.acquire(ctx, k); err != nil {
		return false, err
	}
	defer s.release(k)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.roots[k]
	delete(s.roots, k)
	return ok, nil
}

func (s *Store) PendingJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.outbox) {
		limit = len(s.outbox)
	}
	out := make([]queue.Job, limit)
	copy(out, s.outbox[:limit])
	return out, nil
}

func (s *Store) AckJobs(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	kept := s.outbox[:0]
	for _, job := range s.outbox {
		if !acked[job.ID] {
			kept = append(kept, job)
		}
	}
	s.outbox = kept
	return nil
}

func (s *Store) Close() error { return nil }

type entry struct {
	root    *holdings.BibliographicItem
	version int
	created bool
	saved   *holdings.BibliographicItem
}

type tx struct {
	s      *Store
	loaded map[key]*entry
	order  []key
	jobs   []queue.Job
	done   bool
}

func (t *tx) LoadForUpdate(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, bool, error) {
	if t.done {
		return nil, false, fmt.Errorf("transaction already finished")
	}
	k := key{agencyID, recordID}
	if e, ok := t.loaded[k]; ok {
		return e.root, e.created, nil
	}
	if err := t.s.acquire(ctx, k); err != nil {
		return nil, false, fmt.Errorf("%w: %v", holdings.ErrConflict, err)
	}

	t.s.mu.Lock()
	committed, ok := t.s.roots[k]
	t.s.mu.Unlock()

	e := &entry{}
	if ok {
		e.root = committed.Clone()
		e.version = committed.Version
	} else {
		e.root = holdings.NewBibliographicItem(agencyID, recordID)
		e.created = true
	}
	t.loaded[k] = e
	t.order = append(t.order, k)
	return e.root, e.created, nil
}

func (t *tx) Save(ctx context.Context, root *holdings.BibliographicItem) error {
	k := key{root.AgencyID, root.BibliographicRecordID}
	e, ok := t.loaded[k]
	if !ok {
		return fmt.Errorf("save %d/%s: root not loaded for update", k.agencyID, k.recordID)
	}
	if err := store.CheckStorable(root); err != nil {
		return err
	}
	if root.Version != e.version {
		return fmt.Errorf("save %d/%s: %w: version %d, expected %d",
			k.agencyID, k.recordID, holdings.ErrConflict, root.Version, e.version)
	}
	e.version++
	root.Version = e.version
	e.saved = root.Clone()
	return nil
}

func (t *tx) Enqueue(ctx context.Context, job queue.Job) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.jobs = append(t.jobs, job)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	t.s.mu.Lock()
	for _, k := range t.order {
		e := t.loaded[k]
		switch {
		case e.saved != nil:
			t.s.roots[k] = e.saved
		case e.created:
			t.s.roots[k] = holdings.NewBibliographicItem(k.agencyID, k.recordID)
		}
	}
	now := t.s.now().UTC()
	for _, job := range t.jobs {
		t.s.nextJobID++
		job.ID = t.s.nextJobID
		job.Created = now
		t.s.outbox = append(t.s.outbox, job)
	}
	t.s.mu.Unlock()

	t.releaseAll()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.releaseAll()
	return nil
}

func (t *tx) releaseAll() {
	for _, k := range t.order {
		t.s.release(k)
	}
}
