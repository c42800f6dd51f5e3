package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/store"
	"holdingsitems/internal/store/storetest"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Driver: "sqlite", URL: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// setupTestDB connects to PostgreSQL from the PG* environment and skips the
// test when no server answers.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	env := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	return db
}

func openPostgres(t *testing.T) *Store {
	t.Helper()
	db := setupTestDB(t)
	s, err := New(db, "postgres")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	_, err = db.Exec(`TRUNCATE bibliographic_items, issues, items, supersedes, outbox RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openSQLite(t) })
}

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openPostgres(t) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
}

func TestItemIDUniqueWithinRecord(t *testing.T) {
	s := openSQLite(t)
	defer s.Close()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	root, _, err := tx.LoadForUpdate(ctx, 1, "rec")
	require.NoError(t, err)
	for _, issueID := range []string{"i1", "i2"} {
		issue, _ := root.EnsureIssue(issueID, storetest.Sample("x").Modified)
		issue.Items["dup"] = &holdings.Item{ItemID: "dup", Status: holdings.StatusOnShelf}
	}
	err = tx.Save(ctx, root)
	require.ErrorIs(t, err, holdings.ErrConflict)
}

func TestConcurrentCreatePostgres(t *testing.T) {
	s := openPostgres(t)
	defer s.Close()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	created := make(chan bool, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback()
			root, isNew, err := tx.LoadForUpdate(ctx, 1, "race")
			if err != nil {
				errs <- err
				return
			}
			if err := tx.Save(ctx, root); err != nil {
				errs <- err
				return
			}
			created <- isNew
			errs <- tx.Commit()
		}()
	}
	wg.Wait()
	close(created)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	n := 0
	for isNew := range created {
		if isNew {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one writer creates the root")

	got, err := s.Snapshot(ctx, 1, "race")
	require.NoError(t, err)
	assert.Equal(t, writers, got.Version)
}

func TestSnapshotIsNotTornByConcurrentSave(t *testing.T) {
	s := openPostgres(t)
	defer s.Close()
	ctx := context.Background()

	write := func(gen int) error {
		tx, err := s.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		root, _, err := tx.LoadForUpdate(ctx, 1, "torn")
		if err != nil {
			return err
		}
		mark := fmt.Sprintf("gen-%d", gen)
		root.Note = mark
		root.Issues = map[string]*holdings.Issue{}
		for _, issueID := range []string{"i1", "i2"} {
			issue := &holdings.Issue{IssueID: issueID, ReadyForLoan: gen, TrackingID: mark, Items: map[string]*holdings.Item{}}
			itemID := fmt.Sprintf("%s-%d", issueID, gen)
			issue.Items[itemID] = &holdings.Item{ItemID: itemID, Status: holdings.StatusOnShelf, TrackingID: mark}
			root.Issues[issueID] = issue
		}
		if err := tx.Save(ctx, root); err != nil {
			return err
		}
		return tx.Commit()
	}
	require.NoError(t, write(0))

	done := make(chan struct{})
	writerErr := make(chan error, 1)
	go func() {
		defer close(done)
		for gen := 1; gen <= 50; gen++ {
			if err := write(gen); err != nil {
				writerErr <- err
				return
			}
		}
	}()

	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		root, err := s.Snapshot(ctx, 1, "torn")
		require.NoError(t, err)
		require.Len(t, root.Issues, 2)
		root.Walk(func(issue *holdings.Issue, item *holdings.Item) {
			require.Equal(t, root.Note, issue.TrackingID)
			require.Equal(t, root.Note, item.TrackingID)
		})
	}
	select {
	case err := <-writerErr:
		require.NoError(t, err)
	default:
	}
}

func TestSnapshotOptions(t *testing.T) {
	pg := dialects["postgres"].snapshot
	require.NotNil(t, pg)
	assert.True(t, pg.ReadOnly)
	assert.Equal(t, sql.LevelRepeatableRead, pg.Isolation)
	assert.Nil(t, dialects["sqlite"].snapshot)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))

	unique := &pq.Error{Code: "23505"}
	assert.ErrorIs(t, classify("insert", unique), holdings.ErrConflict)

	serialization := &pq.Error{Code: "40001"}
	assert.ErrorIs(t, classify("update", serialization), holdings.ErrConflict)

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.ErrorIs(t, classify("update", busy), holdings.ErrConflict)

	other := errors.New("disk full")
	err := classify("write", other)
	assert.ErrorIs(t, err, holdings.ErrStorage)
	assert.ErrorIs(t, err, other)

	already := fmt.Errorf("x: %w", holdings.ErrNotFound)
	assert.Same(t, already, classify("read", already))
}

func TestDialectFor(t *testing.T) {
	d, err := dialectFor("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, " FOR UPDATE", d.forUpdate)

	d, err = dialectFor("sqlite3")
	require.NoError(t, err)
	assert.True(t, d.singleConn)
	assert.Empty(t, d.forUpdate)

	_, err = dialectFor("oracle")
	assert.Error(t, err)
}
