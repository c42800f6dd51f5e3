// Package sqlstore persists holdings aggregates in PostgreSQL or SQLite.
//
// Roots are locked with SELECT ... FOR UPDATE on PostgreSQL. SQLite runs on a
// single connection so every transaction already owns the whole database.
// Saves compare and bump the root version, then replace the issue and item
// rows of the root.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/logger"
	"holdingsitems/internal/queue"
	"holdingsitems/internal/store"
)

// Store is a store.Store backed by database/sql.
type Store struct {
	db     *sql.DB
	d      dialect
	tracer trace.Tracer
	log    *logger.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Options configures Open.
type Options struct {
	Driver         string
	URL            string
	ConnectTimeout time.Duration
	Logger         *logger.Logger
}

// Open connects and pings with exponential backoff until ConnectTimeout.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	db, err := sql.Open(d.driver, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	ping := func() error { return db.PingContext(ctx) }
	notify := func(err error, wait time.Duration) {
		log.Warn("database not reachable, retrying", "driver", d.name, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(policy, ctx), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	s, err := New(db, d.name)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.log = log.With("service", "SQLStore", "driver", d.name)
	return s, nil
}

// New wraps an open database handle.
func New(db *sql.DB, driver string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		d:      d,
		tracer: otel.Tracer("holdingsitems/sqlstore"),
		log:    logger.Nop(),
		now:    time.Now,
	}, nil
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.migrate",
		trace.WithAttributes(attribute.String("db.system", s.d.name)))
	defer span.End()

	if _, err := s.db.ExecContext(ctx, s.d.schema); err != nil {
		span.RecordError(err)
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin transaction", err)
	}
	return &sqlTx{s: s, tx: tx}, nil
}

func (s *Store) Snapshot(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.snapshot",
		trace.WithAttributes(
			attribute.Int("agency.id", agencyID),
			attribute.String("record.id", recordID),
		),
	)
	defer span.End()

	// one transaction so the root and its children come from the same
	// committed state
	tx, err := s.db.BeginTx(ctx, s.d.snapshot)
	if err != nil {
		return nil, classify("begin snapshot", err)
	}
	defer tx.Rollback()

	root, err := s.loadRoot(ctx, tx, agencyID, recordID, "")
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, tx, root); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("commit snapshot", err)
	}
	span.SetAttributes(attribute.Int("items.loaded", root.ItemCount()))
	return root, nil
}

const rootQuery = `
	SELECT note, first_accession_date, modified, tracking_id, version
	FROM bibliographic_items
	WHERE agency_id = $1 AND bibliographic_record_id = $2`

func (s *Store) loadRoot(ctx context.Context, q queryer, agencyID int, recordID, suffix string) (*holdings.BibliographicItem, error) {
	root := holdings.NewBibliographicItem(agencyID, recordID)
	var first, modified sql.NullTime
	err := q.QueryRowContext(ctx, rootQuery+suffix, agencyID, recordID).
		Scan(&root.Note, &first, &modified, &root.TrackingID, &root.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %d/%s: %w", agencyID, recordID, holdings.ErrNotFound)
	}
	if err != nil {
		return nil, classify("load root", err)
	}
	root.FirstAccessionDate = fromNull(first)
	root.Modified = fromNull(modified)
	return root, nil
}

func (s *Store) loadChildren(ctx context.Context, q queryer, root *holdings.BibliographicItem) error {
	rows, err := q.QueryContext(ctx, `
		SELECT issue_id, issue_text, expected_delivery, ready_for_loan, complete, modified, created, updated, tracking_id
		FROM issues
		WHERE agency_id = $1 AND bibliographic_record_id = $2
	`, root.AgencyID, root.BibliographicRecordID)
	if err != nil {
		return classify("query issues", err)
	}
	for rows.Next() {
		issue := &holdings.Issue{Items: map[string]*holdings.Item{}}
		var delivery, complete, modified, created, updated sql.NullTime
		if err := rows.Scan(&issue.IssueID, &issue.IssueText, &delivery, &issue.ReadyForLoan,
			&complete, &modified, &created, &updated, &issue.TrackingID); err != nil {
			rows.Close()
			return classify("scan issue", err)
		}
		issue.ExpectedDelivery = fromNullPtr(delivery)
		issue.Complete = fromNull(complete)
		issue.Modified = fromNull(modified)
		issue.Created = fromNull(created)
		issue.Updated = fromNull(updated)
		root.Issues[issue.IssueID] = issue
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return classify("iterate issues", err)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `
		SELECT issue_id, item_id, branch, branch_id, department, location, sub_location,
		       circulation_rule, accession_date, loan_restriction, last_loan_date, status,
		       modified, created, tracking_id
		FROM items
		WHERE agency_id = $1 AND bibliographic_record_id = $2
	`, root.AgencyID, root.BibliographicRecordID)
	if err != nil {
		return classify("query items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			issueID, status                     string
			item                                holdings.Item
			accession, lastLoan, modified, made sql.NullTime
		)
		if err := rows.Scan(&issueID, &item.ItemID, &item.Branch, &item.BranchID, &item.Department,
			&item.Location, &item.SubLocation, &item.CirculationRule, &accession, &item.LoanRestriction,
			&lastLoan, &status, &modified, &made, &item.TrackingID); err != nil {
			return classify("scan item", err)
		}
		issue, ok := root.Issues[issueID]
		if !ok {
			return fmt.Errorf("%w: item %s references missing issue %s", holdings.ErrInvariant, item.ItemID, issueID)
		}
		if item.Status, err = holdings.ParseStatus(status); err != nil {
			return fmt.Errorf("%w: item %s: %v", holdings.ErrInvariant, item.ItemID, err)
		}
		item.AccessionDate = fromNull(accession)
		item.LastLoanDate = fromNullPtr(lastLoan)
		item.Modified = fromNull(modified)
		item.Created = fromNull(made)
		issue.Items[item.ItemID] = &item
	}
	if err := rows.Err(); err != nil {
		return classify("iterate items", err)
	}
	return nil
}

func (s *Store) SupersededBy(ctx context.Context, recordID string) ([]holdings.Supersedes, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.superseded_by",
		trace.WithAttributes(attribute.String("record.id", recordID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT superseded, superseding, modified
		FROM supersedes
		WHERE superseding = $1
		ORDER BY superseded ASC
	`, recordID)
	if err != nil {
		return nil, classify("query supersedes", err)
	}
	defer rows.Close()

	var edges []holdings.Supersedes
	for rows.Next() {
		var edge holdings.Supersedes
		if err := rows.Scan(&edge.Superseded, &edge.Superseding, &edge.Modified); err != nil {
			return nil, classify("scan supersedes", err)
		}
		edge.Modified = edge.Modified.UTC()
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate supersedes", err)
	}
	span.SetAttributes(attribute.Int("edges.loaded", len(edges)))
	return edges, nil
}

func (s *Store) Superseding(ctx context.Context, recordID string) (holdings.Supersedes, bool, error) {
	var edge holdings.Supersedes
	err := s.db.QueryRowContext(ctx, `
		SELECT superseded, superseding, modified FROM supersedes WHERE superseded = $1
	`, recordID).Scan(&edge.Superseded, &edge.Superseding, &edge.Modified)
	if errors.Is(err, sql.ErrNoRows) {
		return holdings.Supersedes{}, false, nil
	}
	if err != nil {
		return holdings.Supersedes{}, false, classify("query superseding", err)
	}
	edge.Modified = edge.Modified.UTC()
	return edge, true, nil
}

func (s *Store) PutSupersedes(ctx context.Context, edge holdings.Supersedes) error {
	ctx, span := s.tracer.Start(ctx, "sqlstore.put_supersedes",
		trace.WithAttributes(
			attribute.String("superseded", edge.Superseded),
			attribute.String("superseding", edge.Superseding),
		),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO supersedes (superseded, superseding, modified)
		VALUES ($1, $2, $3)
		ON CONFLICT (superseded) DO UPDATE
		SET superseding = EXCLUDED.superseding,
		    modified = EXCLUDED.modified
	`, edge.Superseded, edge.Superseding, edge.Modified.UTC())
	if err != nil {
		span.RecordError(err)
		return classify("upsert supersedes", err)
	}
	return nil
}

func (s *Store) Purge(ctx context.Context, agencyID int, recordID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.purge",
		trace.WithAttributes(
			attribute.Int("agency.id", agencyID),
			attribute.String("record.id", recordID),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := s.loadRoot(ctx, tx, agencyID, recordID, s.d.forUpdate); err != nil {
		if errors.Is(err, holdings.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := deleteChildren(ctx, tx, agencyID, recordID); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM bibliographic_items WHERE agency_id = $1 AND bibliographic_record_id = $2
	`, agencyID, recordID); err != nil {
		return false, classify("delete root", err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify("commit transaction", err)
	}
	span.SetAttributes(attribute.Bool("purge.success", true))
	return true, nil
}

// PendingJobs returns the oldest outbox rows in insertion order.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]queue.Job, error) {
	ctx, span := s.tracer.Start(ctx, "sqlstore.pending_jobs",
		trace.WithAttributes(attribute.Int("batch.size", limit)))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supplier, agency_id, bibliographic_record_id, payload, tracking_id, created
		FROM outbox
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify("query outbox", err)
	}
	defer rows.Close()

	var jobs []queue.Job
	for rows.Next() {
		var job queue.Job
		var payload []byte
		if err := rows.Scan(&job.ID, &job.Supplier, &job.AgencyID, &job.BibliographicRecordID,
			&payload, &job.TrackingID, &job.Created); err != nil {
			return nil, classify("scan outbox", err)
		}
		job.Payload = payload
		job.Created = job.Created.UTC()
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate outbox", err)
	}
	span.SetAttributes(attribute.Int("jobs.loaded", len(jobs)))
	return jobs, nil
}

// AckJobs deletes delivered outbox rows.
func (s *Store) AckJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM outbox WHERE id = $1`)
	if err != nil {
		return classify("prepare statement", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return classify(fmt.Sprintf("ack job %d", id), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

type sqlTx struct {
	s  *Store
	tx *sql.Tx
}

const createSavepoint = "load_root"

func (t *sqlTx) LoadForUpdate(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, bool, error) {
	ctx, span := t.s.tracer.Start(ctx, "sqlstore.load_for_update",
		trace.WithAttributes(
			attribute.Int("agency.id", agencyID),
			attribute.String("record.id", recordID),
		),
	)
	defer span.End()

	root, err := t.s.loadRoot(ctx, t.tx, agencyID, recordID, t.s.d.forUpdate)
	created := false
	if errors.Is(err, holdings.ErrNotFound) {
		root, created, err = t.create(ctx, agencyID, recordID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, false, err
	}
	if !created {
		if err := t.s.loadChildren(ctx, t.tx, root); err != nil {
			return nil, false, err
		}
	}
	span.SetAttributes(
		attribute.Bool("root.created", created),
		attribute.Int("root.version", root.Version),
	)
	return root, created, nil
}

// create inserts an empty root. A concurrent creator wins the unique key; the
// loser rolls back to the savepoint and locks the winner's row instead.
func (t *sqlTx) create(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, bool, error) {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+createSavepoint); err != nil {
		return nil, false, classify("savepoint", err)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bibliographic_items (agency_id, bibliographic_record_id, version)
		VALUES ($1, $2, 0)
	`, agencyID, recordID)
	if err == nil {
		if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+createSavepoint); err != nil {
			return nil, false, classify("release savepoint", err)
		}
		return holdings.NewBibliographicItem(agencyID, recordID), true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, classify("insert root", err)
	}

	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+createSavepoint); err != nil {
		return nil, false, classify("rollback to savepoint", err)
	}
	root, err := t.s.loadRoot(ctx, t.tx, agencyID, recordID, t.s.d.forUpdate)
	if errors.Is(err, holdings.ErrNotFound) {
		return nil, false, fmt.Errorf("create %d/%s: %w: root vanished after concurrent insert",
			agencyID, recordID, holdings.ErrConflict)
	}
	if err != nil {
		return nil, false, err
	}
	if err := t.s.loadChildren(ctx, t.tx, root); err != nil {
		return nil, false, err
	}
	return root, false, nil
}

func (t *sqlTx) Save(ctx context.Context, root *holdings.BibliographicItem) error {
	ctx, span := t.s.tracer.Start(ctx, "sqlstore.save",
		trace.WithAttributes(
			attribute.Int("agency.id", root.AgencyID),
			attribute.String("record.id", root.BibliographicRecordID),
			attribute.Int("expected.version", root.Version),
			attribute.Int("item.count", root.ItemCount()),
		),
	)
	defer span.End()

	if err := store.CheckStorable(root); err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE bibliographic_items
		SET note = $1, first_accession_date = $2, modified = $3, tracking_id = $4, version = $5
		WHERE agency_id = $6 AND bibliographic_record_id = $7 AND version = $8
	`, root.Note, toNull(root.FirstAccessionDate), toNull(root.Modified), root.TrackingID,
		root.Version+1, root.AgencyID, root.BibliographicRecordID, root.Version)
	if err != nil {
		return classify("update root", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("rows affected", err)
	}
	if n == 0 {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return fmt.Errorf("save %d/%s: %w: version %d is stale",
			root.AgencyID, root.BibliographicRecordID, holdings.ErrConflict, root.Version)
	}

	if err := deleteChildren(ctx, t.tx, root.AgencyID, root.BibliographicRecordID); err != nil {
		return err
	}
	if err := t.insertIssues(ctx, root); err != nil {
		return err
	}
	if err := t.insertItems(ctx, root); err != nil {
		return err
	}

	root.Version++
	span.SetAttributes(attribute.Bool("save.success", true))
	return nil
}

func deleteChildren(ctx context.Context, q queryer, agencyID int, recordID string) error {
	if _, err := q.ExecContext(ctx, `
		DELETE FROM items WHERE agency_id = $1 AND bibliographic_record_id = $2
	`, agencyID, recordID); err != nil {
		return classify("delete items", err)
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM issues WHERE agency_id = $1 AND bibliographic_record_id = $2
	`, agencyID, recordID); err != nil {
		return classify("delete issues", err)
	}
	return nil
}

func (t *sqlTx) insertIssues(ctx context.Context, root *holdings.BibliographicItem) error {
	if len(root.Issues) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO issues (agency_id, bibliographic_record_id, issue_id, issue_text, expected_delivery,
		                    ready_for_loan, complete, modified, created, updated, tracking_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		return classify("prepare statement", err)
	}
	defer stmt.Close()

	for _, issueID := range root.IssueIDs() {
		issue := root.Issues[issueID]
		_, err := stmt.ExecContext(ctx, root.AgencyID, root.BibliographicRecordID, issue.IssueID,
			issue.IssueText, toNullPtr(issue.ExpectedDelivery), issue.ReadyForLoan, toNull(issue.Complete),
			toNull(issue.Modified), toNull(issue.Created), toNull(issue.Updated), issue.TrackingID)
		if err != nil {
			return classify(fmt.Sprintf("insert issue %q", issue.IssueID), err)
		}
	}
	return nil
}

func (t *sqlTx) insertItems(ctx context.Context, root *holdings.BibliographicItem) error {
	if root.ItemCount() == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO items (agency_id, bibliographic_record_id, issue_id, item_id, branch, branch_id,
		                   department, location, sub_location, circulation_rule, accession_date,
		                   loan_restriction, last_loan_date, status, modified, created, tracking_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	if err != nil {
		return classify("prepare statement", err)
	}
	defer stmt.Close()

	var insertErr error
	root.Walk(func(issue *holdings.Issue, item *holdings.Item) {
		if insertErr != nil {
			return
		}
		_, err := stmt.ExecContext(ctx, root.AgencyID, root.BibliographicRecordID, issue.IssueID,
			item.ItemID, item.Branch, item.BranchID, item.Department, item.Location, item.SubLocation,
			item.CirculationRule, toNull(item.AccessionDate), item.LoanRestriction,
			toNullPtr(item.LastLoanDate), item.Status.String(), toNull(item.Modified),
			toNull(item.Created), item.TrackingID)
		if err != nil {
			insertErr = classify(fmt.Sprintf("insert item %q", item.ItemID), err)
		}
	})
	return insertErr
}

func (t *sqlTx) Enqueue(ctx context.Context, job queue.Job) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox (supplier, agency_id, bibliographic_record_id, payload, tracking_id, created)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.Supplier, job.AgencyID, job.BibliographicRecordID, string(job.Payload), job.TrackingID,
		t.s.now().UTC())
	if err != nil {
		return classify("insert outbox job", err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	return classify("commit transaction", t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("rollback transaction", err)
	}
	return nil
}

func toNull(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullPtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return toNull(*t)
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func fromNullPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
