// internal/reconcile/implementation.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"holdingsitems/internal/changes"
	"holdingsitems/internal/holdings"
	"holdingsitems/internal/logger"
	"holdingsitems/internal/queue"
	"holdingsitems/internal/store"
)

// CrossIssuePolicy decides what happens when a payload lists an item under
// a different issue than the one it is stored in.
type CrossIssuePolicy string

const (
	// PolicyMove moves the item to the payload's issue unless the stored item
	// is newer than the payload, in which case the entry is ignored.
	PolicyMove CrossIssuePolicy = "move"
	// PolicyKeep leaves the item in its stored issue and only updates fields.
	PolicyKeep CrossIssuePolicy = "keep"
)

// ParseCrossIssuePolicy accepts "move", "keep" or "" (move).
func ParseCrossIssuePolicy(raw string) (CrossIssuePolicy, error) {
	switch CrossIssuePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyMove:
		return PolicyMove, nil
	case PolicyKeep:
		return PolicyKeep, nil
	}
	return "", fmt.Errorf("unknown cross issue policy %q", raw)
}

// RecordResolver maps a record id to the id of the record that finally
// supersedes it.
type RecordResolver interface {
	ActualRecordID(ctx context.Context, recordID string) (string, error)
}

type identityResolver struct{}

func (identityResolver) ActualRecordID(_ context.Context, recordID string) (string, error) {
	return recordID, nil
}

// Options configures NewService. Zero values pick defaults.
type Options struct {
	Suppliers []string
	Policy    CrossIssuePolicy
	Clock     func() time.Time
	Resolver  RecordResolver
	Hooks     Hooks
	Logger    *logger.Logger
}

// service implements the Service interface.
type service struct {
	store     store.Store
	suppliers []string
	policy    CrossIssuePolicy
	clock     func() time.Time
	resolver  RecordResolver
	hooks     Hooks
	log       *logger.Logger
	tracer    trace.Tracer
}

// NewService creates a reconciler writing through st.
func NewService(st store.Store, opts Options) Service {
	s := &service{
		store:     st,
		suppliers: append([]string(nil), opts.Suppliers...),
		policy:    opts.Policy,
		clock:     opts.Clock,
		resolver:  opts.Resolver,
		hooks:     opts.Hooks,
		log:       opts.Logger,
		tracer:    otel.Tracer("holdingsitems/reconcile"),
	}
	if s.policy == "" {
		s.policy = PolicyMove
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.resolver == nil {
		s.resolver = identityResolver{}
	}
	if s.hooks == nil {
		s.hooks = NopHooks{}
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.With("service", "Reconciler")
	return s
}

func trackingID(tid string) string {
	if tid == "" {
		return uuid.NewString()
	}
	return tid
}

// mutation changes a locked root in memory. now is the clock reading of the
// transaction.
type mutation func(root *holdings.BibliographicItem, now time.Time)

// apply runs one record transaction: lock, mutate, prune, save, report,
// enqueue, commit. Nothing is visible unless every step succeeds.
func (s *service) apply(ctx context.Context, op string, agencyID int, recordID, tid string, modified time.Time, mutate mutation) error {
	ctx, span := s.tracer.Start(ctx, "reconcile.record",
		trace.WithAttributes(
			attribute.String("operation", op),
			attribute.String("tracking.id", tid),
			attribute.Int("agency.id", agencyID),
			attribute.String("record.id", recordID),
		),
	)
	defer span.End()
	log := s.log.With("tracking_id", tid, "agency_id", agencyID, "record_id", recordID)

	// Resolved before the transaction: the read must not wait on our own lock.
	actual, err := s.resolver.ActualRecordID(ctx, recordID)
	if err != nil {
		return fmt.Errorf("resolve superseding record: %w", err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	root, created, err := tx.LoadForUpdate(ctx, agencyID, recordID)
	if err != nil {
		return err
	}
	before := root.Clone()
	now := holdings.Instant(s.clock())

	mutate(root, now)
	root.PruneEmptyIssues()
	touchUpdated(before, root, now)

	changed := created || !reflect.DeepEqual(before, root)
	if changed {
		if err := tx.Save(ctx, root); err != nil {
			return err
		}
	}

	report := changes.Diff(changes.States(before), changes.States(root), modified)
	payload, err := report.Payload()
	if err != nil {
		return fmt.Errorf("render change report: %w", err)
	}
	for _, supplier := range s.suppliers {
		for _, target := range []string{recordID, actual} {
			job := queue.Job{
				Supplier:              supplier,
				AgencyID:              agencyID,
				BibliographicRecordID: target,
				Payload:               payload,
				TrackingID:            tid,
			}
			if err := tx.Enqueue(ctx, job); err != nil {
				return fmt.Errorf("enqueue %s job for %s: %w", supplier, target, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if !report.Empty() {
		s.hooks.IncItemsChanged(ctx, op, len(report))
	}
	span.SetAttributes(
		attribute.Bool("record.created", created),
		attribute.Bool("record.changed", changed),
		attribute.Int("items.changed", len(report)),
	)
	log.Debug("record reconciled",
		"operation", op, "created", created, "changed", changed,
		"items_changed", len(report), "version", root.Version)
	return nil
}

// touchUpdated stamps issues whose content differs from before. New issues
// were stamped on creation.
func touchUpdated(before, after *holdings.BibliographicItem, now time.Time) {
	for id, issue := range after.Issues {
		prev, ok := before.Issues[id]
		if !ok {
			continue
		}
		a, b := *prev, *issue
		a.Updated, b.Updated = time.Time{}, time.Time{}
		if !reflect.DeepEqual(&a, &b) {
			issue.Updated = now
		}
	}
}

// finish turns the outcome of an operation into a Result and records it.
func (s *service) finish(ctx context.Context, span trace.Span, log *logger.Logger, op, tid string, start time.Time, err error) Result {
	res := Result{Status: StatusOK, TrackingID: tid}
	if err != nil {
		err = holdings.MapError(op, tid, err)
		res.Message = err.Error()
		if errors.Is(err, holdings.ErrValidation) {
			res.Status = StatusValidationError
			log.Info("request rejected", "error", err)
		} else {
			res.Status = StatusInternalError
			log.Error("request failed", "error", err, "code", holdings.CodeOf(err))
		}
		if errors.Is(err, holdings.ErrConflict) {
			s.hooks.IncConflict(ctx, op)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Status))
	}
	span.SetAttributes(attribute.String("result.status", string(res.Status)))
	s.hooks.ObserveOperation(ctx, op, res.Status, time.Since(start))
	return res
}

func (s *service) Update(ctx context.Context, req UpdateRequest) Result {
	start := time.Now()
	tid := trackingID(req.TrackingID)
	ctx, span := s.tracer.Start(ctx, "reconcile.update",
		trace.WithAttributes(
			attribute.String("tracking.id", tid),
			attribute.Int("agency.id", req.AgencyID),
			attribute.Int("record.count", len(req.Records)),
		),
	)
	defer span.End()
	log := s.log.With("tracking_id", tid, "agency_id", req.AgencyID)

	if err := validateUpdate(req); err != nil {
		return s.finish(ctx, span, log, "update", tid, start, err)
	}
	for _, rec := range sortedRecords(req.Records) {
		modified := holdings.Instant(rec.Modified)
		err := s.apply(ctx, "update", req.AgencyID, rec.BibliographicRecordID, tid, modified,
			func(root *holdings.BibliographicItem, now time.Time) {
				s.mergeRecord(root, rec, modified, tid, now)
			})
		if err != nil {
			return s.finish(ctx, span, log.With("record_id", rec.BibliographicRecordID), "update", tid, start,
				fmt.Errorf("record %s: %w", rec.BibliographicRecordID, err))
		}
	}
	return s.finish(ctx, span, log, "update", tid, start, nil)
}

func (s *service) Complete(ctx context.Context, req CompleteRequest) Result {
	start := time.Now()
	tid := trackingID(req.TrackingID)
	rec := req.Record
	ctx, span := s.tracer.Start(ctx, "reconcile.complete",
		trace.WithAttributes(
			attribute.String("tracking.id", tid),
			attribute.Int("agency.id", req.AgencyID),
			attribute.String("record.id", rec.BibliographicRecordID),
		),
	)
	defer span.End()
	log := s.log.With("tracking_id", tid, "agency_id", req.AgencyID, "record_id", rec.BibliographicRecordID)

	if err := validateComplete(req); err != nil {
		return s.finish(ctx, span, log, "complete", tid, start, err)
	}
	modified := holdings.Instant(rec.Modified)
	err := s.apply(ctx, "complete", req.AgencyID, rec.BibliographicRecordID, tid, modified,
		func(root *holdings.BibliographicItem, now time.Time) {
			s.mergeRecord(root, rec, modified, tid, now)
			sweep(root, rec, modified)
		})
	return s.finish(ctx, span, log, "complete", tid, start, err)
}

func (s *service) Online(ctx context.Context, req OnlineRequest) Result {
	start := time.Now()
	tid := trackingID(req.TrackingID)
	ctx, span := s.tracer.Start(ctx, "reconcile.online",
		trace.WithAttributes(
			attribute.String("tracking.id", tid),
			attribute.Int("agency.id", req.AgencyID),
			attribute.String("record.id", req.BibliographicRecordID),
			attribute.Bool("online", req.HasOnlineHolding),
		),
	)
	defer span.End()
	log := s.log.With("tracking_id", tid, "agency_id", req.AgencyID, "record_id", req.BibliographicRecordID)

	if err := validateOnline(req); err != nil {
		return s.finish(ctx, span, log, "online", tid, start, err)
	}
	modified := holdings.Instant(req.Modified)
	err := s.apply(ctx, "online", req.AgencyID, req.BibliographicRecordID, tid, modified,
		func(root *holdings.BibliographicItem, now time.Time) {
			if req.HasOnlineHolding {
				setOnline(root, modified, tid, now)
			} else {
				clearOnline(root, modified)
			}
			if holdings.CanChange(root.Modified, modified) {
				root.Modified = modified
				root.TrackingID = tid
			}
		})
	return s.finish(ctx, span, log, "online", tid, start, err)
}
