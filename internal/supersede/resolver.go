// Package supersede presents the holdings of replaced bibliographic records
// under the record that replaced them.
package supersede

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"holdingsitems/internal/holdings"
	"holdingsitems/internal/logger"
	"holdingsitems/internal/natsort"
	"holdingsitems/internal/store"
)

// Resolver reads supersession chains. It only takes snapshot reads and never
// writes aggregates.
type Resolver struct {
	store  store.Store
	log    *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewResolver(st store.Store, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		store:  st,
		log:    log.With("service", "SupersedeResolver"),
		tracer: otel.Tracer("holdingsitems/supersede"),
		now:    time.Now,
	}
}

// Resolve returns the holdings of recordID merged with those of every record
// it transitively supersedes. Candidates are merged in descending natural
// order so the most recent looking id wins ties. It returns
// holdings.ErrNotFound when no record in the chain has an issue.
func (r *Resolver) Resolve(ctx context.Context, agencyID int, recordID string) (*holdings.BibliographicItem, error) {
	ctx, span := r.tracer.Start(ctx, "supersede.resolve",
		trace.WithAttributes(
			attribute.Int("agency.id", agencyID),
			attribute.String("record.id", recordID),
		),
	)
	defer span.End()

	candidates, err := r.candidates(ctx, recordID)
	if err != nil {
		return nil, err
	}

	merged, err := r.store.Snapshot(ctx, agencyID, recordID)
	if errors.Is(err, holdings.ErrNotFound) {
		merged = holdings.NewBibliographicItem(agencyID, recordID)
	} else if err != nil {
		return nil, err
	}

	used := 0
	for _, id := range candidates {
		old, err := r.store.Snapshot(ctx, agencyID, id)
		if errors.Is(err, holdings.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(old.Issues) == 0 {
			continue
		}
		mergeInto(merged, old)
		used++
	}

	span.SetAttributes(
		attribute.Int("candidates.found", len(candidates)),
		attribute.Int("candidates.merged", used),
	)
	if len(merged.Issues) == 0 {
		return nil, fmt.Errorf("record %d/%s: %w", agencyID, recordID, holdings.ErrNotFound)
	}
	return merged, nil
}

// candidates walks the edges backwards from recordID and returns every
// superseded id in descending natural order, ties broken by the raw id.
func (r *Resolver) candidates(ctx context.Context, recordID string) ([]string, error) {
	latest := map[string]holdings.Supersedes{}
	visited := map[string]bool{recordID: true}
	frontier := []string{recordID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		edges, err := r.store.SupersededBy(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load edges superseded by %s: %w", id, err)
		}
		for _, edge := range edges {
			if prev, ok := latest[edge.Superseded]; !ok || edge.Modified.After(prev.Modified) {
				latest[edge.Superseded] = edge
			}
			if !visited[edge.Superseded] {
				visited[edge.Superseded] = true
				frontier = append(frontier, edge.Superseded)
			}
		}
	}
	delete(latest, recordID)

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	// ids with equal natural keys ("r7", "r07") fall back to bytewise order
	sort.SliceStable(ids, func(i, j int) bool {
		if c := natsort.Compare(ids[i], ids[j]); c != 0 {
			return c > 0
		}
		return ids[i] > ids[j]
	})
	return ids, nil
}

func mergeInto(target, old *holdings.BibliographicItem) {
	target.ObserveAccessionDate(old.FirstAccessionDate)
	if target.Note == "" && old.Note != "" {
		target.Note = old.Note
		target.Modified = old.Modified
		target.TrackingID = old.TrackingID
	}
	for _, issueID := range old.IssueIDs() {
		src := old.Issues[issueID]
		dst, ok := target.Issues[issueID]
		if !ok {
			target.Issues[issueID] = src.Clone()
			continue
		}
		dst.ReadyForLoan = addReadyForLoan(dst.ReadyForLoan, src.ReadyForLoan)
		if src.ExpectedDelivery != nil && (dst.ExpectedDelivery == nil || src.ExpectedDelivery.Before(*dst.ExpectedDelivery)) {
			d := *src.ExpectedDelivery
			dst.ExpectedDelivery = &d
		}
		if dst.IssueText == "" {
			dst.IssueText = src.IssueText
		}
		for _, itemID := range src.ItemIDs() {
			if _, exists := dst.Items[itemID]; !exists {
				it := *src.Items[itemID]
				if it.LastLoanDate != nil {
					d := *it.LastLoanDate
					it.LastLoanDate = &d
				}
				dst.Items[itemID] = &it
			}
		}
	}
}

// addReadyForLoan sums two counts where ReadyForLoanUnknown is absent.
func addReadyForLoan(a, b int) int {
	switch {
	case a == holdings.ReadyForLoanUnknown:
		return b
	case b == holdings.ReadyForLoanUnknown:
		return a
	}
	return a + b
}

// ActualRecordID follows edges forward to the record that finally supersedes
// recordID. A record that was never superseded is its own actual id.
func (r *Resolver) ActualRecordID(ctx context.Context, recordID string) (string, error) {
	current := recordID
	seen := map[string]bool{current: true}
	for {
		edge, ok, err := r.store.Superseding(ctx, current)
		if err != nil {
			return "", fmt.Errorf("load edge for %s: %w", current, err)
		}
		if !ok || seen[edge.Superseding] {
			if ok {
				r.log.Warn("supersession cycle", "record_id", recordID, "at", edge.Superseding)
			}
			return current, nil
		}
		current = edge.Superseding
		seen[current] = true
	}
}

// Supersede records that edge.Superseded was replaced by edge.Superseding.
// A zero Modified is stamped with the current time.
func (r *Resolver) Supersede(ctx context.Context, edge holdings.Supersedes) error {
	if edge.Superseded == "" || edge.Superseding == "" {
		return holdings.Validationf("both record ids are required")
	}
	if edge.Superseded == edge.Superseding {
		return holdings.Validationf("record %s cannot supersede itself", edge.Superseded)
	}
	if edge.Modified.IsZero() {
		edge.Modified = r.now()
	}
	edge.Modified = holdings.Instant(edge.Modified)
	if err := r.store.PutSupersedes(ctx, edge); err != nil {
		return err
	}
	r.log.Info("supersedes edge stored", "superseded", edge.Superseded, "superseding", edge.Superseding)
	return nil
}
