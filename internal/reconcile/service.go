// internal/reconcile/service.go
package reconcile

import (
	"context"
	"time"

	"holdingsitems/internal/holdings"
)

// Service merges producer snapshots into the stored holdings.
type Service interface {
	// Update merges partial snapshots of one or more records.
	Update(ctx context.Context, req UpdateRequest) Result
	// Complete replaces the holdings of one record, decommissioning items the
	// snapshot no longer names.
	Complete(ctx context.Context, req CompleteRequest) Result
	// Online sets or clears the online holding of one record.
	Online(ctx context.Context, req OnlineRequest) Result
}

// ResultStatus is the outcome reported to producers.
type ResultStatus string

const (
	StatusOK              ResultStatus = "OK"
	StatusValidationError ResultStatus = "VALIDATION_ERROR"
	StatusInternalError   ResultStatus = "INTERNAL_ERROR"
)

// Result is returned by every write operation.
type Result struct {
	Status     ResultStatus `json:"status"`
	TrackingID string       `json:"trackingId"`
	Message    string       `json:"message,omitempty"`
}

// ItemInput is one item as reported by a producer.
type ItemInput struct {
	ItemID          string          `json:"itemId"`
	Status          holdings.Status `json:"status"`
	Branch          string          `json:"branch"`
	BranchID        string          `json:"branchId"`
	Department      string          `json:"department"`
	Location        string          `json:"location"`
	SubLocation     string          `json:"subLocation"`
	CirculationRule string          `json:"circulationRule"`
	AccessionDate   time.Time       `json:"accessionDate"`
	LoanRestriction string          `json:"loanRestriction"`
	LastLoanDate    *time.Time      `json:"lastLoanDate,omitempty"`
}

// IssueInput groups the items of one issue. A nil ReadyForLoan is stored as
// holdings.ReadyForLoanUnknown.
type IssueInput struct {
	IssueID          string      `json:"issueId"`
	IssueText        string      `json:"issueText"`
	ExpectedDelivery *time.Time  `json:"expectedDelivery,omitempty"`
	ReadyForLoan     *int        `json:"readyForLoan,omitempty"`
	Items            []ItemInput `json:"items"`
}

// RecordInput is the snapshot of one bibliographic record, claimed to be
// current as of Modified.
type RecordInput struct {
	BibliographicRecordID string       `json:"bibliographicRecordId"`
	Modified              time.Time    `json:"modified"`
	Note                  string       `json:"note"`
	Issues                []IssueInput `json:"issues"`
}

type UpdateRequest struct {
	AgencyID   int           `json:"agencyId"`
	TrackingID string        `json:"trackingId"`
	Records    []RecordInput `json:"records"`
}

type CompleteRequest struct {
	AgencyID   int         `json:"agencyId"`
	TrackingID string      `json:"trackingId"`
	Record     RecordInput `json:"record"`
}

type OnlineRequest struct {
	AgencyID              int       `json:"agencyId"`
	TrackingID            string    `json:"trackingId"`
	BibliographicRecordID string    `json:"bibliographicRecordId"`
	Modified              time.Time `json:"modified"`
	HasOnlineHolding      bool      `json:"hasOnlineHolding"`
}
