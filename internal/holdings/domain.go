// internal/holdings/domain.go
package holdings

import (
	"sort"
	"time"
)

// OnlineID is the issue id and item id of the single online holding.
const OnlineID = ""

// OnlineIssueText is the issue text of the online holding.
const OnlineIssueText = "ONLINE"

// ReadyForLoanUnknown is stored when the producer did not report a count.
const ReadyForLoanUnknown = -1

// BibliographicItem is the aggregate root. It owns its issues, which own
// their items; nothing points back up the tree.
type BibliographicItem struct {
	AgencyID              int               `json:"agencyId"`
	BibliographicRecordID string            `json:"bibliographicRecordId"`
	Note                  string            `json:"note"`
	FirstAccessionDate    time.Time         `json:"firstAccessionDate,omitzero"`
	Modified              time.Time         `json:"modified"`
	TrackingID            string            `json:"trackingId"`
	Version               int               `json:"version"`
	Issues                map[string]*Issue `json:"issues"`
}

// Issue is a volume or similar subdivision of a record.
type Issue struct {
	IssueID          string           `json:"issueId"`
	IssueText        string           `json:"issueText"`
	ExpectedDelivery *time.Time       `json:"expectedDelivery,omitempty"`
	ReadyForLoan     int              `json:"readyForLoan"`
	Complete         time.Time        `json:"complete,omitzero"`
	Modified         time.Time        `json:"modified"`
	Created          time.Time        `json:"created"`
	Updated          time.Time        `json:"updated"`
	TrackingID       string           `json:"trackingId"`
	Items            map[string]*Item `json:"items"`
}

// Item is a single copy.
type Item struct {
	ItemID          string     `json:"itemId"`
	Branch          string     `json:"branch"`
	BranchID        string     `json:"branchId"`
	Department      string     `json:"department"`
	Location        string     `json:"location"`
	SubLocation     string     `json:"subLocation"`
	CirculationRule string     `json:"circulationRule"`
	AccessionDate   time.Time  `json:"accessionDate"`
	LoanRestriction string     `json:"loanRestriction"`
	LastLoanDate    *time.Time `json:"lastLoanDate,omitempty"`
	Status          Status     `json:"status"`
	Modified        time.Time  `json:"modified"`
	Created         time.Time  `json:"created"`
	TrackingID      string     `json:"trackingId"`
}

// Supersedes records that Superseded has been replaced by Superseding.
type Supersedes struct {
	Superseded  string    `json:"superseded"`
	Superseding string    `json:"superseding"`
	Modified    time.Time `json:"modified"`
}

// NewBibliographicItem returns an empty root for the key.
func NewBibliographicItem(agencyID int, recordID string) *BibliographicItem {
	return &BibliographicItem{
		AgencyID:              agencyID,
		BibliographicRecordID: recordID,
		Issues:                map[string]*Issue{},
	}
}

// CanChange is the last-writer-wins gate: a stored value may be overwritten
// unless it is strictly newer than the incoming claim.
func CanChange(existing, incoming time.Time) bool {
	return !existing.After(incoming)
}

// Instant truncates t to the millisecond resolution kept in storage.
func Instant(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// Day truncates t to a UTC calendar date.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Issue returns the issue with the given id.
func (b *BibliographicItem) Issue(issueID string) (*Issue, bool) {
	issue, ok := b.Issues[issueID]
	return issue, ok
}

// EnsureIssue returns the issue with the given id, creating it when absent.
func (b *BibliographicItem) EnsureIssue(issueID string, now time.Time) (*Issue, bool) {
	if b.Issues == nil {
		b.Issues = map[string]*Issue{}
	}
	if issue, ok := b.Issues[issueID]; ok {
		return issue, false
	}
	issue := &Issue{
		IssueID:      issueID,
		ReadyForLoan: ReadyForLoanUnknown,
		Created:      now,
		Updated:      now,
		Items:        map[string]*Item{},
	}
	b.Issues[issueID] = issue
	return issue, true
}

// RemoveIssue drops an issue and all of its items.
func (b *BibliographicItem) RemoveIssue(issueID string) *Issue {
	issue, ok := b.Issues[issueID]
	if !ok {
		return nil
	}
	delete(b.Issues, issueID)
	return issue
}

// FindItem locates an item anywhere in the record.
func (b *BibliographicItem) FindItem(itemID string) (*Issue, *Item) {
	for _, issueID := range b.IssueIDs() {
		issue := b.Issues[issueID]
		if item, ok := issue.Items[itemID]; ok {
			return issue, item
		}
	}
	return nil, nil
}

// ObserveAccessionDate moves FirstAccessionDate earlier when date precedes it.
// It never moves the date later.
func (b *BibliographicItem) ObserveAccessionDate(date time.Time) {
	date = Day(date)
	if date.IsZero() {
		return
	}
	if b.FirstAccessionDate.IsZero() || date.Before(b.FirstAccessionDate) {
		b.FirstAccessionDate = date
	}
}

// PruneEmptyIssues removes issues without items and returns their ids.
func (b *BibliographicItem) PruneEmptyIssues() []string {
	var pruned []string
	for _, issueID := range b.IssueIDs() {
		if len(b.Issues[issueID].Items) == 0 {
			delete(b.Issues, issueID)
			pruned = append(pruned, issueID)
		}
	}
	return pruned
}

// IssueIDs returns the issue ids in ascending order.
func (b *BibliographicItem) IssueIDs() []string {
	ids := make([]string, 0, len(b.Issues))
	for id := range b.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ItemCount returns the number of items across all issues.
func (b *BibliographicItem) ItemCount() int {
	n := 0
	for _, issue := range b.Issues {
		n += len(issue.Items)
	}
	return n
}

// Walk visits every item in issue id, item id order.
func (b *BibliographicItem) Walk(fn func(issue *Issue, item *Item)) {
	for _, issueID := range b.IssueIDs() {
		issue := b.Issues[issueID]
		for _, itemID := range issue.ItemIDs() {
			fn(issue, issue.Items[itemID])
		}
	}
}

// Clone returns a deep copy of the aggregate.
func (b *BibliographicItem) Clone() *BibliographicItem {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Issues = make(map[string]*Issue, len(b.Issues))
	for id, issue := range b.Issues {
		cp.Issues[id] = issue.Clone()
	}
	return &cp
}

// ItemIDs returns the item ids in ascending order.
func (i *Issue) ItemIDs() []string {
	ids := make([]string, 0, len(i.Items))
	for id := range i.Items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	cp := *i
	cp.ExpectedDelivery = cloneTime(i.ExpectedDelivery)
	cp.Items = make(map[string]*Item, len(i.Items))
	for id, item := range i.Items {
		itemCopy := *item
		itemCopy.LastLoanDate = cloneTime(item.LastLoanDate)
		cp.Items[id] = &itemCopy
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
