package reconcile

import (
	"sort"
	"time"

	"holdingsitems/internal/holdings"
)

func sortedRecords(records []RecordInput) []RecordInput {
	out := make([]RecordInput, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BibliographicRecordID < out[j].BibliographicRecordID
	})
	return out
}

// mergeRecord applies one record snapshot. Every level is guarded by the
// can-change gate against its own modified instant; decommissioned entries
// are removed regardless of age.
func (s *service) mergeRecord(root *holdings.BibliographicItem, rec RecordInput, modified time.Time, tid string, now time.Time) {
	if holdings.CanChange(root.Modified, modified) {
		root.Note = rec.Note
		root.Modified = modified
		root.TrackingID = tid
	}
	for _, in := range rec.Issues {
		issue, created := root.EnsureIssue(in.IssueID, now)
		if created || holdings.CanChange(issue.Modified, modified) {
			issue.IssueText = in.IssueText
			issue.ExpectedDelivery = dayPtr(in.ExpectedDelivery)
			issue.ReadyForLoan = readyForLoan(in.ReadyForLoan)
			issue.Modified = modified
			issue.TrackingID = tid
		}
		for _, item := range in.Items {
			s.mergeItem(root, issue, item, modified, tid, now)
		}
	}
}

func (s *service) mergeItem(root *holdings.BibliographicItem, issue *holdings.Issue, in ItemInput, modified time.Time, tid string, now time.Time) {
	if in.Status == holdings.StatusDecommissioned {
		delete(issue.Items, in.ItemID)
		return
	}

	owner, item := root.FindItem(in.ItemID)
	if item != nil && owner != issue && s.policy == PolicyMove {
		if !holdings.CanChange(item.Modified, modified) {
			return
		}
		delete(owner.Items, in.ItemID)
		issue.Items[in.ItemID] = item
	}

	if item == nil {
		item = &holdings.Item{ItemID: in.ItemID, Created: now}
		issue.Items[in.ItemID] = item
	} else if !holdings.CanChange(item.Modified, modified) {
		return
	}

	item.Status = in.Status
	item.Branch = in.Branch
	item.BranchID = in.BranchID
	item.Department = in.Department
	item.Location = in.Location
	item.SubLocation = in.SubLocation
	item.CirculationRule = in.CirculationRule
	item.AccessionDate = holdings.Day(in.AccessionDate)
	item.LoanRestriction = in.LoanRestriction
	item.LastLoanDate = dayPtr(in.LastLoanDate)
	item.Modified = modified
	item.TrackingID = tid
	root.ObserveAccessionDate(item.AccessionDate)
}

// sweep removes what a complete snapshot no longer names. Online holdings
// and items modified after the snapshot survive. Issues named by the
// snapshot have their complete instant advanced.
func sweep(root *holdings.BibliographicItem, rec RecordInput, modified time.Time) {
	named := map[string]bool{}
	for _, issue := range rec.Issues {
		for _, item := range issue.Items {
			named[item.ItemID] = true
		}
	}

	type victim struct {
		issue  *holdings.Issue
		itemID string
	}
	var victims []victim
	root.Walk(func(issue *holdings.Issue, item *holdings.Item) {
		if named[item.ItemID] || item.Status == holdings.StatusOnline {
			return
		}
		if holdings.CanChange(item.Modified, modified) {
			victims = append(victims, victim{issue, item.ItemID})
		}
	})
	for _, v := range victims {
		delete(v.issue.Items, v.itemID)
	}

	for _, in := range rec.Issues {
		if issue, ok := root.Issue(in.IssueID); ok && issue.Complete.Before(modified) {
			issue.Complete = modified
		}
	}
}

func setOnline(root *holdings.BibliographicItem, modified time.Time, tid string, now time.Time) {
	issue, issueCreated := root.EnsureIssue(holdings.OnlineID, now)
	item, ok := issue.Items[holdings.OnlineID]
	if !ok {
		item = &holdings.Item{
			ItemID:        holdings.OnlineID,
			AccessionDate: holdings.Day(now),
			Created:       now,
		}
		issue.Items[holdings.OnlineID] = item
	} else if !holdings.CanChange(item.Modified, modified) {
		return
	}

	if issueCreated || holdings.CanChange(issue.Modified, modified) {
		issue.IssueText = holdings.OnlineIssueText
		issue.Modified = modified
		issue.TrackingID = tid
	}
	item.Status = holdings.StatusOnline
	item.Branch = ""
	item.BranchID = ""
	item.Department = ""
	item.Location = ""
	item.SubLocation = ""
	item.CirculationRule = ""
	item.LoanRestriction = ""
	item.Modified = modified
	item.TrackingID = tid
	root.ObserveAccessionDate(item.AccessionDate)
}

func clearOnline(root *holdings.BibliographicItem, modified time.Time) {
	issue, ok := root.Issue(holdings.OnlineID)
	if !ok {
		return
	}
	if item, ok := issue.Items[holdings.OnlineID]; ok && !holdings.CanChange(item.Modified, modified) {
		return
	}
	root.RemoveIssue(holdings.OnlineID)
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	d := holdings.Day(*t)
	return &d
}

func readyForLoan(n *int) int {
	if n == nil {
		return holdings.ReadyForLoanUnknown
	}
	return *n
}
