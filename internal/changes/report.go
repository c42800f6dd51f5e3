// Package changes computes the per-item status transitions of a write and
// renders them as the notification payload sent downstream.
package changes

import (
	"encoding/json"
	"sort"
	"time"

	"holdingsitems/internal/holdings"
)

// State is what the report needs to know about one item.
type State struct {
	Status   holdings.Status
	Modified time.Time
}

// Entry is the transition of one item. OldStatus is Unknown for items that
// were not known before the write and marshals as "UNKNOWN".
type Entry struct {
	NewStatus holdings.Status `json:"newStatus"`
	OldStatus holdings.Status `json:"oldStatus"`
	When      time.Time       `json:"when"`
}

// Report maps item ids to their transition.
type Report map[string]Entry

// States captures the item states of a record. A nil root has no items.
func States(root *holdings.BibliographicItem) map[string]State {
	states := map[string]State{}
	if root == nil {
		return states
	}
	root.Walk(func(_ *holdings.Issue, item *holdings.Item) {
		if _, seen := states[item.ItemID]; !seen {
			states[item.ItemID] = State{Status: item.Status, Modified: item.Modified}
		}
	})
	return states
}

// Diff compares the item states before and after a write. Items only in
// after are reported with their new status, items whose status changed with
// both, and items only in before as decommissioned at recordModified.
func Diff(before, after map[string]State, recordModified time.Time) Report {
	report := Report{}
	for id, now := range after {
		prev, existed := before[id]
		switch {
		case !existed:
			report[id] = Entry{NewStatus: now.Status, OldStatus: holdings.StatusUnknown, When: now.Modified}
		case prev.Status != now.Status:
			report[id] = Entry{NewStatus: now.Status, OldStatus: prev.Status, When: now.Modified}
		}
	}
	for id, prev := range before {
		if _, kept := after[id]; kept {
			continue
		}
		report[id] = Entry{NewStatus: holdings.StatusDecommissioned, OldStatus: prev.Status, When: recordModified}
	}
	return report
}

// Empty reports whether no item changed.
func (r Report) Empty() bool { return len(r) == 0 }

// ItemIDs returns the reported item ids in ascending order.
func (r Report) ItemIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Payload renders the report as the JSON document put on the queue.
func (r Report) Payload() (json.RawMessage, error) {
	if r == nil {
		r = Report{}
	}
	return json.Marshal(map[string]Entry(r))
}
