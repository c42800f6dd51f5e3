package changes

import (
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"holdingsitems/internal/holdings"
)

var (
	t1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 3, 2, 10, 0, 0, 123_000_000, time.UTC)
)

func TestDiffStatusChange(t *testing.T) {
	before := map[string]State{"x": {Status: holdings.StatusOnShelf, Modified: t1}}
	after := map[string]State{"x": {Status: holdings.StatusOnLoan, Modified: t2}}

	report := Diff(before, after, t2)

	require.Len(t, report, 1)
	assert.Equal(t, Entry{NewStatus: holdings.StatusOnLoan, OldStatus: holdings.StatusOnShelf, When: t2}, report["x"])
}

func TestDiffUnchangedProducesNothing(t *testing.T) {
	state := map[string]State{"x": {Status: holdings.StatusOnShelf, Modified: t1}}
	moved := map[string]State{"x": {Status: holdings.StatusOnShelf, Modified: t2}}

	assert.True(t, Diff(state, state, t2).Empty())
	assert.True(t, Diff(state, moved, t2).Empty(), "a newer timestamp alone is not a transition")
}

func TestDiffRemovedIsDecommissionedAtRecordTime(t *testing.T) {
	before := map[string]State{"z": {Status: holdings.StatusOnLoan, Modified: t1}}
	recordModified := t2.Add(time.Hour)

	report := Diff(before, nil, recordModified)

	assert.Equal(t, Entry{NewStatus: holdings.StatusDecommissioned, OldStatus: holdings.StatusOnLoan, When: recordModified}, report["z"])
}

func TestPayloadGolden(t *testing.T) {
	before := map[string]State{
		"x": {Status: holdings.StatusOnShelf, Modified: t1},
		"z": {Status: holdings.StatusOnLoan, Modified: t1},
	}
	after := map[string]State{
		"x": {Status: holdings.StatusOnLoan, Modified: t2},
		"y": {Status: holdings.StatusOnShelf, Modified: t2},
	}

	payload, err := Diff(before, after, t2.Truncate(time.Second)).Payload()
	require.NoError(t, err)

	g := goldie.New(t)
	g.Assert(t, "change_report", payload)
}

func TestEmptyPayloadIsObject(t *testing.T) {
	var r Report
	payload, err := r.Payload()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(payload))
}

func TestStatesFromAggregate(t *testing.T) {
	root := holdings.NewBibliographicItem(700000, "rec")
	issue, _ := root.EnsureIssue("i1", t1)
	issue.Items["x"] = &holdings.Item{ItemID: "x", Status: holdings.StatusOnShelf, Modified: t1}

	states := States(root)
	assert.Equal(t, map[string]State{"x": {Status: holdings.StatusOnShelf, Modified: t1}}, states)
	assert.Empty(t, States(nil))
}

// Every added, changed or removed id appears exactly once; unchanged ids
// never appear.
func TestDiffCompleteness(t *testing.T) {
	statuses := []holdings.Status{
		holdings.StatusOnOrder, holdings.StatusNotForLoan, holdings.StatusOnLoan,
		holdings.StatusOnShelf, holdings.StatusLost, holdings.StatusDiscarded, holdings.StatusOnline,
	}
	genStates := func(t *rapid.T, label string) map[string]State {
		n := rapid.IntRange(0, 12).Draw(t, label+"-n")
		states := map[string]State{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("item-%d", rapid.IntRange(0, 15).Draw(t, label+"-id"))
			status := rapid.SampledFrom(statuses).Draw(t, label+"-status")
			states[id] = State{Status: status, Modified: t1}
		}
		return states
	}

	rapid.Check(t, func(t *rapid.T) {
		before := genStates(t, "before")
		after := genStates(t, "after")
		report := Diff(before, after, t2)

		ids := map[string]bool{}
		for id := range before {
			ids[id] = true
		}
		for id := range after {
			ids[id] = true
		}

		for id := range ids {
			prev, inBefore := before[id]
			now, inAfter := after[id]
			entry, reported := report[id]
			changed := !inBefore || !inAfter || prev.Status != now.Status
			if changed != reported {
				t.Fatalf("id %s: changed=%v reported=%v", id, changed, reported)
			}
			if !reported {
				continue
			}
			switch {
			case !inBefore && entry.OldStatus != holdings.StatusUnknown:
				t.Fatalf("id %s: added item must report UNKNOWN old status", id)
			case !inAfter && entry.NewStatus != holdings.StatusDecommissioned:
				t.Fatalf("id %s: removed item must report Decommissioned", id)
			}
		}
		for id := range report {
			if !ids[id] {
				t.Fatalf("report contains unknown id %s", id)
			}
		}
	})
}
