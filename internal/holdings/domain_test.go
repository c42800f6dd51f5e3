package holdings

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCanChange(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, CanChange(t0, t0), "equal instants overwrite")
	assert.True(t, CanChange(t0, t0.Add(time.Millisecond)))
	assert.False(t, CanChange(t0.Add(time.Millisecond), t0))
	assert.True(t, CanChange(time.Time{}, t0), "unset value always changes")
}

func TestInstantTruncatesToMillisecond(t *testing.T) {
	in := time.Date(2024, 3, 1, 12, 0, 0, 1_234_567, time.FixedZone("CET", 3600))
	out := Instant(in)
	assert.Equal(t, time.UTC, out.Location())
	assert.Equal(t, 1_000_000, out.Nanosecond())
	assert.True(t, Instant(time.Time{}).IsZero())
}

func TestObserveAccessionDateNeverMovesForward(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		root := NewBibliographicItem(700000, "rec")
		days := rapid.SliceOfN(rapid.IntRange(0, 20000), 1, 20).Draw(t, "days")
		base := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

		earliest := time.Time{}
		for _, d := range days {
			date := base.AddDate(0, 0, d)
			prev := root.FirstAccessionDate
			root.ObserveAccessionDate(date)
			if !prev.IsZero() && root.FirstAccessionDate.After(prev) {
				t.Fatalf("first accession date moved forward from %s to %s", prev, root.FirstAccessionDate)
			}
			if earliest.IsZero() || date.Before(earliest) {
				earliest = date
			}
		}
		if !root.FirstAccessionDate.Equal(earliest) {
			t.Fatalf("expected %s, got %s", earliest, root.FirstAccessionDate)
		}
	})
}

func TestEnsureIssueAndPrune(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	root := NewBibliographicItem(700000, "rec")

	issue, created := root.EnsureIssue("i1", now)
	require.True(t, created)
	assert.Equal(t, ReadyForLoanUnknown, issue.ReadyForLoan)

	again, created := root.EnsureIssue("i1", now.Add(time.Hour))
	require.False(t, created)
	assert.Same(t, issue, again)

	root.EnsureIssue("i2", now)
	issue.Items["x"] = &Item{ItemID: "x", Status: StatusOnShelf}

	pruned := root.PruneEmptyIssues()
	assert.Equal(t, []string{"i2"}, pruned)
	assert.Equal(t, []string{"i1"}, root.IssueIDs())
	assert.Equal(t, 1, root.ItemCount())
}

func TestFindItemAcrossIssues(t *testing.T) {
	root := NewBibliographicItem(700000, "rec")
	a, _ := root.EnsureIssue("a", time.Time{})
	b, _ := root.EnsureIssue("b", time.Time{})
	a.Items["x"] = &Item{ItemID: "x"}
	b.Items["y"] = &Item{ItemID: "y"}

	issue, item := root.FindItem("y")
	require.NotNil(t, item)
	assert.Equal(t, "b", issue.IssueID)

	issue, item = root.FindItem("missing")
	assert.Nil(t, issue)
	assert.Nil(t, item)
}

func TestCloneIsDeep(t *testing.T) {
	delivery := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	root := NewBibliographicItem(700000, "rec")
	issue, _ := root.EnsureIssue("i1", time.Time{})
	issue.ExpectedDelivery = &delivery
	issue.Items["x"] = &Item{ItemID: "x", Status: StatusOnShelf}

	cp := root.Clone()
	cp.Issues["i1"].Items["x"].Status = StatusLost
	*cp.Issues["i1"].ExpectedDelivery = delivery.AddDate(1, 0, 0)
	delete(cp.Issues, "i1")

	require.Contains(t, root.Issues, "i1")
	assert.Equal(t, StatusOnShelf, root.Issues["i1"].Items["x"].Status)
	assert.Equal(t, delivery, *root.Issues["i1"].ExpectedDelivery)
}

func TestStatusNamesRoundTrip(t *testing.T) {
	for s, name := range statusNames {
		parsed, err := ParseStatus(name)
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	parsed, err := ParseStatus("ON_SHELF")
	require.NoError(t, err)
	assert.Equal(t, StatusOnShelf, parsed)

	_, err = ParseStatus("Borrowed")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusStorable(t *testing.T) {
	assert.False(t, StatusDecommissioned.Storable())
	assert.False(t, StatusUnset.Storable())
	assert.True(t, StatusUnknown.Storable())
	assert.False(t, Status(99).Storable())
	assert.True(t, StatusOnline.Storable())
	assert.True(t, StatusOnShelf.Storable())
}

func TestStatusJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]Status{"x": StatusOnLoan})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":"OnLoan"}`, string(raw))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"NOT_FOR_LOAN"`), &s))
	assert.Equal(t, StatusNotForLoan, s)
}

func TestMapError(t *testing.T) {
	err := MapError("update", "t-1", Validationf("bad agency %d", 0))
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "[t-1]")

	err = MapError("update", "t-1", fmt.Errorf("save: %w", ErrConflict))
	assert.Equal(t, CodeConflict, CodeOf(err))

	err = MapError("update", "t-1", errors.New("disk on fire"))
	assert.Equal(t, CodeStorage, CodeOf(err))
	assert.ErrorIs(t, err, ErrStorage)

	in := &Error{Code: CodeNotFound, Op: "resolve"}
	out := MapError("other", "t-2", in)
	assert.Equal(t, "t-2", out.(*Error).TrackingID)
	assert.Equal(t, "resolve", out.(*Error).Op)
	assert.Nil(t, MapError("noop", "", nil))
}
