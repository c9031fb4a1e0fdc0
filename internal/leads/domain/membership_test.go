package domain

import (
	"testing"

	"github.com/google/uuid"
)

func TestComputeDiff(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	current := NewIDSet(a, b)
	desired := NewIDSet(b, c)

	diff := ComputeDiff(current, desired)
	if len(diff.ToAdd) != 1 || diff.ToAdd[0] != c {
		t.Fatalf("expected to add %s, got %v", c, diff.ToAdd)
	}
	if len(diff.ToRemove) != 1 || diff.ToRemove[0] != a {
		t.Fatalf("expected to remove %s, got %v", a, diff.ToRemove)
	}

	if !ComputeDiff(desired, desired).Empty() {
		t.Fatalf("expected identical sets to produce an empty diff")
	}
}

func TestApplyOverrides(t *testing.T) {
	matchedSeg, includedSeg, excludedSeg, inactiveSeg := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	active := NewIDSet(matchedSeg, includedSeg, excludedSeg)
	matched := NewIDSet(matchedSeg, excludedSeg)

	overrides := []Override{
		{SegmentID: includedSeg, Kind: OverrideInclude},
		{SegmentID: excludedSeg, Kind: OverrideExclude},
		{SegmentID: inactiveSeg, Kind: OverrideInclude},
	}

	desired := ApplyOverrides(matched, overrides, active)
	if !desired.Equal(NewIDSet(matchedSeg, includedSeg)) {
		t.Fatalf("unexpected desired set %v", desired.Sorted())
	}
	if !matched.Has(excludedSeg) {
		t.Fatalf("ApplyOverrides must not mutate its input")
	}
}

func TestSortedIsDeterministic(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	first := NewIDSet(ids...).Sorted()
	for i := 0; i < 10; i++ {
		again := NewIDSet(ids...).Sorted()
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("expected stable ordering")
			}
		}
	}
}

func TestRunStatsStatus(t *testing.T) {
	cases := []struct {
		stats RunStats
		want  string
	}{
		{RunStats{Processed: 10, Succeeded: 10}, RunStatusCompleted},
		{RunStats{Processed: 10, Succeeded: 9, Failed: 1}, RunStatusWithErrors},
		{RunStats{FailedPages: 1}, RunStatusWithErrors},
		{RunStats{Failed: 9, Aborted: true}, RunStatusAborted},
		{RunStats{Cancelled: true}, RunStatusCancelled},
	}
	for _, tc := range cases {
		if got := tc.stats.Status(); got != tc.want {
			t.Fatalf("expected %s, got %s for %+v", tc.want, got, tc.stats)
		}
	}

	stats := RunStats{Processed: 4, Failed: 1}
	if stats.FailureRatio() != 0.25 {
		t.Fatalf("expected failure ratio 0.25, got %v", stats.FailureRatio())
	}
}
