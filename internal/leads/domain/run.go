package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Kinds of batch runs.
const (
	RunKindSegmentSync   = "segment_sync"
	RunKindSegmentResync = "segment_resync"
	RunKindScoreDecay    = "score_decay"
	RunKindScoreRecalc   = "score_recalculation"
)

// Run statuses reported by RunStats.Status.
const (
	RunStatusCompleted  = "completed"
	RunStatusWithErrors = "completed_with_errors"
	RunStatusAborted    = "aborted"
	RunStatusCancelled  = "cancelled"
)

// ItemFailure is one failed unit of work.
type ItemFailure struct {
	ItemID string `json:"itemId"`
	Reason string `json:"reason"`
}

// PageFailure builds the failure entry for a page that could not be fetched.
func PageFailure(page int, reason string) ItemFailure {
	return ItemFailure{ItemID: "page:" + strconv.Itoa(page), Reason: reason}
}

// PageTimeout builds the failure entry for a page whose work ran out of time.
func PageTimeout(page int) ItemFailure {
	return ItemFailure{ItemID: "page-timeout:" + strconv.Itoa(page), Reason: "page timeout exceeded"}
}

// Outcome is what a unit of work reports back to the batch runner.
type Outcome struct {
	Skipped         bool
	Attached        int
	Detached        int
	ScoreChanged    bool
	DecayedPoints   int
	SegmentsTouched []uuid.UUID
}

// RunStats summarizes a synchronization or decay run. It is returned for
// every run, whatever its outcome, and is never persisted.
type RunStats struct {
	RunID            string        `json:"runId"`
	Kind             string        `json:"kind"`
	StartedAt        time.Time     `json:"startedAt"`
	FinishedAt       time.Time     `json:"finishedAt"`
	Processed        int           `json:"processed"`
	Succeeded        int           `json:"succeeded"`
	Failed           int           `json:"failed"`
	Skipped          int           `json:"skipped"`
	Pages            int           `json:"pages"`
	FailedPages      int           `json:"failedPages"`
	SegmentsAffected int           `json:"segmentsAffected"`
	Attached         int           `json:"attached"`
	Detached         int           `json:"detached"`
	ScoresChanged    int           `json:"scoresChanged"`
	DecayedPoints    int           `json:"decayedPoints"`
	Failures         []ItemFailure `json:"failures,omitempty"`
	Aborted          bool          `json:"aborted"`
	Cancelled        bool          `json:"cancelled"`
}

// Status classifies the run for callers deciding whether to alert.
func (s *RunStats) Status() string {
	switch {
	case s.Aborted:
		return RunStatusAborted
	case s.Cancelled:
		return RunStatusCancelled
	case s.Failed > 0 || s.FailedPages > 0:
		return RunStatusWithErrors
	default:
		return RunStatusCompleted
	}
}

// FailureRatio is failed / processed, 0 for an empty run.
func (s *RunStats) FailureRatio() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Processed)
}

// Duration is the wall time of the run.
func (s *RunStats) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Clone returns a deep copy safe to hand out while the original is reused.
func (s *RunStats) Clone() *RunStats {
	if s == nil {
		return nil
	}
	out := *s
	out.Failures = append([]ItemFailure(nil), s.Failures...)
	return &out
}
