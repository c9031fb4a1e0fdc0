package domain

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
)

// IDSet is a set of lead or segment IDs.
type IDSet map[uuid.UUID]struct{}

// SegmentSet is a set of segment IDs.
type SegmentSet = IDSet

// LeadSet is a set of lead IDs.
type LeadSet = IDSet

// NewIDSet builds a set from ids.
func NewIDSet(ids ...uuid.UUID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id uuid.UUID) { s[id] = struct{}{} }

func (s IDSet) Remove(id uuid.UUID) { delete(s, id) }

func (s IDSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Len() int { return len(s) }

// Minus returns the members of s that are not in other.
func (s IDSet) Minus(other IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if !other.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// Equal reports whether both sets hold the same IDs.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Sorted returns the IDs in byte order so diffs are applied deterministically.
func (s IDSet) Sorted() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// Membership is one lead-in-segment association. Its existence is the only
// state: a lead is in a segment iff the row exists.
type Membership struct {
	LeadID    uuid.UUID `json:"leadId"`
	SegmentID uuid.UUID `json:"segmentId"`
	AddedAt   time.Time `json:"addedAt"`
}

// OverrideKind is the direction of a manual membership change.
type OverrideKind string

const (
	// OverrideInclude keeps a lead in a segment regardless of rules.
	OverrideInclude OverrideKind = "include"
	// OverrideExclude keeps a lead out of a segment regardless of rules.
	OverrideExclude OverrideKind = "exclude"
)

// Valid reports whether k is a known override kind.
func (k OverrideKind) Valid() bool {
	return k == OverrideInclude || k == OverrideExclude
}

// Override records a manual add or remove. Rule-driven synchronization keeps
// honouring it until it is cleared.
type Override struct {
	LeadID    uuid.UUID    `json:"leadId"`
	SegmentID uuid.UUID    `json:"segmentId"`
	Kind      OverrideKind `json:"kind"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Diff is the minimal set of membership writes that turns current into desired.
type Diff struct {
	ToAdd    []uuid.UUID
	ToRemove []uuid.UUID
}

// Empty reports whether the diff requires no writes.
func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0
}

// ComputeDiff returns desired − current as ToAdd and current − desired as ToRemove.
func ComputeDiff(current, desired IDSet) Diff {
	return Diff{
		ToAdd:    desired.Minus(current).Sorted(),
		ToRemove: current.Minus(desired).Sorted(),
	}
}

// ApplyOverrides returns the desired set after manual overrides. Overrides on
// segments outside active are ignored.
func ApplyOverrides(matched IDSet, overrides []Override, active IDSet) IDSet {
	desired := make(IDSet, len(matched))
	for id := range matched {
		desired.Add(id)
	}
	for _, o := range overrides {
		if !active.Has(o.SegmentID) {
			continue
		}
		switch o.Kind {
		case OverrideInclude:
			desired.Add(o.SegmentID)
		case OverrideExclude:
			desired.Remove(o.SegmentID)
		}
	}
	return desired
}

// OverrideFor returns the override a lead holds for segmentID, if any.
func OverrideFor(overrides []Override, segmentID uuid.UUID) (OverrideKind, bool) {
	for _, o := range overrides {
		if o.SegmentID == segmentID {
			return o.Kind, true
		}
	}
	return "", false
}
