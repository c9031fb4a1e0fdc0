package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Built-in lead fields. They shadow attributes with the same name.
const (
	FieldID               = "id"
	FieldScore            = "score"
	FieldInteractions     = "interactions"
	FieldCreatedAt        = "created_at"
	FieldLastActivityAt   = "last_activity_at"
	FieldLastScoreDecayAt = "last_score_decay_at"
	FieldFirstResponseAt  = "first_response_at"
)

// Well-known attribute keys read by the scoring model.
const (
	AttrEmail   = "email"
	AttrPhone   = "phone"
	AttrCompany = "company"
	AttrSource  = "source"
	AttrStatus  = "status"
	AttrTags    = "tags"
)

// Lead statuses of the sales pipeline.
const (
	StatusNew         = "new"
	StatusContacted   = "contacted"
	StatusQualified   = "qualified"
	StatusNegotiating = "negotiating"
	StatusConverted   = "converted"
	StatusLost        = "lost"
)

// Lead is the record segmentation and scoring operate on.
type Lead struct {
	ID               uuid.UUID      `json:"id" yaml:"id"`
	Attributes       map[string]any `json:"attributes" yaml:"attributes"`
	Score            int            `json:"score" yaml:"score"`
	Interactions     int            `json:"interactions" yaml:"interactions"`
	LastActivityAt   *time.Time     `json:"lastActivityAt,omitempty" yaml:"last_activity_at"`
	LastScoreDecayAt *time.Time     `json:"lastScoreDecayAt,omitempty" yaml:"last_score_decay_at"`
	FirstResponseAt  *time.Time     `json:"firstResponseAt,omitempty" yaml:"first_response_at"`
	CreatedAt        time.Time      `json:"createdAt" yaml:"created_at"`
}

// Lookup resolves a field by name. Built-in fields win; otherwise path is
// tried as a literal attribute key and then as a dotted path into nested maps.
// A present key holding nil is reported as missing.
func (l Lead) Lookup(path string) (any, bool) {
	if v, ok, builtin := l.builtin(path); builtin {
		return v, ok
	}

	if v, ok := l.Attributes[path]; ok {
		return v, v != nil
	}

	if !strings.Contains(path, ".") {
		return nil, false
	}

	var current any = l.Attributes
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok || next == nil {
			return nil, false
		}
		current = next
	}
	return current, true
}

func (l Lead) builtin(name string) (value any, ok bool, builtin bool) {
	switch name {
	case FieldID:
		return l.ID.String(), l.ID != uuid.Nil, true
	case FieldScore:
		return l.Score, true, true
	case FieldInteractions:
		return l.Interactions, true, true
	case FieldCreatedAt:
		return l.CreatedAt, !l.CreatedAt.IsZero(), true
	case FieldLastActivityAt:
		return derefTime(l.LastActivityAt)
	case FieldLastScoreDecayAt:
		return derefTime(l.LastScoreDecayAt)
	case FieldFirstResponseAt:
		return derefTime(l.FirstResponseAt)
	}
	return nil, false, false
}

func derefTime(t *time.Time) (any, bool, bool) {
	if t == nil {
		return nil, false, true
	}
	return *t, true, true
}

// StringAttribute returns the trimmed string form of a top-level attribute.
func (l Lead) StringAttribute(key string) string {
	v, ok := l.Lookup(key)
	if !ok {
		return ""
	}
	s, _ := ToString(v)
	return strings.TrimSpace(s)
}

// Tags returns the lead's tags, lower-cased. Lists and comma separated
// strings are both accepted.
func (l Lead) Tags() []string {
	v, ok := l.Lookup(AttrTags)
	if !ok {
		return nil
	}

	var raw []any
	if list, isList := ToList(v); isList {
		raw = list
	} else if s, isString := v.(string); isString {
		for _, part := range strings.Split(s, ",") {
			raw = append(raw, part)
		}
	}

	tags := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := ToString(item)
		if !ok {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

// ReferenceActivity is the instant inactivity is measured from: the last
// recorded activity, or creation when the lead never had any.
func (l Lead) ReferenceActivity() time.Time {
	if l.LastActivityAt != nil {
		return *l.LastActivityAt
	}
	return l.CreatedAt
}

// DaysInactive returns whole days since ReferenceActivity. ok is false when
// the lead carries no usable timestamp.
func (l Lead) DaysInactive(now time.Time) (days int, ok bool) {
	ref := l.ReferenceActivity()
	if ref.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(ref)
	if elapsed < 0 {
		return 0, true
	}
	return int(elapsed / (24 * time.Hour)), true
}

// ScoreUpdate is a compare-and-set score write. DecayedAt nil leaves
// last_score_decay_at untouched.
type ScoreUpdate struct {
	LeadID        uuid.UUID
	Score         int
	ExpectedScore int
	DecayedAt     *time.Time
}
