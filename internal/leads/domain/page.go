package domain

import (
	"time"

	"github.com/google/uuid"
)

// Cursor is a keyset position over leads ordered by (created_at, id).
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        uuid.UUID `json:"id"`
}

// After reports whether lead sorts strictly after the cursor.
func (c Cursor) After(lead Lead) bool {
	if lead.CreatedAt.Equal(c.CreatedAt) {
		return compareUUID(lead.ID, c.ID) > 0
	}
	return lead.CreatedAt.After(c.CreatedAt)
}

// CursorOf returns the cursor positioned on lead.
func CursorOf(lead Lead) Cursor {
	return Cursor{CreatedAt: lead.CreatedAt, ID: lead.ID}
}

// LeadPage is one page of leads. Next is nil on the last page.
type LeadPage struct {
	Leads []Lead
	Next  *Cursor
}

// LeadFilter narrows a paged scan. The zero value selects every lead.
type LeadFilter struct {
	// InactiveBefore keeps leads whose last activity (or creation, if they
	// never had any) is strictly before this instant.
	InactiveBefore *time.Time
}

// Matches applies the filter to one lead.
func (f LeadFilter) Matches(lead Lead) bool {
	if f.InactiveBefore != nil {
		ref := lead.ReferenceActivity()
		if ref.IsZero() || !ref.Before(*f.InactiveBefore) {
			return false
		}
	}
	return true
}

// LessByCursor orders leads by (created_at, id).
func LessByCursor(a, b Lead) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return compareUUID(a.ID, b.ID) < 0
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
