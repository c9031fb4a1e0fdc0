package ports

import (
	"context"
	"errors"
	"time"

	"leadsegments_backend/internal/leads/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lead or segment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrScoreConflict is returned by UpdateScore when the stored score no
	// longer equals ScoreUpdate.ExpectedScore.
	ErrScoreConflict = errors.New("score changed concurrently")
)

// LeadReader pages and loads leads.
type LeadReader interface {
	PageLeads(ctx context.Context, filter domain.LeadFilter, cursor *domain.Cursor, size int) (domain.LeadPage, error)
	GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error)
}

// ScoreWriter persists scores with compare-and-set semantics.
type ScoreWriter interface {
	UpdateScore(ctx context.Context, update domain.ScoreUpdate) error
}

// MembershipStore reads and mutates lead-segment associations and manual
// overrides. Attach and Detach are idempotent per row.
type MembershipStore interface {
	GetMembership(ctx context.Context, leadID uuid.UUID) (domain.SegmentSet, error)
	Attach(ctx context.Context, leadID, segmentID uuid.UUID, at time.Time) error
	Detach(ctx context.Context, leadID, segmentID uuid.UUID) error

	GetOverrides(ctx context.Context, leadID uuid.UUID) ([]domain.Override, error)
	SetOverride(ctx context.Context, override domain.Override) error
	// ClearOverrides removes one override when segmentID is set, otherwise all of the lead's.
	ClearOverrides(ctx context.Context, leadID uuid.UUID, segmentID *uuid.UUID) error
	ClearSegmentOverrides(ctx context.Context, segmentID uuid.UUID) (int, error)
}

// LeadStore is everything the engine needs from lead persistence.
type LeadStore interface {
	LeadReader
	ScoreWriter
	MembershipStore
}

// SegmentStore loads segment definitions.
type SegmentStore interface {
	ListActiveSegments(ctx context.Context) ([]domain.Segment, error)
	GetSegment(ctx context.Context, id uuid.UUID) (domain.Segment, error)
}
