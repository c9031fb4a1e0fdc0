package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadsegments_backend/internal/leads/domain"
	"leadsegments_backend/internal/leads/ports"
	"leadsegments_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound aliases the port-level sentinel so callers can match either.
var ErrNotFound = ports.ErrNotFound

// Repository is the Postgres LeadStore and SegmentStore.
type Repository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func New(pool *pgxpool.Pool, log *logger.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

const leadColumns = `id, attributes, score, interactions, last_activity_at, last_score_decay_at, first_response_at, created_at`

// PageLeads returns up to size leads after cursor in (created_at, id) order.
// One extra row is read to decide whether a next page exists.
func (r *Repository) PageLeads(ctx context.Context, filter domain.LeadFilter, cursor *domain.Cursor, size int) (domain.LeadPage, error) {
	if size < 1 {
		return domain.LeadPage{}, fmt.Errorf("page size must be positive")
	}

	var afterCreated *time.Time
	afterID := uuid.Nil
	if cursor != nil {
		afterCreated = &cursor.CreatedAt
		afterID = cursor.ID
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE ($1::timestamptz IS NULL OR (created_at, id) > ($1::timestamptz, $2::uuid))
			AND ($3::timestamptz IS NULL OR COALESCE(last_activity_at, created_at) < $3::timestamptz)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, afterCreated, afterID, filter.InactiveBefore, size+1)
	if err != nil {
		return domain.LeadPage{}, err
	}
	defer rows.Close()

	leads := make([]domain.Lead, 0, size+1)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return domain.LeadPage{}, err
		}
		leads = append(leads, lead)
	}
	if rows.Err() != nil {
		return domain.LeadPage{}, rows.Err()
	}

	page := domain.LeadPage{Leads: leads}
	if len(leads) > size {
		page.Leads = leads[:size]
		next := domain.CursorOf(page.Leads[size-1])
		page.Next = &next
	}
	return page, nil
}

func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	return lead, err
}

// UpdateScore writes the score only while the stored score still equals
// ExpectedScore.
func (r *Repository) UpdateScore(ctx context.Context, update domain.ScoreUpdate) error {
	if update.Score < 0 {
		return fmt.Errorf("score cannot be negative: %d", update.Score)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET score = $2,
			last_score_decay_at = COALESCE($4, last_score_decay_at),
			updated_at = now()
		WHERE id = $1 AND score = $3
	`, update.LeadID, update.Score, update.ExpectedScore, update.DecayedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, update.LeadID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ports.ErrScoreConflict
}

func (r *Repository) GetMembership(ctx context.Context, leadID uuid.UUID) (domain.SegmentSet, error) {
	rows, err := r.pool.Query(ctx, `SELECT segment_id FROM lead_segment_memberships WHERE lead_id = $1`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(domain.SegmentSet)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set.Add(id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return set, nil
}

func (r *Repository) Attach(ctx context.Context, leadID, segmentID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lead_segment_memberships (lead_id, segment_id, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lead_id, segment_id) DO NOTHING
	`, leadID, segmentID, at)
	return err
}

func (r *Repository) Detach(ctx context.Context, leadID, segmentID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM lead_segment_memberships WHERE lead_id = $1 AND segment_id = $2`, leadID, segmentID)
	return err
}

func (r *Repository) GetOverrides(ctx context.Context, leadID uuid.UUID) ([]domain.Override, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT lead_id, segment_id, kind, created_at
		FROM lead_segment_overrides
		WHERE lead_id = $1
		ORDER BY created_at ASC
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	overrides := make([]domain.Override, 0)
	for rows.Next() {
		var o domain.Override
		var kind string
		if err := rows.Scan(&o.LeadID, &o.SegmentID, &kind, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Kind = domain.OverrideKind(kind)
		overrides = append(overrides, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return overrides, nil
}

func (r *Repository) SetOverride(ctx context.Context, o domain.Override) error {
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid override kind %q", o.Kind)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lead_segment_overrides (lead_id, segment_id, kind, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lead_id, segment_id) DO UPDATE SET kind = EXCLUDED.kind, created_at = EXCLUDED.created_at
	`, o.LeadID, o.SegmentID, string(o.Kind), o.CreatedAt)
	return err
}

func (r *Repository) ClearOverrides(ctx context.Context, leadID uuid.UUID, segmentID *uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM lead_segment_overrides
		WHERE lead_id = $1 AND ($2::uuid IS NULL OR segment_id = $2::uuid)
	`, leadID, segmentID)
	return err
}

func (r *Repository) ClearSegmentOverrides(ctx context.Context, segmentID uuid.UUID) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM lead_segment_overrides WHERE segment_id = $1`, segmentID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListActiveSegments returns active segments. A segment whose stored rules no
// longer decode is skipped, not evaluated with fewer rules.
func (r *Repository) ListActiveSegments(ctx context.Context) ([]domain.Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, rules, is_active
		FROM segments
		WHERE is_active = true
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segments := make([]domain.Segment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			var decodeErr *ruleDecodeError
			if errors.As(err, &decodeErr) {
				if r.log != nil {
					r.log.Warn("segment skipped: invalid rules", "segmentId", decodeErr.segmentID, "error", decodeErr.err)
				}
				continue
			}
			return nil, err
		}
		segments = append(segments, segment)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return segments, nil
}

func (r *Repository) GetSegment(ctx context.Context, id uuid.UUID) (domain.Segment, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, name, rules, is_active FROM segments WHERE id = $1`, id)
	segment, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Segment{}, ErrNotFound
	}
	return segment, err
}

// SaveSegment inserts or replaces a segment definition.
func (r *Repository) SaveSegment(ctx context.Context, segment domain.Segment) error {
	rulesJSON, err := json.Marshal(segment.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO segments (id, name, rules, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rules = EXCLUDED.rules, is_active = EXCLUDED.is_active, updated_at = now()
	`, segment.ID, segment.Name, rulesJSON, segment.IsActive)
	return err
}

type ruleDecodeError struct {
	segmentID uuid.UUID
	err       error
}

func (e *ruleDecodeError) Error() string {
	return fmt.Sprintf("segment %s: %v", e.segmentID, e.err)
}

func (e *ruleDecodeError) Unwrap() error { return e.err }

func scanLead(row pgx.Row) (domain.Lead, error) {
	var lead domain.Lead
	var attrs []byte
	if err := row.Scan(
		&lead.ID, &attrs, &lead.Score, &lead.Interactions,
		&lead.LastActivityAt, &lead.LastScoreDecayAt, &lead.FirstResponseAt, &lead.CreatedAt,
	); err != nil {
		return domain.Lead{}, err
	}
	lead.Attributes = map[string]any{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &lead.Attributes); err != nil {
			return domain.Lead{}, fmt.Errorf("lead %s attributes: %w", lead.ID, err)
		}
	}
	return lead, nil
}

func scanSegment(row pgx.Row) (domain.Segment, error) {
	var segment domain.Segment
	var rulesJSON []byte
	if err := row.Scan(&segment.ID, &segment.Name, &rulesJSON, &segment.IsActive); err != nil {
		return domain.Segment{}, err
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &segment.Rules); err != nil {
			return domain.Segment{}, &ruleDecodeError{segmentID: segment.ID, err: err}
		}
	}
	return segment, nil
}

var (
	_ ports.LeadStore    = (*Repository)(nil)
	_ ports.SegmentStore = (*Repository)(nil)
)
