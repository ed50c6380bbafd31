package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// LeadFilters holds optional filters for listing leads
type LeadFilters struct {
	CampaignRunID uuid.UUID
	Status        types.Status
	Industry      string
	MinScore      int
	Limit         int
}

const leadColumns = `id, campaign_run_id, norm_name, norm_address, name, address, phone, website, email,
	industry, location, data_source, source_url, rating, review_count, enrichment,
	score, tier, component_scores, recommendations, status, engagement_score, version,
	scraped_at, scored_at, outreach_scheduled_at, contacted_at, first_opened_at, last_engaged_at`

// leadJSON holds the encoded JSONB columns of a lead.
type leadJSON struct {
	enrichment      []byte
	components      []byte
	recommendations []byte
}

func encodeLead(l *types.Lead) (leadJSON, error) {
	var out leadJSON
	var err error
	if out.enrichment, err = json.Marshal(l.Enrichment); err != nil {
		return out, fmt.Errorf("failed to marshal enrichment: %w", err)
	}
	if l.Components != nil {
		if out.components, err = json.Marshal(l.Components); err != nil {
			return out, fmt.Errorf("failed to marshal component scores: %w", err)
		}
	}
	if l.Recommendations != nil {
		if out.recommendations, err = json.Marshal(l.Recommendations); err != nil {
			return out, fmt.Errorf("failed to marshal recommendations: %w", err)
		}
	}
	return out, nil
}

func scanLead(row pgx.Row) (*types.Lead, error) {
	var l types.Lead
	var status string
	var enrichment, components, recommendations []byte
	err := row.Scan(
		&l.ID, &l.CampaignRunID, &l.Key.Name, &l.Key.Address, &l.Name, &l.Address, &l.Phone, &l.Website, &l.Email,
		&l.Industry, &l.Location, &l.Source, &l.SourceURL, &l.Rating, &l.Reviews, &enrichment,
		&l.Score, &l.Tier, &components, &recommendations, &status, &l.EngagementScore, &l.Version,
		&l.ScrapedAt, &l.ScoredAt, &l.OutreachScheduledAt, &l.ContactedAt, &l.FirstOpenedAt, &l.LastEngagedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = types.Status(status)

	if len(enrichment) > 0 {
		if err := json.Unmarshal(enrichment, &l.Enrichment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enrichment: %w", err)
		}
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &l.Components); err != nil {
			return nil, fmt.Errorf("failed to unmarshal component scores: %w", err)
		}
	}
	if len(recommendations) > 0 {
		if err := json.Unmarshal(recommendations, &l.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
	}
	return &l, nil
}

func collectLeads(rows pgx.Rows) ([]*types.Lead, error) {
	defer rows.Close()
	var leads []*types.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leads: %w", err)
	}
	return leads, nil
}

// CreateLeads inserts leads in one batch and returns the ones that were new.
// A lead whose identity key already exists in its campaign run is skipped.
func (db *DB) CreateLeads(ctx context.Context, leads []*types.Lead) ([]*types.Lead, error) {
	if len(leads) == 0 {
		return nil, nil
	}

	b := &pgx.Batch{}
	for _, l := range leads {
		enc, err := encodeLead(l)
		if err != nil {
			return nil, fmt.Errorf("failed to encode lead %s: %w", l.Name, err)
		}
		b.Queue(
			`INSERT INTO leads (`+leadColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)
			ON CONFLICT ON CONSTRAINT leads_identity_key DO NOTHING`,
			l.ID, l.CampaignRunID, l.Key.Name, l.Key.Address, l.Name, l.Address, l.Phone, l.Website, l.Email,
			l.Industry, l.Location, l.Source, l.SourceURL, l.Rating, l.Reviews, enc.enrichment,
			l.Score, l.Tier, enc.components, enc.recommendations, string(l.Status), l.EngagementScore, l.Version,
			l.ScrapedAt, l.ScoredAt, l.OutreachScheduledAt, l.ContactedAt, l.FirstOpenedAt, l.LastEngagedAt,
		)
	}

	br := db.pool.SendBatch(ctx, b)
	var inserted []*types.Lead
	for _, l := range leads {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("failed to insert lead %s: %w", l.Name, err)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, l)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to insert leads: %w", err)
	}
	return inserted, nil
}

// GetLead retrieves a lead by ID
func (db *DB) GetLead(ctx context.Context, id uuid.UUID) (*types.Lead, error) {
	l, err := scanLead(db.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return l, nil
}

// UpdateLeadIfVersion writes every mutable lead field when the stored version
// still matches lead.Version, and appends activities in the same transaction.
// On success the version is incremented in storage and on lead.
func (db *DB) UpdateLeadIfVersion(ctx context.Context, lead *types.Lead, activities ...types.Activity) (bool, error) {
	err := db.inTx(ctx, "lead update", func(tx pgx.Tx) error {
		return updateLeadTx(ctx, tx, lead, activities)
	})
	if errors.Is(err, errStaleVersion) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lead.Version++
	return true, nil
}

// ApplyEventIfVersion is UpdateLeadIfVersion plus recording eventKey as
// processed in the same transaction. duplicate is true, and nothing is
// written, when the key was already recorded.
func (db *DB) ApplyEventIfVersion(ctx context.Context, lead *types.Lead, eventKey string, activities ...types.Activity) (applied, duplicate bool, err error) {
	err = db.inTx(ctx, "event apply", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO processed_events (dedupe_key, lead_id) VALUES ($1, $2) ON CONFLICT (dedupe_key) DO NOTHING`,
			eventKey, lead.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark event %s: %w", eventKey, err)
		}
		if tag.RowsAffected() == 0 {
			duplicate = true
			return nil
		}
		return updateLeadTx(ctx, tx, lead, activities)
	})
	switch {
	case errors.Is(err, errStaleVersion):
		return false, false, nil
	case err != nil:
		return false, false, err
	case duplicate:
		return false, true, nil
	}
	lead.Version++
	return true, false, nil
}

// errStaleVersion rolls back a transaction whose lead version check failed.
var errStaleVersion = errors.New("stale lead version")

func updateLeadTx(ctx context.Context, tx pgx.Tx, lead *types.Lead, activities []types.Activity) error {
	enc, err := encodeLead(lead)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE leads SET
			phone = $3, website = $4, email = $5, rating = $6, review_count = $7, enrichment = $8,
			score = $9, tier = $10, component_scores = $11, recommendations = $12,
			status = $13, engagement_score = $14, version = version + 1,
			scored_at = $15, outreach_scheduled_at = $16, contacted_at = $17,
			first_opened_at = $18, last_engaged_at = $19
		 WHERE id = $1 AND version = $2`,
		lead.ID, lead.Version,
		lead.Phone, lead.Website, lead.Email, lead.Rating, lead.Reviews, enc.enrichment,
		lead.Score, lead.Tier, enc.components, enc.recommendations,
		string(lead.Status), lead.EngagementScore,
		lead.ScoredAt, lead.OutreachScheduledAt, lead.ContactedAt,
		lead.FirstOpenedAt, lead.LastEngagedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update lead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errStaleVersion
	}
	for _, a := range activities {
		if err := insertActivity(ctx, tx, a); err != nil {
			return err
		}
	}
	return nil
}

func insertActivity(ctx context.Context, tx pgx.Tx, a types.Activity) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO lead_activities (lead_id, kind, detail, created_at) VALUES ($1, $2, $3, $4)`,
		a.LeadID, a.Kind, a.Detail, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity %s: %w", a.Kind, err)
	}
	return nil
}

// ListUnscored returns leads that have never been scored, oldest first.
func (db *DB) ListUnscored(ctx context.Context, limit int) ([]*types.Lead, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE score IS NULL ORDER BY scraped_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unscored leads: %w", err)
	}
	return collectLeads(rows)
}

// ListCampaignCandidates returns new leads with a contact email, scored at or
// above minScore, for which outreach was never scheduled. Highest score first.
func (db *DB) ListCampaignCandidates(ctx context.Context, minScore, limit int) ([]*types.Lead, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE status = 'new' AND score >= $1 AND email <> ''
		   AND outreach_scheduled_at IS NULL AND contacted_at IS NULL
		 ORDER BY score DESC, scraped_at ASC LIMIT $2`,
		minScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign candidates: %w", err)
	}
	return collectLeads(rows)
}

// ListLeads retrieves leads with optional filters
func (db *DB) ListLeads(ctx context.Context, filters LeadFilters) ([]*types.Lead, error) {
	if filters.Limit == 0 {
		filters.Limit = 50
	}

	query := `SELECT ` + leadColumns + ` FROM leads WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.CampaignRunID != uuid.Nil {
		query += fmt.Sprintf(" AND campaign_run_id = $%d", argNum)
		args = append(args, filters.CampaignRunID)
		argNum++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filters.Status))
		argNum++
	}
	if filters.Industry != "" {
		query += fmt.Sprintf(" AND industry ILIKE $%d", argNum)
		args = append(args, "%"+filters.Industry+"%")
		argNum++
	}
	if filters.MinScore > 0 {
		query += fmt.Sprintf(" AND score >= $%d", argNum)
		args = append(args, filters.MinScore)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY scraped_at DESC LIMIT $%d", argNum)
	args = append(args, filters.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	return collectLeads(rows)
}

// ListActivities returns a lead's activity log in append order.
func (db *DB) ListActivities(ctx context.Context, leadID uuid.UUID) ([]types.Activity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT lead_id, kind, detail, created_at FROM lead_activities WHERE lead_id = $1 ORDER BY id ASC`,
		leadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var out []types.Activity
	for rows.Next() {
		var a types.Activity
		if err := rows.Scan(&a.LeadID, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordMessage maps a transport message id to its lead.
func (db *DB) RecordMessage(ctx context.Context, messageID string, leadID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO lead_messages (message_id, lead_id) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`,
		messageID, leadID,
	)
	if err != nil {
		return fmt.Errorf("failed to record message %s: %w", messageID, err)
	}
	return nil
}

// LeadForMessage returns the lead a message was sent to, or uuid.Nil.
func (db *DB) LeadForMessage(ctx context.Context, messageID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, `SELECT lead_id FROM lead_messages WHERE message_id = $1`, messageID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("failed to resolve message %s: %w", messageID, err)
	}
	return id, nil
}

// EventProcessed reports whether an engagement event key was already applied.
func (db *DB) EventProcessed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE dedupe_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", key, err)
	}
	return exists, nil
}

// MarkEventProcessed records an applied engagement event key.
func (db *DB) MarkEventProcessed(ctx context.Context, key string, leadID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO processed_events (dedupe_key, lead_id) VALUES ($1, $2) ON CONFLICT (dedupe_key) DO NOTHING`,
		key, leadID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event %s: %w", key, err)
	}
	return nil
}
