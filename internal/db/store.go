package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// Store is the persistence surface the pipeline is built on. DB and
// MemoryStore both implement it.
type Store interface {
	queue.Store

	Ping(ctx context.Context) error

	CreateLeads(ctx context.Context, leads []*types.Lead) ([]*types.Lead, error)
	GetLead(ctx context.Context, id uuid.UUID) (*types.Lead, error)
	UpdateLeadIfVersion(ctx context.Context, lead *types.Lead, activities ...types.Activity) (bool, error)
	ApplyEventIfVersion(ctx context.Context, lead *types.Lead, eventKey string, activities ...types.Activity) (applied, duplicate bool, err error)
	ListUnscored(ctx context.Context, limit int) ([]*types.Lead, error)
	ListCampaignCandidates(ctx context.Context, minScore, limit int) ([]*types.Lead, error)
	ListLeads(ctx context.Context, filters LeadFilters) ([]*types.Lead, error)
	ListActivities(ctx context.Context, leadID uuid.UUID) ([]types.Activity, error)

	RecordMessage(ctx context.Context, messageID string, leadID uuid.UUID) error
	LeadForMessage(ctx context.Context, messageID string) (uuid.UUID, error)
	EventProcessed(ctx context.Context, key string) (bool, error)
	MarkEventProcessed(ctx context.Context, key string, leadID uuid.UUID) error

	LastFired(ctx context.Context, name string) (time.Time, error)
	CompareAndSetLastFired(ctx context.Context, name string, old, next time.Time) (bool, error)
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*MemoryStore)(nil)
)
