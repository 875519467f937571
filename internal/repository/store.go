package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/entity"
)

// Result bundles everything the pipeline persists for a completed job: the
// consolidated table plus the raw per-stage outputs kept for audit.
type Result struct {
	TableData        json.RawMessage
	ExtractionOutput json.RawMessage
	ValidationOutput json.RawMessage
	FinalOutput      json.RawMessage
}

// Store is the persistence contract the core consumes.
type Store interface {
	Create(ctx context.Context, e *entity.Extraction) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Extraction, error)
	ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*entity.Extraction, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status constants.JobStatus) error
	// StoreResult marks the job completed with a completed_at stamp and
	// writes the result blobs in one statement.
	StoreResult(ctx context.Context, id uuid.UUID, res Result) error
	// UpdateFields persists the caller-mutable fields (filename, columns,
	// multi-table flag) after entity.Apply validated them.
	UpdateFields(ctx context.Context, e *entity.Extraction) error
	// MarkStuckFailed fails jobs stuck in processing longer than olderThan
	// and returns their ids. Reconciliation for stage-5 persistence drops.
	MarkStuckFailed(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
	Close() error
}
