package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
)

// Extraction represents one table-extraction job for data transfer between layers.
type Extraction struct {
	ID               uuid.UUID             `json:"id"`
	UserID           int64                 `json:"user_id"`
	Status           constants.JobStatus   `json:"status"`
	Priority         constants.Priority    `json:"priority"`
	Complexity       constants.Complexity  `json:"complexity"`
	InputKind        constants.InputKind   `json:"input_type,omitempty"`
	InputFilename    string                `json:"input_filename,omitempty"`
	ColumnsRequested []string              `json:"columns_requested,omitempty"`
	MultipleTables   bool                  `json:"multiple_tables"`
	OutputFormat     constants.OutputFormat `json:"output_format"`

	// Final structured table plus the raw per-stage outputs retained for audit.
	TableData        json.RawMessage `json:"table_data,omitempty"`
	ExtractionOutput json.RawMessage `json:"llm_extraction_output,omitempty"`
	ValidationOutput json.RawMessage `json:"llm_validation_output,omitempty"`
	FinalOutput      json.RawMessage `json:"llm_final_output,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Table is one extracted table in a job's final output.
type Table struct {
	TableIndex int              `json:"table_index"`
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
}

// TableData is the consolidated result payload. When the finalize stage could
// not produce parseable output, Error and RawResponse carry the degraded
// marker instead of tables.
type TableData struct {
	Tables      []Table `json:"tables,omitempty"`
	Error       string  `json:"error,omitempty"`
	RawResponse string  `json:"raw_response,omitempty"`
}

// FinalOutput is the stage-5 audit record: a human summary plus the timing
// metrics accumulated across the run.
type FinalOutput struct {
	Text          string             `json:"text"`
	TimingMetrics map[string]float64 `json:"timing_metrics,omitempty"`
}

// Update carries the caller-mutable fields of a job.
type Update struct {
	InputFilename    *string
	ColumnsRequested []string
	MultipleTables   *bool
}

// Apply validates the update against the job's current state and mutates the
// record field by field. Only the display filename may change once a job has
// left Pending; terminal jobs' results are never touched here.
func (e *Extraction) Apply(u Update) error {
	if u.ColumnsRequested != nil || u.MultipleTables != nil {
		if e.Status != constants.JobStatusPending {
			return common.NewAppError("IMMUTABLE_FIELD",
				"columns and multiple_tables are only mutable while pending", common.ErrInvalidInput)
		}
	}
	if u.InputFilename != nil {
		e.InputFilename = *u.InputFilename
	}
	if u.ColumnsRequested != nil {
		e.ColumnsRequested = u.ColumnsRequested
	}
	if u.MultipleTables != nil {
		e.MultipleTables = *u.MultipleTables
	}
	return nil
}
