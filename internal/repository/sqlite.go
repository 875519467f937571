package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
	"github.com/extractable/extractable/internal/entity"
)

// SQLiteStore is the embedded Store implementation, used when no Postgres
// DSN is configured.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs
// migrations.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, log: logger}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS extractions (
			id                    TEXT PRIMARY KEY,
			user_id               INTEGER NOT NULL,
			status                TEXT NOT NULL DEFAULT 'pending',
			priority              TEXT NOT NULL DEFAULT 'medium',
			complexity            TEXT NOT NULL DEFAULT 'regular',
			input_type            TEXT NOT NULL DEFAULT '',
			input_filename        TEXT NOT NULL DEFAULT '',
			columns_requested     TEXT,
			multiple_tables       INTEGER NOT NULL DEFAULT 0,
			output_format         TEXT NOT NULL DEFAULT 'json',
			table_data            TEXT,
			llm_extraction_output TEXT,
			llm_validation_output TEXT,
			llm_final_output      TEXT,
			created_at            DATETIME NOT NULL,
			updated_at            DATETIME,
			completed_at          DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_extractions_user_id    ON extractions(user_id);
		CREATE INDEX IF NOT EXISTS idx_extractions_status     ON extractions(status);
		CREATE INDEX IF NOT EXISTS idx_extractions_created_at ON extractions(created_at);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, e *entity.Extraction) error {
	cols, err := marshalColumns(e.ColumnsRequested)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extractions
			(id, user_id, status, priority, complexity, input_type, input_filename,
			 columns_requested, multiple_tables, output_format, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID.String(), e.UserID, string(e.Status), string(e.Priority), string(e.Complexity),
		string(e.InputKind), e.InputFilename, cols, boolToInt(e.MultipleTables),
		string(e.OutputFormat), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert extraction: %v", common.ErrPersistence, err)
	}
	return nil
}

const selectColumns = `
	id, user_id, status, priority, complexity, input_type, input_filename,
	columns_requested, multiple_tables, output_format,
	table_data, llm_extraction_output, llm_validation_output, llm_final_output,
	created_at, updated_at, completed_at`

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*entity.Extraction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM extractions WHERE id = ?`, id.String())
	e, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*entity.Extraction, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extractions WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count extractions: %v", common.ErrPersistence, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM extractions
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list extractions: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*entity.Extraction
	for rows.Next() {
		e, err := scanExtraction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id uuid.UUID, status constants.JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE extractions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("%w: update status: %v", common.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) StoreResult(ctx context.Context, id uuid.UUID, res Result) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE extractions SET
			status = ?, table_data = ?, llm_extraction_output = ?,
			llm_validation_output = ?, llm_final_output = ?,
			updated_at = ?, completed_at = ?
		WHERE id = ?
	`,
		string(constants.JobStatusCompleted),
		nullableJSON(res.TableData), nullableJSON(res.ExtractionOutput),
		nullableJSON(res.ValidationOutput), nullableJSON(res.FinalOutput),
		now, now, id.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: store result: %v", common.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, e *entity.Extraction) error {
	cols, err := marshalColumns(e.ColumnsRequested)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE extractions SET
			input_filename = ?, columns_requested = ?, multiple_tables = ?, updated_at = ?
		WHERE id = ?
	`,
		e.InputFilename, cols, boolToInt(e.MultipleTables), time.Now().UTC(), e.ID.String())
	if err != nil {
		return fmt.Errorf("%w: update fields: %v", common.ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) MarkStuckFailed(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM extractions
		 WHERE status = ? AND COALESCE(updated_at, created_at) < ?`,
		string(constants.JobStatusProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: find stuck jobs: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.UpdateStatus(ctx, id, constants.JobStatusFailed); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExtraction(row scanner) (*entity.Extraction, error) {
	var (
		e          entity.Extraction
		rawID      string
		status     string
		priority   string
		complexity string
		inputType  string
		format     string
		cols       sql.NullString
		multi      int
		tableData  sql.NullString
		extOut     sql.NullString
		valOut     sql.NullString
		finOut     sql.NullString
		updatedAt  sql.NullTime
		complAt    sql.NullTime
	)
	err := row.Scan(
		&rawID, &e.UserID, &status, &priority, &complexity, &inputType, &e.InputFilename,
		&cols, &multi, &format,
		&tableData, &extOut, &valOut, &finOut,
		&e.CreatedAt, &updatedAt, &complAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse extraction id %q: %w", rawID, err)
	}
	e.Status = constants.JobStatus(status)
	e.Priority = constants.Priority(priority)
	e.Complexity = constants.Complexity(complexity)
	e.InputKind = constants.InputKind(inputType)
	e.OutputFormat = constants.OutputFormat(format)
	e.MultipleTables = multi != 0
	if cols.Valid && cols.String != "" {
		if err := json.Unmarshal([]byte(cols.String), &e.ColumnsRequested); err != nil {
			return nil, fmt.Errorf("decode columns_requested: %w", err)
		}
	}
	e.TableData = rawOrNil(tableData)
	e.ExtractionOutput = rawOrNil(extOut)
	e.ValidationOutput = rawOrNil(valOut)
	e.FinalOutput = rawOrNil(finOut)
	if updatedAt.Valid {
		t := updatedAt.Time
		e.UpdatedAt = &t
	}
	if complAt.Valid {
		t := complAt.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func marshalColumns(cols []string) (any, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(cols)
	if err != nil {
		return nil, fmt.Errorf("encode columns_requested: %w", err)
	}
	return string(b), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
