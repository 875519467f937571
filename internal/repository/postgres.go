package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
	"github.com/extractable/extractable/internal/entity"
)

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

// PostgresStore is the Store implementation used when DATABASE_DSN is set.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresStore creates a pgx pool, pings it, and runs migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "extractd"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, log: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("successfully connected to database")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS extractions (
			id                    UUID PRIMARY KEY,
			user_id               BIGINT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'pending',
			priority              TEXT NOT NULL DEFAULT 'medium',
			complexity            TEXT NOT NULL DEFAULT 'regular',
			input_type            TEXT NOT NULL DEFAULT '',
			input_filename        TEXT NOT NULL DEFAULT '',
			columns_requested     JSONB,
			multiple_tables       BOOLEAN NOT NULL DEFAULT FALSE,
			output_format         TEXT NOT NULL DEFAULT 'json',
			table_data            JSONB,
			llm_extraction_output JSONB,
			llm_validation_output JSONB,
			llm_final_output      JSONB,
			created_at            TIMESTAMPTZ NOT NULL,
			updated_at            TIMESTAMPTZ,
			completed_at          TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_extractions_user_id    ON extractions(user_id);
		CREATE INDEX IF NOT EXISTS idx_extractions_status     ON extractions(status);
		CREATE INDEX IF NOT EXISTS idx_extractions_created_at ON extractions(created_at);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, e *entity.Extraction) error {
	cols, err := marshalColumns(e.ColumnsRequested)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO extractions
			(id, user_id, status, priority, complexity, input_type, input_filename,
			 columns_requested, multiple_tables, output_format, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID, e.UserID, string(e.Status), string(e.Priority), string(e.Complexity),
		string(e.InputKind), e.InputFilename, cols, e.MultipleTables,
		string(e.OutputFormat), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert extraction: %v", common.ErrPersistence, err)
	}
	return nil
}

const pgSelectColumns = `
	id, user_id, status, priority, complexity, input_type, input_filename,
	columns_requested, multiple_tables, output_format,
	table_data, llm_extraction_output, llm_validation_output, llm_final_output,
	created_at, updated_at, completed_at`

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*entity.Extraction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSelectColumns+` FROM extractions WHERE id = $1`, id)
	e, err := scanPgExtraction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, page, pageSize int) ([]*entity.Extraction, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM extractions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count extractions: %v", common.ErrPersistence, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSelectColumns+` FROM extractions
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list extractions: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*entity.Extraction
	for rows.Next() {
		e, err := scanPgExtraction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status constants.JobStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE extractions SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("%w: update status: %v", common.ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) StoreResult(ctx context.Context, id uuid.UUID, res Result) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE extractions SET
			status = $1, table_data = $2, llm_extraction_output = $3,
			llm_validation_output = $4, llm_final_output = $5,
			updated_at = now(), completed_at = now()
		WHERE id = $6
	`,
		string(constants.JobStatusCompleted),
		nullableJSON(res.TableData), nullableJSON(res.ExtractionOutput),
		nullableJSON(res.ValidationOutput), nullableJSON(res.FinalOutput),
		id,
	)
	if err != nil {
		return fmt.Errorf("%w: store result: %v", common.ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) UpdateFields(ctx context.Context, e *entity.Extraction) error {
	cols, err := marshalColumns(e.ColumnsRequested)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE extractions SET
			input_filename = $1, columns_requested = $2, multiple_tables = $3, updated_at = now()
		WHERE id = $4
	`,
		e.InputFilename, cols, e.MultipleTables, e.ID)
	if err != nil {
		return fmt.Errorf("%w: update fields: %v", common.ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) MarkStuckFailed(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE extractions SET status = $1, updated_at = now()
		WHERE status = $2 AND COALESCE(updated_at, created_at) < now() - $3::interval
		RETURNING id
	`,
		string(constants.JobStatusFailed), string(constants.JobStatusProcessing),
		fmt.Sprintf("%f seconds", olderThan.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("%w: mark stuck jobs: %v", common.ErrPersistence, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPgExtraction(row pgScanner) (*entity.Extraction, error) {
	var (
		e          entity.Extraction
		status     string
		priority   string
		complexity string
		inputType  string
		format     string
		cols       []byte
		tableData  []byte
		extOut     []byte
		valOut     []byte
		finOut     []byte
	)
	err := row.Scan(
		&e.ID, &e.UserID, &status, &priority, &complexity, &inputType, &e.InputFilename,
		&cols, &e.MultipleTables, &format,
		&tableData, &extOut, &valOut, &finOut,
		&e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = constants.JobStatus(status)
	e.Priority = constants.Priority(priority)
	e.Complexity = constants.Complexity(complexity)
	e.InputKind = constants.InputKind(inputType)
	e.OutputFormat = constants.OutputFormat(format)
	if len(cols) > 0 {
		if err := json.Unmarshal(cols, &e.ColumnsRequested); err != nil {
			return nil, fmt.Errorf("decode columns_requested: %w", err)
		}
	}
	if len(tableData) > 0 {
		e.TableData = json.RawMessage(tableData)
	}
	if len(extOut) > 0 {
		e.ExtractionOutput = json.RawMessage(extOut)
	}
	if len(valOut) > 0 {
		e.ValidationOutput = json.RawMessage(valOut)
	}
	if len(finOut) > 0 {
		e.FinalOutput = json.RawMessage(finOut)
	}
	return &e, nil
}
