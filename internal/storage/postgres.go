/**
 * PostgreSQL Client for the annotation converter
 *
 * Persists conversion reports and queued job state in the converter schema.
 * The schema is created by the embedded migrations on connect.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/annotation-converter/internal/logging"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// NewPostgresClient connects, verifies the connection and migrates the schema.
func NewPostgresClient(databaseURL string, logger *logging.Logger) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db, DialectPostgres, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresClient{db: db}, nil
}

// SaveReport inserts or replaces a run record.
func (p *PostgresClient) SaveReport(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	query := `
		INSERT INTO converter.conversion_runs (
			run_id, job_id, dataset, target, state,
			data_units, annotations, categories, skipped, warnings, degenerate,
			output_paths, error, duration_ms, report, started_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, NULLIF($13, ''), $14, $15::jsonb, $16
		)
		ON CONFLICT (run_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			state = EXCLUDED.state,
			data_units = EXCLUDED.data_units,
			annotations = EXCLUDED.annotations,
			categories = EXCLUDED.categories,
			skipped = EXCLUDED.skipped,
			warnings = EXCLUDED.warnings,
			degenerate = EXCLUDED.degenerate,
			output_paths = EXCLUDED.output_paths,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			report = EXCLUDED.report
	`

	_, err := p.db.ExecContext(ctx, query,
		rec.RunID, rec.JobID, rec.Dataset, rec.Target, rec.State,
		rec.DataUnits, rec.Annotations, rec.Categories, rec.Skipped, rec.Warnings, rec.Degenerate,
		pq.Array(rec.OutputPaths), rec.Error, rec.DurationMs, sanitizeJSONForPostgres(rec.Report), rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report (run=%s, state=%s): %w", rec.RunID, rec.State, err)
	}
	return nil
}

const runColumns = `
	run_id, COALESCE(job_id, ''), dataset, target, state,
	data_units, annotations, categories, skipped, warnings, degenerate,
	output_paths, COALESCE(error, ''), duration_ms, report, started_at`

// GetReport retrieves a run record by id.
func (p *PostgresClient) GetReport(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM converter.conversion_runs WHERE run_id = $1::uuid`, runID)
	rec, err := scanPostgresRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return rec, nil
}

// ListReports returns the most recent runs first.
func (p *PostgresClient) ListReports(ctx context.Context, limit int) ([]*RunRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM converter.conversion_runs ORDER BY started_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanPostgresRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPostgresRun(row rowScanner) (*RunRecord, error) {
	var (
		rec   RunRecord
		paths pq.StringArray
	)
	err := row.Scan(
		&rec.RunID, &rec.JobID, &rec.Dataset, &rec.Target, &rec.State,
		&rec.DataUnits, &rec.Annotations, &rec.Categories, &rec.Skipped, &rec.Warnings, &rec.Degenerate,
		&paths, &rec.Error, &rec.DurationMs, &rec.Report, &rec.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.OutputPaths = []string(paths)
	return &rec, nil
}

// UpdateJobStatus upserts the job row so the worker can record jobs the
// enqueuing side never created.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateUpdate(update); err != nil {
		return err
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO converter.jobs (
			id, status, progress, run_id, error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3,
			CASE WHEN $4 = '' THEN NULL ELSE $4::uuid END,
			NULLIF($5, ''), NULLIF($6, ''),
			COALESCE($7::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			run_id = COALESCE(EXCLUDED.run_id, converter.jobs.run_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = converter.jobs.metadata || EXCLUDED.metadata,
			updated_at = NOW()
	`
	_, err = p.db.ExecContext(ctx, query,
		update.JobID, update.Status, update.Progress, update.RunID,
		update.ErrorCode, update.ErrorMessage, sanitizeJSONForPostgres(metadataJSON))
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (p *PostgresClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT id, status, progress, COALESCE(run_id::text, ''),
			COALESCE(error_code, ''), COALESCE(error_message, ''), metadata, updated_at
		FROM converter.jobs
		WHERE id = $1
	`
	var (
		job          Job
		metadataJSON []byte
	)
	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.Status, &job.Progress, &job.RunID,
		&job.ErrorCode, &job.ErrorMessage, &metadataJSON, &job.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &job, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips escapes JSONB rejects: \u0000 is removed,
// other control characters become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
