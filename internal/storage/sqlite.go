package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adverant/nexus/annotation-converter/internal/logging"
)

// SQLiteStore is the file-backed Store used by the CLI and by workers
// running without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string, logger *logging.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// Single writer avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	if err := Migrate(db, DialectSQLite, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) SaveReport(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("run ID is required")
	}
	paths, err := json.Marshal(rec.OutputPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal output paths: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversion_runs (
			run_id, job_id, dataset, target, state,
			data_units, annotations, categories, skipped, warnings, degenerate,
			output_paths, error, duration_ms, report, started_at
		) VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			job_id = excluded.job_id,
			state = excluded.state,
			data_units = excluded.data_units,
			annotations = excluded.annotations,
			categories = excluded.categories,
			skipped = excluded.skipped,
			warnings = excluded.warnings,
			degenerate = excluded.degenerate,
			output_paths = excluded.output_paths,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			report = excluded.report`,
		rec.RunID, rec.JobID, rec.Dataset, rec.Target, rec.State,
		rec.DataUnits, rec.Annotations, rec.Categories, rec.Skipped, rec.Warnings, rec.Degenerate,
		string(paths), rec.Error, rec.DurationMs, string(rec.Report), rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save report (run=%s, state=%s): %w", rec.RunID, rec.State, err)
	}
	return nil
}

const sqliteRunColumns = `
	run_id, COALESCE(job_id, ''), dataset, target, state,
	data_units, annotations, categories, skipped, warnings, degenerate,
	output_paths, COALESCE(error, ''), duration_ms, report, started_at`

func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	rec, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM conversion_runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListReports(ctx context.Context, limit int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM conversion_runs ORDER BY started_at DESC, run_id LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSQLiteRun(row rowScanner) (*RunRecord, error) {
	var (
		rec       RunRecord
		paths     string
		report    string
		startedMs int64
	)
	err := row.Scan(
		&rec.RunID, &rec.JobID, &rec.Dataset, &rec.Target, &rec.State,
		&rec.DataUnits, &rec.Annotations, &rec.Categories, &rec.Skipped, &rec.Warnings, &rec.Degenerate,
		&paths, &rec.Error, &rec.DurationMs, &report, &startedMs,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paths), &rec.OutputPaths); err != nil {
		return nil, fmt.Errorf("corrupt output_paths for %s: %w", rec.RunID, err)
	}
	rec.Report = json.RawMessage(report)
	rec.StartedAt = time.UnixMilli(startedMs).UTC()
	return &rec, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if err := validateUpdate(update); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metadata := map[string]interface{}{}
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM jobs WHERE id = ?`, update.JobID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("failed to read job %s: %w", update.JobID, err)
	default:
		if err := json.Unmarshal([]byte(existing), &metadata); err != nil {
			return fmt.Errorf("corrupt metadata for job %s: %w", update.JobID, err)
		}
	}
	for k, v := range update.Metadata {
		metadata[k] = v
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, progress, run_id, error_code, error_message, metadata, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			run_id = COALESCE(excluded.run_id, jobs.run_id),
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		update.JobID, update.Status, update.Progress, update.RunID,
		update.ErrorCode, update.ErrorMessage, string(metadataJSON), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w", update.JobID, update.Status, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	var (
		job       Job
		metadata  string
		updatedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, progress, COALESCE(run_id, ''), COALESCE(error_code, ''),
			COALESCE(error_message, ''), metadata, updated_at
		FROM jobs WHERE id = ?`, jobID).Scan(
		&job.ID, &job.Status, &job.Progress, &job.RunID, &job.ErrorCode,
		&job.ErrorMessage, &metadata, &updatedMs,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &job.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &job, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
