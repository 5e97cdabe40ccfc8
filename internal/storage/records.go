package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/converter"
)

// ErrNotFound is returned when a run or job does not exist.
var ErrNotFound = errors.New("not found")

// Job statuses.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// RunRecord is the stored form of a conversion report.
type RunRecord struct {
	RunID       string
	JobID       string
	Dataset     string
	Target      string
	State       string
	DataUnits   int
	Annotations int
	Categories  int
	Skipped     int
	Warnings    int
	Degenerate  int
	OutputPaths []string
	Error       string
	DurationMs  int64
	StartedAt   time.Time
	Report      json.RawMessage // full report document
}

// NewRunRecord flattens report for storage.
func NewRunRecord(report *converter.Report, jobID string) (*RunRecord, error) {
	if report == nil {
		return nil, fmt.Errorf("report is required")
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	paths := report.OutputPaths
	if paths == nil {
		paths = []string{}
	}
	return &RunRecord{
		RunID:       report.RunID,
		JobID:       jobID,
		Dataset:     report.Dataset,
		Target:      report.Target,
		State:       string(report.State),
		DataUnits:   report.DataUnits,
		Annotations: report.Annotations,
		Categories:  report.Categories,
		Skipped:     len(report.Skipped),
		Warnings:    len(report.Warnings),
		Degenerate:  report.Degenerate,
		OutputPaths: paths,
		Error:       report.Error,
		DurationMs:  report.Duration.Milliseconds(),
		StartedAt:   report.StartedAt.UTC(),
		Report:      raw,
	}, nil
}

// DecodeReport returns the full report stored with the record.
func (r *RunRecord) DecodeReport() (*converter.Report, error) {
	var report converter.Report
	if err := json.Unmarshal(r.Report, &report); err != nil {
		return nil, fmt.Errorf("failed to decode stored report %s: %w", r.RunID, err)
	}
	return &report, nil
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID        string
	Status       string
	Progress     int
	RunID        string
	ErrorCode    string
	ErrorMessage string
	Metadata     map[string]interface{}
}

// Job is the stored state of a queued conversion.
type Job struct {
	ID           string
	Status       string
	Progress     int
	RunID        string
	ErrorCode    string
	ErrorMessage string
	Metadata     map[string]interface{}
	UpdatedAt    time.Time
}

// ReportStore keeps conversion history.
type ReportStore interface {
	SaveReport(ctx context.Context, rec *RunRecord) error
	GetReport(ctx context.Context, runID string) (*RunRecord, error)
	ListReports(ctx context.Context, limit int) ([]*RunRecord, error)
}

// JobStore keeps queued job state.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
}

// Store is a database backend holding both reports and jobs.
type Store interface {
	ReportStore
	JobStore
	Ping(ctx context.Context) error
	Close() error
}

func validateUpdate(update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 50
	}
	return limit
}
