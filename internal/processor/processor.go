/**
 * Job Processor for the annotation converter worker
 *
 * Runs one queued conversion end to end:
 * - materialises the input (local archive, uploaded buffer, URL download
 *   or a dataset fetched from the platform API)
 * - resolves the class catalog used for UNKNOWN_CLASS warnings
 * - converts into a per-job output directory
 * - records the run and indexes emitted geometry
 * - uploads emitted documents to permanent storage
 */

package processor

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/archive"
	"github.com/adverant/nexus/annotation-converter/internal/clients"
	"github.com/adverant/nexus/annotation-converter/internal/config"
	"github.com/adverant/nexus/annotation-converter/internal/converter"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/schema"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

// JobProcessorInterface is what the queue consumers drive.
type JobProcessorInterface interface {
	ProcessJob(ctx context.Context, req *ConvertRequest) (*ConvertResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// RunStore records runs and job state.
type RunStore interface {
	PersistRun(ctx context.Context, report *converter.Report, jobID string, doc *schema.COCODocument) (*storage.PersistResult, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	TempDir     string
	MaxFileSize int64
	Options     *config.Options // base options; a job's format overrides Options.Format
	Store       RunStore
	Platform    *clients.PlatformClient // optional, required for dataset jobs
	Artifacts   *clients.ArtifactClient // optional
	Logger      *logging.Logger

	// Download retry policy; zero values use the defaults.
	MaxRetries       int
	InitialBackoffMs int
	MaxBackoffMs     int
}

// ConvertRequest describes one conversion job. Exactly one input source is
// used, in the order ArchivePath, ArchiveBuffer, ArchiveURL, DatasetID.
type ConvertRequest struct {
	JobID         string
	Format        string
	ArchivePath   string
	ArchiveBuffer []byte
	ArchiveURL    string
	ArchiveName   string // file name for buffers and URLs; names the dataset
	DatasetID     string // platform dataset; also selects the class catalog
	DataIDs       []string
	OutputDir     string // defaults to <TempDir>/<JobID>/output
	Metadata      map[string]interface{}
}

// ConvertResult represents the processing result
type ConvertResult struct {
	RunID            string
	Report           *converter.Report
	OutputDir        string
	IndexedPoints    int
	ArtifactIDs      []string
	ProcessingTimeMs int64
}

// JobProcessor handles conversion jobs
type JobProcessor struct {
	config    *ProcessorConfig
	store     RunStore
	platform  *clients.PlatformClient
	artifacts *clients.ArtifactClient
	logger    *logging.Logger
}

// NewJobProcessor creates a new job processor
func NewJobProcessor(cfg *ProcessorConfig) (*JobProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Options == nil {
		cfg.Options = config.DefaultOptions(config.FormatCOCO)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoffMs <= 0 {
		cfg.InitialBackoffMs = 1000
	}
	if cfg.MaxBackoffMs <= 0 {
		cfg.MaxBackoffMs = 32000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("processor")
	}

	if cfg.Artifacts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cfg.Artifacts.HealthCheck(ctx); err != nil {
			logger.Warn("Artifact storage health check failed, emitted documents will stay local", "error", err)
		}
	}

	return &JobProcessor{
		config:    cfg,
		store:     cfg.Store,
		platform:  cfg.Platform,
		artifacts: cfg.Artifacts,
		logger:    logger,
	}, nil
}

// ProcessJob runs a conversion job through the complete pipeline
func (p *JobProcessor) ProcessJob(ctx context.Context, req *ConvertRequest) (*ConvertResult, error) {
	if req == nil || req.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	if !validJobID(req.JobID) {
		return nil, fmt.Errorf("invalid job ID %q: must be a single path element", req.JobID)
	}
	start := time.Now()
	p.logger.Printf("[Job %s] Starting conversion pipeline", req.JobID)

	// Step 1: Options for this job
	opts, err := p.jobOptions(req)
	if err != nil {
		return nil, err
	}
	p.logger.Printf("[Job %s] Step 1: Target format %s", req.JobID, opts.Format)

	jobDir := filepath.Join(p.config.TempDir, req.JobID)
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(jobDir, "output")
	}

	// Step 2: Class catalog
	catalog := p.resolveCatalog(ctx, req, opts)

	conv, err := converter.New(converter.Config{
		Options:      opts,
		Catalog:      catalog,
		Logger:       p.logger,
		MaxEntrySize: p.config.MaxFileSize,
		Progress: func(done, total int) {
			if total > 0 && done%50 == 0 {
				p.logger.Debug("Conversion progress", "job", req.JobID, "done", done, "total", total)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	// Step 3: Input
	var report *converter.Report
	if req.ArchivePath == "" && len(req.ArchiveBuffer) == 0 && req.ArchiveURL == "" {
		ds, err := p.fetchDataset(ctx, req, opts)
		if err != nil {
			return nil, err
		}
		p.logger.Printf("[Job %s] Step 4: Converting dataset %s (%d data units)", req.JobID, ds.Name, len(ds.Items))
		report, err = conv.ConvertDataset(ctx, ds, outputDir)
		if err != nil {
			return p.failed(ctx, req, report, err)
		}
	} else {
		archivePath, err := p.materialiseArchive(ctx, req, jobDir)
		if err != nil {
			return nil, err
		}
		p.logger.Printf("[Job %s] Step 4: Converting %s", req.JobID, filepath.Base(archivePath))
		report, err = conv.Convert(ctx, archivePath, outputDir)
		if err != nil {
			return p.failed(ctx, req, report, err)
		}
	}
	p.logger.Printf("[Job %s] Conversion done: %s", req.JobID, report.Summary())

	// Step 5: Record the run and index geometry
	p.logger.Printf("[Job %s] Step 5: Recording run %s", req.JobID, report.RunID)
	doc := p.emittedDocument(req, report)
	persisted, err := p.store.PersistRun(ctx, report, req.JobID, doc)
	if err != nil {
		// A retry converts again into the same directory.
		if cleanErr := archive.ClearDir(outputDir); cleanErr != nil {
			p.logger.Printf("[Job %s] WARNING: Failed to clear output %s: %v", req.JobID, outputDir, cleanErr)
		}
		report.OutputPaths = []string{}
		return nil, cerrors.NewStorageFailedError(req.JobID, err)
	}

	result := &ConvertResult{
		RunID:         report.RunID,
		Report:        report,
		OutputDir:     outputDir,
		IndexedPoints: persisted.IndexedPoints,
	}

	// Step 6: Upload emitted documents
	if p.artifacts != nil {
		p.logger.Printf("[Job %s] Step 6: Uploading %d emitted files to permanent storage", req.JobID, len(report.OutputPaths))
		result.ArtifactIDs = p.uploadOutputs(ctx, req, report)
	} else {
		p.logger.Printf("[Job %s] Skipping artifact storage: client not configured", req.JobID)
	}

	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	p.logger.Printf("[Job %s] Pipeline complete: run=%s annotations=%d indexed=%d artifacts=%d",
		req.JobID, report.RunID, report.Annotations, result.IndexedPoints, len(result.ArtifactIDs))
	return result, nil
}

// validJobID reports whether id can name the job's directory under TempDir.
func validJobID(id string) bool {
	return id != "." && id != ".." && filepath.Base(id) == id && !strings.ContainsAny(id, `/\`)
}

// failed records a failed run when a report exists and returns err.
func (p *JobProcessor) failed(ctx context.Context, req *ConvertRequest, report *converter.Report, err error) (*ConvertResult, error) {
	if report == nil {
		return nil, err
	}
	if _, perr := p.store.PersistRun(ctx, report, req.JobID, nil); perr != nil {
		p.logger.Printf("[Job %s] WARNING: Failed to record failed run %s: %v", req.JobID, report.RunID, perr)
	}
	return &ConvertResult{RunID: report.RunID, Report: report}, err
}

func (p *JobProcessor) jobOptions(req *ConvertRequest) (*config.Options, error) {
	opts := *p.config.Options
	if req.Format != "" && req.Format != opts.Format {
		if !config.IsSupportedFormat(req.Format) {
			return nil, cerrors.NewUnsupportedFormatError(req.Format)
		}
		// Format-specific defaults apply; camera and ontology carry over.
		defaults := config.DefaultOptions(req.Format)
		defaults.Camera = opts.Camera
		defaults.Ontology = opts.Ontology
		defaults.DropEmpty = opts.DropEmpty
		defaults.ExportTime = opts.ExportTime
		opts = *defaults
	}
	return &opts, nil
}

func (p *JobProcessor) resolveCatalog(ctx context.Context, req *ConvertRequest, opts *config.Options) converter.Catalog {
	if len(opts.Ontology) > 0 {
		p.logger.Printf("[Job %s] Step 2: Using configured ontology (%d classes)", req.JobID, len(opts.Ontology))
		return converter.NewCatalog(opts.Ontology)
	}
	if req.DatasetID == "" || p.platform == nil {
		p.logger.Printf("[Job %s] Step 2: No class catalog, class validation disabled", req.JobID)
		return nil
	}
	p.logger.Printf("[Job %s] Step 2: Fetching classes of dataset %s", req.JobID, req.DatasetID)
	classes, err := p.platform.FetchClasses(ctx, req.DatasetID)
	if err != nil {
		p.logger.Printf("[Job %s] WARNING: Failed to fetch classes: %v. Class validation disabled.", req.JobID, err)
		return nil
	}
	return converter.NewCatalog(clients.ClassNames(classes))
}

func (p *JobProcessor) fetchDataset(ctx context.Context, req *ConvertRequest, opts *config.Options) (*annotation.Dataset, error) {
	if req.DatasetID == "" {
		return nil, fmt.Errorf("no input source provided (archive path, buffer, URL or dataset)")
	}
	if p.platform == nil {
		return nil, fmt.Errorf("dataset %s requested but the platform API is not configured", req.DatasetID)
	}
	p.logger.Printf("[Job %s] Step 3: Fetching dataset %s from the platform", req.JobID, req.DatasetID)
	return p.platform.FetchDataset(ctx, req.DatasetID, clients.FetchOptions{
		DataIDs:   req.DataIDs,
		DropEmpty: opts.DropEmpty,
	})
}

// materialiseArchive returns a local path for the job's archive.
func (p *JobProcessor) materialiseArchive(ctx context.Context, req *ConvertRequest, jobDir string) (string, error) {
	if req.ArchivePath != "" {
		p.logger.Printf("[Job %s] Step 3: Using local archive %s", req.JobID, req.ArchivePath)
		return req.ArchivePath, nil
	}

	name := req.ArchiveName
	if name == "" && req.ArchiveURL != "" {
		if u, err := url.Parse(req.ArchiveURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "." || name == "/" {
		name = req.JobID + ".zip"
	}
	name = filepath.Base(name)

	data := req.ArchiveBuffer
	if len(data) > 0 {
		p.logger.Printf("[Job %s] Step 3: Using uploaded archive (%d bytes)", req.JobID, len(data))
	} else {
		p.logger.Printf("[Job %s] Step 3: Downloading archive from %s", req.JobID, req.ArchiveURL)
		var err error
		data, err = p.downloadFileFromURL(ctx, req.JobID, req.ArchiveURL)
		if err != nil {
			return "", fmt.Errorf("failed to download archive: %w", err)
		}
	}
	if p.config.MaxFileSize > 0 && int64(len(data)) > p.config.MaxFileSize {
		return "", fmt.Errorf("archive size exceeds maximum: %d > %d bytes", len(data), p.config.MaxFileSize)
	}

	inputDir := filepath.Join(jobDir, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create input directory: %w", err)
	}
	archivePath := filepath.Join(inputDir, name)
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	return archivePath, nil
}

// downloadFileFromURL downloads a file with retries and exponential backoff.
func (p *JobProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string) ([]byte, error) {
	const downloadTimeout = 10 * time.Minute

	client := &http.Client{Timeout: downloadTimeout}
	maxRetries := p.config.MaxRetries

	maxReadBytes := p.config.MaxFileSize
	if maxReadBytes == 0 {
		maxReadBytes = 10 * 1024 * 1024 * 1024
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		p.logger.Printf("[Job %s] Download attempt %d/%d from: %s", jobID, attempt, maxRetries, fileURL)

		data, err := p.fetchOnce(ctx, client, fileURL, maxReadBytes)
		if err == nil {
			p.logger.Printf("[Job %s] Download successful on attempt %d: %d bytes", jobID, attempt, len(data))
			return data, nil
		}
		if _, fatal := err.(sizeError); fatal {
			return nil, err
		}
		lastErr = err
		p.logger.Printf("[Job %s] Download attempt %d failed: %v", jobID, attempt, err)

		if attempt < maxRetries {
			backoffMs := p.config.InitialBackoffMs * int(math.Pow(2, float64(attempt-1)))
			if backoffMs > p.config.MaxBackoffMs {
				backoffMs = p.config.MaxBackoffMs
			}
			p.logger.Printf("[Job %s] Retrying in %dms...", jobID, backoffMs)
			select {
			case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}
	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

type sizeError struct{ size, max int64 }

func (e sizeError) Error() string {
	return fmt.Sprintf("file size exceeds maximum: %d > %d bytes", e.size, e.max)
}

func (p *JobProcessor) fetchOnce(ctx context.Context, client *http.Client, fileURL string, maxReadBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > maxReadBytes {
		return nil, sizeError{resp.ContentLength, maxReadBytes}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
}

// emittedDocument loads the COCO document of a COCO run for indexing.
func (p *JobProcessor) emittedDocument(req *ConvertRequest, report *converter.Report) *schema.COCODocument {
	if report.Target != config.FormatCOCO && report.Target != config.FormatCOCOFlat {
		return nil
	}
	for _, out := range report.OutputPaths {
		if !strings.HasSuffix(out, ".json") {
			continue
		}
		doc, err := schema.ReadCOCO(out)
		if err != nil {
			p.logger.Printf("[Job %s] WARNING: Failed to reload %s for indexing: %v", req.JobID, out, err)
			return nil
		}
		return doc
	}
	return nil
}

func (p *JobProcessor) uploadOutputs(ctx context.Context, req *ConvertRequest, report *converter.Report) []string {
	var ids []string
	for _, out := range report.OutputPaths {
		info, err := os.Stat(out)
		if err != nil || info.IsDir() {
			continue
		}
		art, err := p.artifacts.UploadFile(ctx, out, report.RunID, map[string]interface{}{
			"jobId":       req.JobID,
			"dataset":     report.Dataset,
			"format":      report.Target,
			"annotations": report.Annotations,
		})
		if err != nil {
			// Non-fatal: the run is recorded, the file just stays local.
			p.logger.Printf("[Job %s] WARNING: Failed to store artifact %s: %v", req.JobID, filepath.Base(out), err)
			continue
		}
		p.logger.Printf("[Job %s] Artifact stored permanently: id=%s, url=%s", req.JobID, art.ID, art.DownloadURL)
		ids = append(ids, art.ID)
	}
	return ids
}

// UpdateJobStatus updates job status in the store. The "error", "message"
// and "error_code" entries of metadata become the job's error fields.
func (p *JobProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Progress: progress,
		Metadata: metadata,
	}
	if metadata != nil {
		if runID, ok := metadata["runId"].(string); ok {
			update.RunID = runID
		}
		if msg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = msg
		}
		if msg, ok := metadata["message"].(string); ok && update.ErrorMessage == "" && status == storage.JobStatusFailed {
			update.ErrorMessage = msg
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
	}
	return p.store.UpdateJobStatus(ctx, update)
}
