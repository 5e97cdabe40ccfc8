package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/processor"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

// TaskConvertArchive is the asynq task type of a conversion job.
const TaskConvertArchive = "convert-archive"

const defaultProcessingTimeout = 5 * time.Minute

// JobPayload contains the actual job data
type JobPayload struct {
	JobID         string                 `json:"jobId"`
	UserID        string                 `json:"userId,omitempty"`
	Format        string                 `json:"format,omitempty"`
	ArchivePath   string                 `json:"archivePath,omitempty"`
	ArchiveURL    string                 `json:"archiveUrl,omitempty"`
	ArchiveName   string                 `json:"archiveName,omitempty"`
	ArchiveBuffer []byte                 `json:"-"` // set by UnmarshalJSON
	DatasetID     string                 `json:"datasetId,omitempty"`
	DataIDs       []string               `json:"dataIds,omitempty"`
	OutputDir     string                 `json:"outputDir,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// UnmarshalJSON accepts archiveBuffer as a base64 string or as a Node.js
// Buffer object ({"type":"Buffer","data":[...]}).
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		ArchiveBuffer interface{} `json:"archiveBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	switch v := aux.ArchiveBuffer.(type) {
	case nil:
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 archiveBuffer: %w", err)
		}
		p.ArchiveBuffer = decoded
	case map[string]interface{}:
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.ArchiveBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.ArchiveBuffer[i] = byte(byteVal)
		}
	default:
		return fmt.Errorf("archiveBuffer must be either base64 string or Buffer object, got %T", v)
	}
	return nil
}

// MarshalJSON writes archiveBuffer as base64.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		ArchiveBuffer string `json:"archiveBuffer,omitempty"`
		Alias
	}{Alias: Alias(p)}
	if len(p.ArchiveBuffer) > 0 {
		aux.ArchiveBuffer = base64.StdEncoding.EncodeToString(p.ArchiveBuffer)
	}
	return json.Marshal(aux)
}

// Request converts the payload into a processor request.
func (p *JobPayload) Request() *processor.ConvertRequest {
	return &processor.ConvertRequest{
		JobID:         p.JobID,
		Format:        p.Format,
		ArchivePath:   p.ArchivePath,
		ArchiveBuffer: p.ArchiveBuffer,
		ArchiveURL:    p.ArchiveURL,
		ArchiveName:   p.ArchiveName,
		DatasetID:     p.DatasetID,
		DataIDs:       p.DataIDs,
		OutputDir:     p.OutputDir,
		Metadata:      p.Metadata,
	}
}

// runJob executes one job under timeout and records its status. It returns
// the completion metadata on success.
func runJob(ctx context.Context, proc processor.JobProcessorInterface, job *JobPayload, timeout time.Duration, logger *logging.Logger) (map[string]interface{}, error) {
	startTime := time.Now()
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}

	if err := proc.UpdateJobStatus(ctx, job.JobID, storage.JobStatusProcessing, 0, map[string]interface{}{
		"format":    job.Format,
		"datasetId": job.DatasetID,
		"userId":    job.UserID,
	}); err != nil {
		logger.Printf("[Job %s] Warning: Failed to update status to processing: %v", job.JobID, err)
	}

	logger.Printf("[Job %s] Processing timeout set to: %v", job.JobID, timeout)
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := proc.ProcessJob(processCtx, job.Request())
	duration := time.Since(startTime)

	if err != nil {
		failure := map[string]interface{}{
			"error":          err.Error(),
			"processingTime": duration.Milliseconds(),
		}
		if processCtx.Err() == context.DeadlineExceeded {
			logger.Printf("[Job %s] Processing timed out after %v (timeout: %v)", job.JobID, duration, timeout)
			err = errors.NewProcessingTimeoutError(job.JobID, timeout, err)
		}
		var ce *errors.ConversionError
		if stderrors.As(err, &ce) {
			for k, v := range ce.ToMap() {
				failure[k] = v
			}
		}
		if result != nil && result.RunID != "" {
			failure["runId"] = result.RunID
		}
		if updateErr := proc.UpdateJobStatus(ctx, job.JobID, storage.JobStatusFailed, 100, failure); updateErr != nil {
			logger.Printf("[Job %s] Warning: Failed to update status to failed: %v", job.JobID, updateErr)
		}
		logger.Printf("[Job %s] Processing failed after %v: %v", job.JobID, duration, err)
		return failure, err
	}

	completed := map[string]interface{}{
		"runId":          result.RunID,
		"outputDir":      result.OutputDir,
		"annotations":    result.Report.Annotations,
		"images":         result.Report.Images,
		"categories":     result.Report.Categories,
		"skipped":        len(result.Report.Skipped),
		"warnings":       len(result.Report.Warnings),
		"indexedPoints":  result.IndexedPoints,
		"artifactIds":    result.ArtifactIDs,
		"processingTime": duration.Milliseconds(),
	}
	if err := proc.UpdateJobStatus(ctx, job.JobID, storage.JobStatusCompleted, 100, completed); err != nil {
		logger.Printf("[Job %s] Warning: Failed to update status to completed: %v", job.JobID, err)
	}
	logger.Printf("[Job %s] Processing completed in %v: run=%s annotations=%d",
		job.JobID, duration, result.RunID, result.Report.Annotations)
	return completed, nil
}
