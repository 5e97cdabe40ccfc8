/**
 * Artifact Client for the annotation converter
 *
 * Uploads emitted documents (COCO json, standard json results) to permanent
 * storage via the FileProcess API so queued conversions can be fetched
 * after the worker's scratch directory is gone.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/logging"
)

// SourceService identifies this service on uploaded artifacts.
const SourceService = "annotation-converter"

// ArtifactClient handles communication with the FileProcess API for artifact storage
type ArtifactClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ArtifactUploadRequest represents a file upload request
type ArtifactUploadRequest struct {
	FileBuffer []byte
	Filename   string
	MimeType   string
	SourceID   string // conversion run id
	TTLDays    int    // 0 keeps the artifact for ~100 years
	Metadata   map[string]interface{}
}

// Artifact is a stored file.
type Artifact struct {
	ID             string `json:"id"`
	Filename       string `json:"filename"`
	FileSize       int64  `json:"file_size"`
	MimeType       string `json:"mime_type"`
	StorageBackend string `json:"storage_backend"`
	DownloadURL    string `json:"download_url"`
	CreatedAt      string `json:"created_at"`
}

// ArtifactUploadResponse represents the response from uploading an artifact
type ArtifactUploadResponse struct {
	Success  bool     `json:"success"`
	Artifact Artifact `json:"artifact"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// NewArtifactClient creates a new artifact client
func NewArtifactClient(baseURL string, logger *logging.Logger) *ArtifactClient {
	if logger == nil {
		logger = logging.NewLogger("artifacts")
	}
	return &ArtifactClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		logger: logger,
	}
}

// HealthCheck verifies the FileProcess API is available
func (c *ArtifactClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("artifact service health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("artifact service health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// UploadFile uploads the JSON document at path for a conversion run.
func (c *ArtifactClient) UploadFile(ctx context.Context, path, runID string, metadata map[string]interface{}) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	resp, err := c.UploadArtifact(ctx, &ArtifactUploadRequest{
		FileBuffer: data,
		Filename:   filepath.Base(path),
		MimeType:   "application/json",
		SourceID:   runID,
		Metadata:   metadata,
	})
	if err != nil {
		return nil, err
	}
	return &resp.Artifact, nil
}

// UploadArtifact uploads a file to permanent storage
func (c *ArtifactClient) UploadArtifact(ctx context.Context, req *ArtifactUploadRequest) (*ArtifactUploadResponse, error) {
	if len(req.FileBuffer) == 0 {
		return nil, fmt.Errorf("file buffer is required: received empty buffer")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("filename is required: received empty string")
	}
	if req.SourceID == "" {
		return nil, fmt.Errorf("source_id is required: identifies the run creating this artifact")
	}

	c.logger.Info("Uploading artifact", "filename", req.Filename, "size", len(req.FileBuffer), "sourceId", req.SourceID)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file part: %w", err)
	}
	if _, err := part.Write(req.FileBuffer); err != nil {
		return nil, fmt.Errorf("failed to write file data to form: %w", err)
	}

	ttlDays := req.TTLDays
	if ttlDays <= 0 {
		ttlDays = 36500
	}
	fields := [][2]string{
		{"source_service", SourceService},
		{"source_id", req.SourceID},
		{"mime_type", req.MimeType},
		{"ttl_days", strconv.Itoa(ttlDays)},
	}
	if len(req.Metadata) > 0 {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata to JSON: %w", err)
		}
		fields = append(fields, [2]string{"metadata", string(metadataJSON)})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	// FileProcess API mounts routes at /fileprocess/api/*
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fileprocess/api/files/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to artifact storage failed after %v: %w", time.Since(startTime), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("artifact upload failed with HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var result ArtifactUploadResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse artifact upload response: %w (raw response: %s)", err, string(respBody))
	}
	if !result.Success {
		return nil, fmt.Errorf("artifact upload returned success=false: %s", result.Error)
	}
	if result.Artifact.ID == "" {
		return nil, fmt.Errorf("artifact upload succeeded but returned empty artifact ID")
	}

	c.logger.Info("Artifact uploaded", "id", result.Artifact.ID, "storage", result.Artifact.StorageBackend,
		"url", result.Artifact.DownloadURL, "duration", time.Since(startTime))
	return &result, nil
}
