package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/annotation-converter/internal/converter"
	"github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/processor"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

var _ asynq.Logger = (*asynqLogger)(nil)

type statusCall struct {
	status   string
	metadata map[string]interface{}
}

type fakeProcessor struct {
	mu       sync.Mutex
	requests []*processor.ConvertRequest
	statuses []statusCall
	process  func(ctx context.Context, req *processor.ConvertRequest) (*processor.ConvertResult, error)
}

func (f *fakeProcessor) ProcessJob(ctx context.Context, req *processor.ConvertRequest) (*processor.ConvertResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.process(ctx, req)
}

func (f *fakeProcessor) UpdateJobStatus(_ context.Context, _ string, status string, _ int, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statusCall{status, metadata})
	return nil
}

func (f *fakeProcessor) lastStatus() statusCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[len(f.statuses)-1]
}

func succeed(_ context.Context, req *processor.ConvertRequest) (*processor.ConvertResult, error) {
	return &processor.ConvertResult{
		RunID:     "run-" + req.JobID,
		OutputDir: "/tmp/out",
		Report:    &converter.Report{Annotations: 5, Images: 3, Categories: 2},
	}, nil
}

func TestJobPayload_DecodesBufferFormats(t *testing.T) {
	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j","format":"coco","archiveBuffer":"UEsDBA=="}`), &p))
	assert.Equal(t, []byte("PK\x03\x04"), p.ArchiveBuffer)
	assert.Equal(t, "coco", p.Format)

	p = JobPayload{}
	require.NoError(t, json.Unmarshal([]byte(`{"jobId":"j","archiveBuffer":{"type":"Buffer","data":[80,75]}}`), &p))
	assert.Equal(t, []byte("PK"), p.ArchiveBuffer)

	assert.Error(t, json.Unmarshal([]byte(`{"jobId":"j","archiveBuffer":{"type":"Blob"}}`), &p))
	assert.Error(t, json.Unmarshal([]byte(`{"jobId":"j","archiveBuffer":12}`), &p))

	// The encoded form is what the decoder reads.
	raw, err := json.Marshal(JobPayload{JobID: "j", ArchiveBuffer: []byte("PK")})
	require.NoError(t, err)
	var back JobPayload
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []byte("PK"), back.ArchiveBuffer)
}

func TestJobPayload_Request(t *testing.T) {
	p := JobPayload{JobID: "j", Format: "json", DatasetID: "42", DataIDs: []string{"1"}, ArchiveName: "a.zip"}
	req := p.Request()
	assert.Equal(t, "j", req.JobID)
	assert.Equal(t, "json", req.Format)
	assert.Equal(t, "42", req.DatasetID)
	assert.Equal(t, []string{"1"}, req.DataIDs)
	assert.Equal(t, "a.zip", req.ArchiveName)
}

func TestRunJob_Completed(t *testing.T) {
	proc := &fakeProcessor{process: succeed}

	outcome, err := runJob(context.Background(), proc, &JobPayload{JobID: "j1"}, time.Second, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "run-j1", outcome["runId"])
	assert.Equal(t, 5, outcome["annotations"])

	require.Len(t, proc.statuses, 2)
	assert.Equal(t, storage.JobStatusProcessing, proc.statuses[0].status)
	assert.Equal(t, storage.JobStatusCompleted, proc.lastStatus().status)
}

func TestRunJob_FailureCarriesErrorCode(t *testing.T) {
	proc := &fakeProcessor{process: func(context.Context, *processor.ConvertRequest) (*processor.ConvertResult, error) {
		return &processor.ConvertResult{RunID: "run-x"}, errors.NewArchiveCorruptError("a.zip", stderrors.New("bad header"))
	}}

	outcome, err := runJob(context.Background(), proc, &JobPayload{JobID: "j2"}, time.Second, logging.Discard())
	require.Error(t, err)
	assert.Equal(t, "ARCHIVE_CORRUPT", outcome["error_code"])
	assert.Equal(t, "run-x", outcome["runId"])
	assert.Equal(t, storage.JobStatusFailed, proc.lastStatus().status)
}

func TestRunJob_Timeout(t *testing.T) {
	proc := &fakeProcessor{process: func(ctx context.Context, _ *processor.ConvertRequest) (*processor.ConvertResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, err := runJob(context.Background(), proc, &JobPayload{JobID: "j3"}, 10*time.Millisecond, logging.Discard())
	assert.True(t, errors.Is(err, errors.ErrorProcessingTimeout))
	assert.Equal(t, "PROCESSING_TIMEOUT", proc.lastStatus().metadata["error_code"])
}

func TestConsumer_HandleConvertArchive(t *testing.T) {
	proc := &fakeProcessor{process: succeed}
	c := &Consumer{processor: proc, config: &ConsumerConfig{ProcessingTimeout: 1000}, logger: logging.Discard()}

	task, err := NewConvertTask(&JobPayload{JobID: "j4", Format: "coco-flat", ArchiveURL: "https://x/a.zip"})
	require.NoError(t, err)
	assert.Equal(t, TaskConvertArchive, task.Type())

	require.NoError(t, c.handleConvertArchive(context.Background(), task))
	require.Len(t, proc.requests, 1)
	assert.Equal(t, "coco-flat", proc.requests[0].Format)
	assert.Equal(t, "https://x/a.zip", proc.requests[0].ArchiveURL)
}

func TestConsumer_MalformedPayloadSkipsRetry(t *testing.T) {
	c := &Consumer{processor: &fakeProcessor{process: succeed}, config: &ConsumerConfig{}, logger: logging.Discard()}

	err := c.handleConvertArchive(context.Background(), asynq.NewTask(TaskConvertArchive, []byte("{")))
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))

	err = c.handleConvertArchive(context.Background(), asynq.NewTask(TaskConvertArchive, []byte(`{"format":"coco"}`)))
	assert.True(t, stderrors.Is(err, asynq.SkipRetry))

	_, err = NewConvertTask(&JobPayload{})
	assert.Error(t, err)
}

func TestStatusEvent(t *testing.T) {
	at := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)
	ev := statusEvent("j5", storage.JobStatusCompleted, map[string]interface{}{"runId": "r"}, at)
	assert.Equal(t, "job:completed", ev["event"])
	assert.Equal(t, "2024-05-17T09:30:00Z", ev["timestamp"])
	assert.Equal(t, "r", ev["runId"])

	ev = statusEvent("j5", storage.JobStatusProcessing, nil, at)
	assert.NotContains(t, ev, "runId")
}
