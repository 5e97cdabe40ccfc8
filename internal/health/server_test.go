package health

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/adverant/nexus/annotation-converter/internal/converter"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

func do(t *testing.T, s *Server, method, uri string) (int, map[string]interface{}) {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	s.Handle(&ctx)

	var body map[string]interface{}
	if len(ctx.Response.Body()) > 0 {
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	}
	return ctx.Response.StatusCode(), body
}

func newTestServer(t *testing.T) (*Server, *storage.StorageManager) {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "runs.db"), logging.Discard())
	require.NoError(t, err)
	sm := storage.NewStorageManagerWith(store, nil, logging.Discard())
	t.Cleanup(func() { sm.Close() })

	queue := func() (map[string]interface{}, error) {
		return map[string]interface{}{"waiting": 2}, nil
	}
	return NewServer(sm, queue, "1.0.0", logging.Discard()), sm
}

func TestHealth(t *testing.T) {
	s, sm := newTestServer(t)

	status, body := do(t, s, "GET", "/health")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "1.0.0", body["version"])

	require.NoError(t, sm.Close())
	status, body = do(t, s, "GET", "/health")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestStatsAndFormats(t *testing.T) {
	s, _ := newTestServer(t)

	status, body := do(t, s, "GET", "/stats")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"waiting": 2.0}, body["queue"])

	status, body = do(t, s, "GET", "/formats")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, []interface{}{"coco", "coco-flat", "json", "from-coco", "voc", "labelme"}, body["formats"])
}

func TestRunsAndJobs(t *testing.T) {
	s, sm := newTestServer(t)
	ctx := context.Background()

	report := &converter.Report{
		RunID: "0b4e6f0e-8f7e-4a53-9b87-7f3c0d9a2a11", Dataset: "cars", Target: "coco",
		State: converter.StateDone, Annotations: 3, StartedAt: time.Now().UTC(),
	}
	_, err := sm.PersistRun(ctx, report, "job-1", nil)
	require.NoError(t, err)
	require.NoError(t, sm.UpdateJobStatus(ctx, &storage.JobUpdate{JobID: "job-1", Status: storage.JobStatusCompleted, Progress: 100, RunID: report.RunID}))

	status, body := do(t, s, "GET", "/runs?limit=5")
	assert.Equal(t, fasthttp.StatusOK, status)
	runs := body["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, "cars", runs[0].(map[string]interface{})["dataset"])

	status, body = do(t, s, "GET", "/runs/"+report.RunID)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "done", body["state"])
	assert.Equal(t, 3.0, body["annotations"])

	status, _ = do(t, s, "GET", "/runs/missing")
	assert.Equal(t, fasthttp.StatusNotFound, status)

	status, body = do(t, s, "GET", "/jobs/job-1")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, report.RunID, body["runId"])
}

func TestRouting(t *testing.T) {
	s, _ := newTestServer(t)

	status, _ := do(t, s, "POST", "/health")
	assert.Equal(t, fasthttp.StatusMethodNotAllowed, status)

	status, body := do(t, s, "GET", "/nope")
	assert.Equal(t, fasthttp.StatusNotFound, status)
	assert.Equal(t, "not found", body["error"])
}

func TestStatsQueueErrorIsTolerated(t *testing.T) {
	s, _ := newTestServer(t)
	s.queue = func() (map[string]interface{}, error) { return nil, errors.New("redis down") }

	status, body := do(t, s, "GET", "/stats")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.NotContains(t, body, "queue")
}
