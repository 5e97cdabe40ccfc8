// Package health serves the worker's liveness, statistics and run history
// endpoints over fasthttp.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/adverant/nexus/annotation-converter/internal/config"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

// Backend is the storage the endpoints read from.
type Backend interface {
	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (map[string]interface{}, error)
	ListRuns(ctx context.Context, limit int) ([]*storage.RunRecord, error)
	GetRun(ctx context.Context, runID string) (*storage.RunRecord, error)
	GetJob(ctx context.Context, jobID string) (*storage.Job, error)
}

// QueueStats reports queue depth; nil when the queue exposes none.
type QueueStats func() (map[string]interface{}, error)

// Server is the health HTTP server.
type Server struct {
	backend   Backend
	queue     QueueStats
	version   string
	startedAt time.Time
	logger    *logging.Logger
	srv       *fasthttp.Server
}

// NewServer builds a server over backend. queue may be nil.
func NewServer(backend Backend, queue QueueStats, version string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewLogger("health")
	}
	s := &Server{
		backend:   backend,
		queue:     queue,
		version:   version,
		startedAt: time.Now(),
		logger:    logger,
	}
	s.srv = &fasthttp.Server{
		Handler:      s.Handle,
		Name:         "annotation-converter",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Printf("Health server listening on %s", addr)
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// Handle routes a request.
func (s *Server) Handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() {
		s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := string(ctx.Path())
	switch {
	case path == "/health":
		s.handleHealth(ctx)
	case path == "/stats":
		s.handleStats(ctx)
	case path == "/formats":
		s.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"formats": config.Formats})
	case path == "/runs":
		s.handleListRuns(ctx)
	case strings.HasPrefix(path, "/runs/"):
		s.handleGetRun(ctx, strings.TrimPrefix(path, "/runs/"))
	case strings.HasPrefix(path, "/jobs/"):
		s.handleGetJob(ctx, strings.TrimPrefix(path, "/jobs/"))
	default:
		s.writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	c, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"status":  "healthy",
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if err := s.backend.Ping(c); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		s.writeJSON(ctx, fasthttp.StatusServiceUnavailable, body)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, body)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.backend.GetStats(c)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}
	body := map[string]interface{}{"storage": stats}
	if s.queue != nil {
		q, err := s.queue()
		if err != nil {
			s.logger.Warn("Queue statistics unavailable", "error", err)
		} else {
			body["queue"] = q
		}
	}
	s.writeJSON(ctx, fasthttp.StatusOK, body)
}

func (s *Server) handleListRuns(ctx *fasthttp.RequestCtx) {
	limit := ctx.QueryArgs().GetUintOrZero("limit")
	runs, err := s.backend.ListRuns(context.Background(), limit)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	items := make([]map[string]interface{}, 0, len(runs))
	for _, r := range runs {
		items = append(items, runSummary(r))
	}
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"runs": items})
}

func (s *Server) handleGetRun(ctx *fasthttp.RequestCtx, runID string) {
	rec, err := s.backend.GetRun(context.Background(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(ctx, fasthttp.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(rec.Report)
}

func (s *Server) handleGetJob(ctx *fasthttp.RequestCtx, jobID string) {
	job, err := s.backend.GetJob(context.Background(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(ctx, fasthttp.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
		"id":           job.ID,
		"status":       job.Status,
		"progress":     job.Progress,
		"runId":        job.RunID,
		"errorCode":    job.ErrorCode,
		"errorMessage": job.ErrorMessage,
		"metadata":     job.Metadata,
		"updatedAt":    job.UpdatedAt,
	})
}

func runSummary(r *storage.RunRecord) map[string]interface{} {
	return map[string]interface{}{
		"runId":       r.RunID,
		"jobId":       r.JobID,
		"dataset":     r.Dataset,
		"target":      r.Target,
		"state":       r.State,
		"dataUnits":   r.DataUnits,
		"annotations": r.Annotations,
		"categories":  r.Categories,
		"skipped":     r.Skipped,
		"warnings":    r.Warnings,
		"degenerate":  r.Degenerate,
		"outputPaths": r.OutputPaths,
		"error":       r.Error,
		"durationMs":  r.DurationMs,
		"startedAt":   r.StartedAt,
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		ctx.Error(`{"error":"encoding failed"}`, fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	s.writeJSON(ctx, status, map[string]string{"error": msg})
}
