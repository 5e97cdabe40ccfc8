// Package mcpserver exposes the converter as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/adverant/nexus/annotation-converter/internal/config"
	"github.com/adverant/nexus/annotation-converter/internal/converter"
	"github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/schema"
	"github.com/adverant/nexus/annotation-converter/internal/storage"
)

const defaultListLimit = 20

// History records and lists conversion runs.
type History interface {
	PersistRun(ctx context.Context, report *converter.Report, jobID string, doc *schema.COCODocument) (*storage.PersistResult, error)
	ListRuns(ctx context.Context, limit int) ([]*storage.RunRecord, error)
	GetRun(ctx context.Context, runID string) (*storage.RunRecord, error)
}

// Config configures the tool server.
type Config struct {
	Version      string
	History      History // nil disables list_runs/get_run and run recording
	MaxEntrySize int64
	Logger       *logging.Logger
}

// New builds the MCP server with every tool registered.
func New(cfg Config) *mcp.Server {
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("mcp")
	}
	h := &handlers{cfg: cfg}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "annotation-converter",
		Version: cfg.Version,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "convert_archive",
		Description: "Convert an annotation export archive into COCO or standard json. The output directory must be empty or absent.",
	}, h.convertArchive)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_formats",
		Description: "List the supported conversion formats.",
	}, h.listFormats)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_runs",
		Description: "List recorded conversion runs, newest first.",
	}, h.listRuns)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_run",
		Description: "Get the full report of a recorded conversion run.",
	}, h.getRun)

	return srv
}

type handlers struct {
	cfg Config
}

// ConvertArchiveInput is the input of convert_archive.
type ConvertArchiveInput struct {
	ArchivePath string   `json:"archive_path" jsonschema:"Path of the export archive (or COCO json for from-coco)"`
	OutputDir   string   `json:"output_dir" jsonschema:"Destination directory, must be empty or absent"`
	Format      string   `json:"format,omitempty" jsonschema:"Target format: coco, coco-flat, json, from-coco, voc or labelme (default coco)"`
	OptionsPath string   `json:"options_path,omitempty" jsonschema:"Optional YAML options file"`
	Ontology    []string `json:"ontology,omitempty" jsonschema:"Optional class names; unknown classes are reported as warnings"`
}

// ListFormatsInput is the input of list_formats.
type ListFormatsInput struct{}

// ListRunsInput is the input of list_runs.
type ListRunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of runs (default 20)"`
}

// GetRunInput is the input of get_run.
type GetRunInput struct {
	RunID string `json:"run_id" jsonschema:"Run id returned by convert_archive"`
}

type formatInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type convertResult struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Report  *converter.Report `json:"report,omitempty"`
}

func (h *handlers) convertArchive(ctx context.Context, _ *mcp.CallToolRequest, in ConvertArchiveInput) (*mcp.CallToolResult, any, error) {
	if in.ArchivePath == "" || in.OutputDir == "" {
		return toolError("archive_path and output_dir are required"), nil, nil
	}
	if _, err := os.Stat(in.ArchivePath); err != nil {
		return toolError("Archive not readable: %v", err), nil, nil
	}

	opts, err := config.LoadOptions(in.OptionsPath, in.Format)
	if err != nil {
		return toolError("Invalid options: %v", err), nil, nil
	}
	cc := converter.Config{
		Options:      opts,
		Logger:       h.cfg.Logger,
		MaxEntrySize: h.cfg.MaxEntrySize,
	}
	if len(in.Ontology) > 0 {
		cc.Catalog = converter.NewCatalog(in.Ontology)
	}
	conv, err := converter.New(cc)
	if err != nil {
		return toolError("%v", err), nil, nil
	}

	report, convErr := conv.Convert(ctx, in.ArchivePath, in.OutputDir)
	if report != nil {
		h.record(ctx, report)
	}
	if convErr != nil {
		res, _, _ := toolJSON(convertResult{Code: string(errors.CodeOf(convErr)), Message: convErr.Error(), Report: report})
		res.IsError = true
		return res, nil, nil
	}
	return toolJSON(convertResult{Code: "OK", Message: report.Summary(), Report: report})
}

// record stores report when a history is configured. Failures are logged.
func (h *handlers) record(ctx context.Context, report *converter.Report) {
	if h.cfg.History == nil {
		return
	}
	var doc *schema.COCODocument
	if report.Succeeded() && (report.Target == config.FormatCOCO || report.Target == config.FormatCOCOFlat) && len(report.OutputPaths) > 0 {
		d, err := schema.ReadCOCO(report.OutputPaths[0])
		if err != nil {
			h.cfg.Logger.Warn("Emitted document unreadable, indexing skipped", "run", report.RunID, "error", err)
		} else {
			doc = d
		}
	}
	if _, err := h.cfg.History.PersistRun(ctx, report, "", doc); err != nil {
		h.cfg.Logger.Warn("Failed to record run", "run", report.RunID, "error", err)
	}
}

func (h *handlers) listFormats(_ context.Context, _ *mcp.CallToolRequest, _ ListFormatsInput) (*mcp.CallToolResult, any, error) {
	formats := make([]formatInfo, 0, len(config.Formats))
	for _, f := range config.Formats {
		formats = append(formats, formatInfo{Name: f, Description: config.FormatDescriptions[f]})
	}
	return toolJSON(formats)
}

func (h *handlers) listRuns(ctx context.Context, _ *mcp.CallToolRequest, in ListRunsInput) (*mcp.CallToolResult, any, error) {
	if h.cfg.History == nil {
		return toolError("Run history is not configured"), nil, nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	runs, err := h.cfg.History.ListRuns(ctx, limit)
	if err != nil {
		return toolError("Failed to list runs: %v", err), nil, nil
	}

	type runSummary struct {
		RunID       string `json:"run_id"`
		Dataset     string `json:"dataset"`
		Target      string `json:"target"`
		State       string `json:"state"`
		Annotations int    `json:"annotations"`
		Skipped     int    `json:"skipped"`
		Warnings    int    `json:"warnings"`
		StartedAt   string `json:"started_at"`
	}
	out := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary{
			RunID:       r.RunID,
			Dataset:     r.Dataset,
			Target:      r.Target,
			State:       r.State,
			Annotations: r.Annotations,
			Skipped:     r.Skipped,
			Warnings:    r.Warnings,
			StartedAt:   r.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return toolJSON(out)
}

func (h *handlers) getRun(ctx context.Context, _ *mcp.CallToolRequest, in GetRunInput) (*mcp.CallToolResult, any, error) {
	if h.cfg.History == nil {
		return toolError("Run history is not configured"), nil, nil
	}
	if in.RunID == "" {
		return toolError("run_id is required"), nil, nil
	}
	rec, err := h.cfg.History.GetRun(ctx, in.RunID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return toolError("Run %s not found", in.RunID), nil, nil
	}
	if err != nil {
		return toolError("Failed to load run: %v", err), nil, nil
	}
	report, err := rec.DecodeReport()
	if err != nil {
		return toolError("Stored report unreadable: %v", err), nil, nil
	}
	return toolJSON(report)
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
