package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "converter:jobs", cfg.QueueName)
	assert.Equal(t, "list", cfg.QueueMode)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.True(t, cfg.EnableGeometryIndex)
	assert.False(t, cfg.EnableArtifactUpload)
}

func TestLoadConfig_MissingDatabasePanics(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	assert.Panics(t, func() { _, _ = LoadConfig() })
}

func TestLoadConfig_RejectsBadQueueMode(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("QUEUE_MODE", "kafka")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "QUEUE_MODE")
}

func TestLoadConfig_BoolAndIntParsing(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("ENABLE_ARTIFACT_UPLOAD", "true")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.EnableArtifactUpload)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
}

func TestDefaultOptions_PerFormat(t *testing.T) {
	coco := DefaultOptions(FormatCOCO)
	assert.Equal(t, PolicyName, coco.CategoryPolicy)
	assert.Equal(t, 0, coco.ImageIDStart)
	assert.Equal(t, 0, coco.AnnotationIDStart)
	assert.Equal(t, 1, coco.CategoryBase)
	assert.True(t, coco.RoundCoordinates)

	flat := DefaultOptions(FormatCOCOFlat)
	assert.Equal(t, PolicyNameAndAttributes, flat.CategoryPolicy)

	std := DefaultOptions(FormatJSON)
	assert.Equal(t, 1, std.ImageIDStart)
	assert.False(t, std.RoundCoordinates)

	voc := DefaultOptions(FormatVOC)
	assert.True(t, voc.RoundCoordinates)
	assert.Equal(t, PolicyName, voc.CategoryPolicy)
	assert.False(t, DefaultOptions(FormatLabelMe).RoundCoordinates)
}

func TestLoadOptions_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	content := `format: coco
category_base: 10
area_mode: mask
segmentation_format: rle
export_time: 2024-03-01T12:00:00Z
ontology: [car, person]
camera:
  fx: 1000
  fy: 1000
  cx: 640
  cy: 360
  rotation: [0, 0, 0]
  translation: [0, 0, 0]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	opts, err := LoadOptions(path, "")
	require.NoError(t, err)

	assert.Equal(t, FormatCOCO, opts.Format)
	assert.Equal(t, 10, opts.CategoryBase)
	assert.Equal(t, AreaMask, opts.AreaMode)
	assert.Equal(t, SegmentationRLE, opts.SegmentationFormat)
	assert.True(t, opts.RoundCoordinates, "unset keys keep format defaults")
	require.NotNil(t, opts.ExportTime)
	assert.True(t, opts.ExportTime.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, []string{"car", "person"}, opts.Ontology)
	require.NotNil(t, opts.Camera)
	assert.Equal(t, 640.0, opts.Camera.CX)
}

func TestLoadOptions_FlagFormatWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("format: coco\n"), 0o644))

	opts, err := LoadOptions(path, FormatCOCOFlat)
	require.NoError(t, err)
	assert.Equal(t, FormatCOCOFlat, opts.Format)
	assert.Equal(t, PolicyNameAndAttributes, opts.CategoryPolicy)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		errMsg string
	}{
		{"unknown format", func(o *Options) { o.Format = "yolo" }, "unsupported format"},
		{"bad policy", func(o *Options) { o.CategoryPolicy = "attrs" }, "category_policy"},
		{"negative start", func(o *Options) { o.ImageIDStart = -1 }, "negative"},
		{"bad area", func(o *Options) { o.AreaMode = "pixels" }, "area_mode"},
		{"bad segmentation", func(o *Options) { o.SegmentationFormat = "bitmap" }, "segmentation_format"},
		{"bad camera", func(o *Options) { o.Camera = &CameraOptions{FX: 0, FY: 1} }, "focal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions(FormatCOCO)
			tt.mutate(opts)
			assert.ErrorContains(t, opts.Validate(), tt.errMsg)
		})
	}
}

func TestFormats_AllDescribed(t *testing.T) {
	assert.Len(t, FormatDescriptions, len(Formats))
	for _, f := range Formats {
		assert.True(t, IsSupportedFormat(f))
		assert.NotEmpty(t, FormatDescriptions[f], f)
	}
	assert.False(t, IsSupportedFormat("yolo"))
}
