package converter

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/annotation-converter/internal/config"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
	"github.com/adverant/nexus/annotation-converter/internal/logging"
	"github.com/adverant/nexus/annotation-converter/internal/schema"
	"github.com/adverant/nexus/annotation-converter/internal/testutil"
)

func newTestConverter(t *testing.T, format string, mutate ...func(*Config)) *Converter {
	t.Helper()
	cfg := Config{Options: config.DefaultOptions(format), Logger: logging.Discard()}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func readCOCO(t *testing.T, path string) *schema.COCODocument {
	t.Helper()
	doc, err := schema.ReadCOCO(path)
	require.NoError(t, err)
	return doc
}

func TestConvert_RectangleScenario(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "frame", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.Rect("car", 10, 10, 50, 40),
		}},
	})
	out := filepath.Join(t.TempDir(), "out")

	report, err := newTestConverter(t, config.FormatCOCO).Convert(context.Background(), archivePath, out)
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, "cars", report.Dataset)
	assert.Equal(t, 1, report.DataUnits)
	assert.Equal(t, 1, report.Annotations)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Warnings)

	cocoPath := filepath.Join(out, "cars_coco.json")
	assert.Equal(t, []string{cocoPath}, report.OutputPaths)
	doc := readCOCO(t, cocoPath)

	require.Len(t, doc.Images, 1)
	assert.Equal(t, 0, doc.Images[0].ID)
	assert.Equal(t, "frame.jpg", doc.Images[0].FileName)
	require.Len(t, doc.Annotations, 1)
	ann := doc.Annotations[0]
	assert.Equal(t, []float64{10, 10, 40, 30}, ann.BBox)
	assert.Equal(t, 1200.0, ann.Area)
	assert.Equal(t, 0, ann.ImageID)
	require.Len(t, doc.Categories, 1)
	assert.Equal(t, 1, doc.Categories[0].ID)
	assert.Equal(t, "car", doc.Categories[0].Name)
	assert.Equal(t, "2024-05-17T09:30:00Z", doc.Info.DateCreated)

	var states []State
	for _, tr := range report.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateExtracting, StateNormalizing, StateEmitting, StateDone}, states)
}

func TestConvert_CollinearPolygonIsDegenerateNotSkipped(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "lines", []testutil.Unit{
		{ID: "d1", Name: "frame", Width: 100, Height: 100, Objects: []map[string]interface{}{
			testutil.Poly("POLYGON", "lane", 0, 0, 5, 5, 10, 10),
		}},
	})
	out := filepath.Join(t.TempDir(), "out")

	report, err := newTestConverter(t, config.FormatCOCO).Convert(context.Background(), archivePath, out)
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, report.Degenerate)
	assert.Equal(t, []string{"d1#0"}, report.DegenerateRefs)

	doc := readCOCO(t, report.OutputPaths[0])
	require.Len(t, doc.Annotations, 1)
	assert.Equal(t, 0.0, doc.Annotations[0].Area)
	assert.True(t, doc.Annotations[0].Degenerate)
}

func TestConvert_UnknownClassWarning(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "frame", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.Rect("car", 0, 0, 10, 10),
			testutil.Rect("spaceship", 0, 0, 20, 20),
		}},
	})
	out := filepath.Join(t.TempDir(), "out")

	c := newTestConverter(t, config.FormatCOCO, func(cfg *Config) {
		cfg.Catalog = NewCatalog([]string{"car", "truck"})
	})
	report, err := c.Convert(context.Background(), archivePath, out)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	require.Len(t, report.Warnings, 1, report.Summary())
	assert.Equal(t, cerrors.ErrorUnknownClass, report.Warnings[0].Code)
	assert.Equal(t, "spaceship", report.Warnings[0].Class)
	assert.Equal(t, 2, report.Annotations, "unknown classes are still emitted")
}

func TestConvert_NonEmptyDestinationFailsWithoutReport(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "frame", Objects: []map[string]interface{}{testutil.Rect("car", 0, 0, 1, 1)}},
	})
	out := t.TempDir()
	stale := filepath.Join(out, "keep.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	report, err := newTestConverter(t, config.FormatCOCO).Convert(context.Background(), archivePath, out)
	assert.Nil(t, report)
	assert.True(t, cerrors.Is(err, cerrors.ErrorDestinationNotEmpty))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.FileExists(t, stale)
}

func TestConvert_OutputInvariants(t *testing.T) {
	units := []testutil.Unit{
		{ID: "u1", Name: "a", Width: 200, Height: 100, Objects: []map[string]interface{}{
			testutil.Rect("car", 10.4, 20.6, 60.2, 80.9),
			testutil.Poly("POLYGON", "road", 1.2, 1.7, 50.5, 3.3, 40.1, 60.9, 2.2, 55.5),
			testutil.Poly("POLYGON", "road", 1, 1, 2, 2), // too few points
		}},
		{ID: "u2", Name: "b", Width: 200, Height: 100, Objects: []map[string]interface{}{
			testutil.Poly("POLYLINE", "lane", 0.5, 0.5, 99.5, 40.2, 150.7, 90.1),
			testutil.Rect("car", 5, 5, 15, 25),
		}},
		{ID: "u3", Name: "c", Width: 200, Height: 100},
		{ID: "u4", Name: "d", Width: 200, Height: 100, Objects: []map[string]interface{}{
			testutil.Rect("person", 100, 50, 120, 90),
		}},
	}
	archivePath := testutil.ExportArchive(t, t.TempDir(), "mixed", units)
	out := filepath.Join(t.TempDir(), "out")

	report, err := newTestConverter(t, config.FormatCOCO).Convert(context.Background(), archivePath, out)
	require.NoError(t, err)

	require.Len(t, report.Skipped, 1)
	assert.Equal(t, cerrors.ErrorInvalidGeometry, report.Skipped[0].Code)
	assert.Equal(t, "u1", report.Skipped[0].DataID)
	assert.Equal(t, 2, report.Skipped[0].Index)
	assert.Equal(t, 4, report.DataUnits)
	assert.Equal(t, 1, report.UnitsWithoutResult)
	assert.Equal(t, 3, report.Images)
	assert.Equal(t, 5, report.Annotations)
	assert.Equal(t, 4, report.Categories)

	doc := readCOCO(t, report.OutputPaths[0])
	require.NoError(t, doc.Validate())

	images := map[int]bool{}
	for _, img := range doc.Images {
		assert.False(t, images[img.ID], "duplicate image id %d", img.ID)
		images[img.ID] = true
	}
	anns := map[int]bool{}
	for _, a := range doc.Annotations {
		assert.False(t, anns[a.ID], "duplicate annotation id %d", a.ID)
		anns[a.ID] = true
		assert.True(t, images[a.ImageID], "annotation %d references missing image", a.ID)
	}

	// every source vertex lies inside its emitted bbox
	var sources [][]float64
	for _, u := range units {
		for i, obj := range u.Objects {
			if u.ID == "u1" && i == 2 {
				continue
			}
			var flat []float64
			for _, p := range obj["contour"].(map[string]interface{})["points"].([]map[string]float64) {
				flat = append(flat, p["x"], p["y"])
			}
			sources = append(sources, flat)
		}
	}
	require.Len(t, doc.Annotations, len(sources))
	for i, a := range doc.Annotations {
		x, y, w, h := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		for j := 0; j+1 < len(sources[i]); j += 2 {
			px, py := sources[i][j], sources[i][j+1]
			assert.True(t, px >= x && px <= x+w && py >= y && py <= y+h,
				"annotation %d: vertex (%v,%v) outside bbox %v\n%s", a.ID, px, py, a.BBox, spew.Sdump(a))
		}
	}
}

func TestConvert_RerunIsByteIdentical(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d2", Name: "second", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.WithAttrs(testutil.Rect("car", 1, 2, 30, 40), "color", "red", "occluded", "no"),
			testutil.Poly("POLYGON", "tree", 0, 0, 10, 0, 10, 10, 0, 10),
		}},
		{ID: "d1", Name: "first", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.WithAttrs(testutil.Rect("car", 5, 5, 9, 9), "color", "blue"),
		}},
	})

	for _, format := range []string{config.FormatCOCO, config.FormatCOCOFlat} {
		t.Run(format, func(t *testing.T) {
			c := newTestConverter(t, format)
			first, err := c.Convert(context.Background(), archivePath, filepath.Join(t.TempDir(), "one"))
			require.NoError(t, err)
			second, err := c.Convert(context.Background(), archivePath, filepath.Join(t.TempDir(), "two"))
			require.NoError(t, err)
			assert.NotEqual(t, first.RunID, second.RunID)

			a, err := os.ReadFile(first.OutputPaths[0])
			require.NoError(t, err)
			b, err := os.ReadFile(second.OutputPaths[0])
			require.NoError(t, err)
			assert.True(t, bytes.Equal(a, b), "outputs differ")
		})
	}
}

func TestConvert_FlatPolicySplitsCategoriesByAttributes(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "frame", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.WithAttrs(testutil.Rect("car", 0, 0, 10, 10), "color", "red"),
			testutil.WithAttrs(testutil.Rect("car", 0, 0, 10, 10), "color", "blue"),
			testutil.WithAttrs(testutil.Rect("car", 0, 0, 10, 10), "color", "red"),
		}},
	})

	tests := []struct {
		format     string
		categories int
	}{
		{config.FormatCOCO, 1},
		{config.FormatCOCOFlat, 2},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			report, err := newTestConverter(t, tt.format).Convert(context.Background(), archivePath, filepath.Join(t.TempDir(), "out"))
			require.NoError(t, err)
			doc := readCOCO(t, report.OutputPaths[0])
			require.Len(t, doc.Categories, tt.categories)
			if tt.format == config.FormatCOCOFlat {
				assert.Equal(t, map[string]interface{}{"color": "red"}, doc.Categories[0].Attributes)
				assert.Nil(t, doc.Annotations[0].Attributes)
				assert.Equal(t, doc.Annotations[0].CategoryID, doc.Annotations[2].CategoryID)
			} else {
				assert.Equal(t, map[string]interface{}{"color": "red"}, doc.Annotations[0].Attributes)
			}
		})
	}
}

func TestConvert_CancelledRunLeavesNoOutput(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "a", Objects: []map[string]interface{}{testutil.Rect("car", 0, 0, 1, 1)}},
		{ID: "d2", Name: "b", Objects: []map[string]interface{}{testutil.Rect("car", 0, 0, 1, 1)}},
		{ID: "d3", Name: "c", Objects: []map[string]interface{}{testutil.Rect("car", 0, 0, 1, 1)}},
	})
	out := filepath.Join(t.TempDir(), "out")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestConverter(t, config.FormatCOCO, func(cfg *Config) {
		cfg.Progress = func(done, total int) {
			if done == 1 {
				cancel()
			}
		}
	})

	report, err := c.Convert(ctx, archivePath, out)
	require.Error(t, err)
	var ce *cerrors.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, cerrors.ErrorRunCancelled, ce.Code)
	assert.Equal(t, report.RunID, ce.RunID)

	require.NotNil(t, report)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, 1, report.DataUnits)
	assert.Empty(t, report.OutputPaths)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled run must not leave partial output")
}

func TestConvert_CorruptArchiveFails(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken-1.zip")
	require.NoError(t, os.WriteFile(src, []byte("not a zip"), 0o644))
	out := filepath.Join(t.TempDir(), "out")

	report, err := newTestConverter(t, config.FormatCOCO).Convert(context.Background(), src, out)
	assert.True(t, cerrors.Is(err, cerrors.ErrorArchiveCorrupt))
	require.NotNil(t, report)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, StateExtracting, report.History[len(report.History)-1].From)
	assert.Contains(t, report.Summary(), "error:")

	entries, _ := os.ReadDir(out)
	assert.Empty(t, entries)
}

func TestConvert_StandardJSONFillsTracks(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "frame", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.Rect("car", 10, 10, 50, 40),
			testutil.Poly("KEY_POINT", "", 3, 4),
		}},
	})
	out := filepath.Join(t.TempDir(), "out")

	report, err := newTestConverter(t, config.FormatJSON).Convert(context.Background(), archivePath, out)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TracksFilled)
	assert.Equal(t, []string{filepath.Join(out, schema.ResultDir)}, report.OutputPaths)

	raw, err := os.ReadFile(filepath.Join(out, schema.ResultDir, "frame.json"))
	require.NoError(t, err)
	var res schema.StandardResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "d1", res.DataID)
	require.Len(t, res.Objects, 2)
	assert.Equal(t, "1", res.Objects[0].TrackName)
	assert.Equal(t, "2", res.Objects[1].TrackName)
	assert.Equal(t, "null", res.Objects[1].ClassName)
	assert.NotEmpty(t, res.Objects[0].TrackID)
}

func TestConvert_FromCOCOArchive(t *testing.T) {
	doc := &schema.COCODocument{
		Info:        schema.NewInfo("streets", testutil.FixtureTime),
		Images:      []schema.Image{{ID: 0, FileName: "img1.jpg", Width: 32, Height: 32}},
		Annotations: []schema.Annotation{{ID: 7, ImageID: 0, CategoryID: 1, BBox: []float64{1, 2, 3, 4}}},
		Categories:  []schema.Category{{ID: 1, Name: "sign"}},
	}
	src := filepath.Join(t.TempDir(), "streets-coco.zip")
	testutil.WriteZip(t, src, []testutil.Entry{
		{Name: "annotations/instances.json", Body: testutil.JSON(t, doc)},
		{Name: "images/img1.jpg", Body: []byte("jpeg")},
	})
	out := filepath.Join(t.TempDir(), "out")

	report, err := newTestConverter(t, config.FormatFromCOCO).Convert(context.Background(), src, out)
	require.NoError(t, err, "%v", report)
	assert.Equal(t, "streets", report.Dataset)
	assert.Equal(t, []string{filepath.Join(out, schema.ResultDir), filepath.Join(out, MediaDir)}, report.OutputPaths)
	assert.FileExists(t, filepath.Join(out, MediaDir, "img1.jpg"))

	raw, err := os.ReadFile(filepath.Join(out, schema.ResultDir, "img1.json"))
	require.NoError(t, err)
	var res schema.StandardResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "coco", res.SourceName)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "RECTANGLE", res.Objects[0].Type)
	assert.Equal(t, "7", res.Objects[0].TrackName)
	assert.Equal(t, "sign", res.Objects[0].ClassName)
}

func TestConvert_PerUnitFormats(t *testing.T) {
	archivePath := testutil.ExportArchive(t, t.TempDir(), "cars", []testutil.Unit{
		{ID: "d1", Name: "frame", Width: 640, Height: 480, Objects: []map[string]interface{}{
			testutil.WithAttrs(testutil.Rect("car", 10, 10, 50, 40), "color", "red"),
			testutil.Poly("POLYGON", "lot", 0, 0, 20, 0, 20, 20),
		}},
	})

	out := filepath.Join(t.TempDir(), "voc")
	report, err := newTestConverter(t, config.FormatVOC).Convert(context.Background(), archivePath, out)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(out, schema.VOCDir)}, report.OutputPaths)
	raw, err := os.ReadFile(filepath.Join(out, schema.VOCDir, "frame-d1.xml"))
	require.NoError(t, err)
	var voc schema.VOCAnnotation
	require.NoError(t, xml.Unmarshal(raw, &voc))
	require.Len(t, voc.Objects, 2)
	assert.Equal(t, schema.VOCBndBox{XMin: 10, YMin: 10, XMax: 50, YMax: 40}, voc.Objects[0].BndBox)
	assert.Equal(t, "lot", voc.Objects[1].Name)
	assert.Equal(t, schema.VOCBndBox{XMin: 0, YMin: 0, XMax: 20, YMax: 20}, voc.Objects[1].BndBox)

	out = filepath.Join(t.TempDir(), "labelme")
	report, err = newTestConverter(t, config.FormatLabelMe).Convert(context.Background(), archivePath, out)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Annotations)
	raw, err = os.ReadFile(filepath.Join(out, schema.LabelMeDir, "frame-d1.json"))
	require.NoError(t, err)
	var lm schema.LabelMeDocument
	require.NoError(t, json.Unmarshal(raw, &lm))
	require.Len(t, lm.Shapes, 2)
	assert.Equal(t, "rectangle", lm.Shapes[0].ShapeType)
	assert.Equal(t, "red", lm.Shapes[0].Attributes["color"])
	assert.Equal(t, "polygon", lm.Shapes[1].ShapeType)
	assert.Len(t, lm.Shapes[1].Points, 3)
}

func TestNew_RejectsUnsupportedFormat(t *testing.T) {
	_, err := New(Config{Options: &config.Options{Format: "pascal-voc"}, Logger: logging.Discard()})
	assert.True(t, cerrors.Is(err, cerrors.ErrorUnsupportedFormat))
}

func TestReport_SummaryAlwaysListsCounts(t *testing.T) {
	r := newReport("run-1", config.FormatCOCO)
	r.transition(StateExtracting)
	r.transition(StateNormalizing)
	r.transition(StateEmitting)
	r.transition(StateDone)
	r.transition(StateFailed)

	assert.Equal(t, StateDone, r.State, "terminal states are final")
	assert.Contains(t, r.Summary(), "0 annotations")
	assert.Contains(t, r.Summary(), "0 skipped, 0 warnings")
}
