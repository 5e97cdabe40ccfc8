// Package testutil provides shared test fixtures: export archives built in
// temporary directories with fixed entry timestamps.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

// FixtureTime is the modification time stamped on every fixture entry.
var FixtureTime = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

// Entry is one file in a fixture archive.
type Entry struct {
	Name string
	Body []byte
}

// WriteZip writes entries, in order, to a zip archive at path.
func WriteZip(t testing.TB, path string, entries []Entry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: FixtureTime,
		})
		if err != nil {
			t.Fatalf("create entry %s: %v", e.Name, err)
		}
		if _, err := w.Write(e.Body); err != nil {
			t.Fatalf("write entry %s: %v", e.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
}

// JSON marshals v or fails the test.
func JSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

// Unit describes one data unit of a fixture export.
type Unit struct {
	ID      string
	Name    string
	Width   int
	Height  int
	URL     string
	Objects []map[string]interface{} // nil means no result file
}

// Rect returns a RECTANGLE object from two corners.
func Rect(class string, x0, y0, x1, y1 float64) map[string]interface{} {
	return map[string]interface{}{
		"type":      "RECTANGLE",
		"className": class,
		"contour": map[string]interface{}{
			"points": []map[string]float64{{"x": x0, "y": y0}, {"x": x1, "y": y1}},
		},
	}
}

// Poly returns an object of the given type over flat x,y coordinates.
func Poly(kind, class string, coords ...float64) map[string]interface{} {
	pts := make([]map[string]float64, 0, len(coords)/2)
	for i := 0; i+1 < len(coords); i += 2 {
		pts = append(pts, map[string]float64{"x": coords[i], "y": coords[i+1]})
	}
	return map[string]interface{}{
		"type":      kind,
		"className": class,
		"contour":   map[string]interface{}{"points": pts},
	}
}

// WithAttrs adds classValues to an object.
func WithAttrs(obj map[string]interface{}, kv ...string) map[string]interface{} {
	var values []map[string]interface{}
	for i := 0; i+1 < len(kv); i += 2 {
		values = append(values, map[string]interface{}{"name": kv[i], "value": kv[i+1]})
	}
	obj["classValues"] = values
	return obj
}

// ExportArchive writes a platform-style export archive for units into dir
// and returns its path. The archive is named "<dataset>-20240517.zip".
func ExportArchive(t testing.TB, dir, dataset string, units []Unit) string {
	t.Helper()
	var entries []Entry
	for _, u := range units {
		url := u.URL
		if url == "" {
			url = "https://cdn.example.com/images/" + u.Name + ".jpg?token=abc"
		}
		entries = append(entries, Entry{
			Name: dataset + "/data/" + u.Name + ".json",
			Body: JSON(t, map[string]interface{}{
				"dataId":   u.ID,
				"name":     u.Name,
				"width":    u.Width,
				"height":   u.Height,
				"imageUrl": url,
			}),
		})
		if u.Objects != nil {
			entries = append(entries, Entry{
				Name: dataset + "/result/" + u.Name + ".json",
				Body: JSON(t, []map[string]interface{}{{"dataId": u.ID, "objects": u.Objects}}),
			})
		}
	}
	path := filepath.Join(dir, dataset+"-20240517.zip")
	WriteZip(t, path, entries)
	return path
}
