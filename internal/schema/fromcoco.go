/**
 * COCO import
 *
 * Reads third-party COCO documents into platform records.
 */

package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
)

// ReadCOCO decodes a COCO document from path.
func ReadCOCO(path string) (*COCODocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewArchiveCorruptError(filepath.Base(path), err)
	}
	var doc COCODocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, cerrors.NewArchiveCorruptError(filepath.Base(path), err)
	}
	return &doc, nil
}

// FromCOCO turns a COCO document into a dataset of platform records.
// Each annotation becomes one object per geometry it carries, chosen in the
// order cuboid_3d, keypoints, segmentation rings, bbox; its id becomes the
// track name. Unknown image or category references are reported as corrupt input.
func FromCOCO(doc *COCODocument, name string) (*annotation.Dataset, error) {
	labels := make(map[int]string, len(doc.Categories))
	for _, c := range doc.Categories {
		labels[c.ID] = c.Name
	}

	ds := &annotation.Dataset{Name: name, ExportTime: exportTimeOf(doc)}
	index := make(map[int]int, len(doc.Images))
	for _, img := range doc.Images {
		if _, dup := index[img.ID]; dup {
			return nil, cerrors.NewArchiveCorruptError(fmt.Sprintf("images[id=%d]", img.ID), fmt.Errorf("duplicate image id"))
		}
		index[img.ID] = len(ds.Items)
		fileName := img.FileName
		ds.Items = append(ds.Items, annotation.Item{
			Unit: annotation.DataUnit{
				ID:       strconv.Itoa(img.ID),
				Name:     strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)),
				FileName: fileName,
				URL:      firstURL(img.Xtreme1URL, img.CocoURL, img.FlickrURL),
				Width:    img.Width,
				Height:   img.Height,
			},
			HasResult: true,
		})
	}

	for i, ann := range doc.Annotations {
		entry := fmt.Sprintf("annotations[%d]", i)
		pos, ok := index[ann.ImageID]
		if !ok {
			return nil, cerrors.NewArchiveCorruptError(entry, fmt.Errorf("unknown image id %d", ann.ImageID))
		}
		label, ok := labels[ann.CategoryID]
		if !ok {
			return nil, cerrors.NewArchiveCorruptError(entry, fmt.Errorf("unknown category id %d", ann.CategoryID))
		}

		item := &ds.Items[pos]
		for _, shape := range shapesOf(ann) {
			item.Records = append(item.Records, annotation.Record{
				DataID:     item.Unit.ID,
				Index:      len(item.Records),
				Type:       string(shape.Kind()),
				Shape:      shape,
				ClassName:  label,
				Attributes: ann.Attributes,
				TrackName:  strconv.Itoa(ann.ID),
				Confidence: ann.Score,
				SourceType: DefaultSourceType,
				SourceName: "coco",
			})
		}
	}
	return ds, nil
}

func shapesOf(ann Annotation) []annotation.Shape {
	if ann.Cuboid3D != nil {
		return []annotation.Shape{*ann.Cuboid3D}
	}
	if len(ann.Keypoints) >= 3 {
		var line annotation.Polyline
		for i := 0; i+2 < len(ann.Keypoints); i += 3 {
			line.Points = append(line.Points, annotation.Point{X: ann.Keypoints[i], Y: ann.Keypoints[i+1]})
		}
		return []annotation.Shape{line}
	}
	if len(ann.Segmentation.Polygons) > 0 {
		var out []annotation.Shape
		for _, ring := range ann.Segmentation.Polygons {
			var poly annotation.Polygon
			for i := 0; i+1 < len(ring); i += 2 {
				poly.Points = append(poly.Points, annotation.Point{X: ring[i], Y: ring[i+1]})
			}
			out = append(out, poly)
		}
		return out
	}
	if len(ann.BBox) == 4 {
		x, y, w, h := ann.BBox[0], ann.BBox[1], ann.BBox[2], ann.BBox[3]
		return []annotation.Shape{annotation.Rectangle{Corners: []annotation.Point{{X: x, Y: y}, {X: x + w, Y: y + h}}}}
	}
	return nil
}

func exportTimeOf(doc *COCODocument) time.Time {
	if t, err := time.Parse("2006-01-02T15:04:05Z", doc.Info.DateCreated); err == nil {
		return t
	}
	return time.Unix(0, 0).UTC()
}

func firstURL(urls ...string) string {
	for _, u := range urls {
		if u != "" {
			return u
		}
	}
	return ""
}
