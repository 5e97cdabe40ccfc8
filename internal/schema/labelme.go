/**
 * LabelMe emitter
 *
 * One LabelMe json file per data unit under labelme/.
 */

package schema

import (
	"path/filepath"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	"github.com/adverant/nexus/annotation-converter/internal/category"
	"github.com/adverant/nexus/annotation-converter/internal/geometry"
)

const (
	// LabelMeDir is the directory LabelMe files are written to.
	LabelMeDir = "labelme"
	// LabelMeVersion is the LabelMe file version written.
	LabelMeVersion = "5.0.1"
)

// LabelMeDocument is one LabelMe json file. ImageData stays null; LabelMe
// loads the image from ImagePath next to the file.
type LabelMeDocument struct {
	Version     string                 `json:"version"`
	Flags       map[string]interface{} `json:"flags"`
	Shapes      []LabelMeShape         `json:"shapes"`
	ImagePath   string                 `json:"imagePath"`
	ImageData   *string                `json:"imageData"`
	ImageHeight int                    `json:"imageHeight"`
	ImageWidth  int                    `json:"imageWidth"`
}

// LabelMeShape is one labelled shape.
type LabelMeShape struct {
	Label      string                 `json:"label"`
	Points     [][2]float64           `json:"points"`
	GroupID    *int                   `json:"group_id"`
	ShapeType  string                 `json:"shape_type"`
	Flags      map[string]interface{} `json:"flags"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// LabelMeEmitter writes labelme/<unit name>-<unit id>.json per data unit.
type LabelMeEmitter struct {
	units   []annotation.DataUnit
	docs    []*LabelMeDocument
	byImage map[int]*LabelMeDocument
}

func NewLabelMeEmitter() *LabelMeEmitter {
	return &LabelMeEmitter{byImage: make(map[int]*LabelMeDocument)}
}

func (e *LabelMeEmitter) AddImage(unit annotation.DataUnit, imageID int) {
	doc := &LabelMeDocument{
		Version:     LabelMeVersion,
		Flags:       map[string]interface{}{},
		Shapes:      []LabelMeShape{},
		ImagePath:   imageFileName(unit),
		ImageHeight: unit.Height,
		ImageWidth:  unit.Width,
	}
	e.units = append(e.units, unit)
	e.docs = append(e.docs, doc)
	e.byImage[imageID] = doc
}

func (e *LabelMeEmitter) AddAnnotation(rec annotation.Record, shape geometry.Canonical, imageID, _, _ int) {
	doc, ok := e.byImage[imageID]
	if !ok {
		return
	}
	base := LabelMeShape{Label: labelOf(rec), Flags: map[string]interface{}{}}
	if len(rec.Attributes) > 0 {
		base.Attributes = rec.Attributes
	}

	add := func(shapeType string, pts [][2]float64) {
		s := base
		s.ShapeType, s.Points = shapeType, pts
		doc.Shapes = append(doc.Shapes, s)
	}

	switch shape.Kind {
	case annotation.KindRectangle:
		add("rectangle", boxCorners(shape.BBox))
	case annotation.KindPolygon:
		if shape.Segmentation != nil {
			add("polygon", pairs(shape.Segmentation))
		} else if p, ok := rec.Shape.(annotation.Polygon); ok {
			add("polygon", pointPairs(p.Points))
		}
	case annotation.KindPolyline:
		add("linestrip", triplePoints(shape.Keypoints))
	case annotation.KindKeypoint:
		for _, pt := range triplePoints(shape.Keypoints) {
			add("point", [][2]float64{pt})
		}
	case annotation.KindCuboid:
		if shape.HasBBox {
			add("rectangle", boxCorners(shape.BBox))
		}
	}
}

// Emit writes every LabelMe file in a single directory rename.
func (e *LabelMeEmitter) Emit(outputDir string, _ []category.Category) ([]string, error) {
	dir := filepath.Join(outputDir, LabelMeDir)
	names := unitFileNames(e.units, ".json")
	docs := make([]NamedDocument, 0, len(e.docs))
	for i, doc := range e.docs {
		docs = append(docs, NamedDocument{Name: names[i], Doc: doc})
	}
	if err := WriteDir(dir, docs); err != nil {
		return nil, err
	}
	return []string{dir}, nil
}

// boxCorners lists the box corners clockwise from the top left.
func boxCorners(b geometry.BBox) [][2]float64 {
	return [][2]float64{
		{b.X, b.Y},
		{b.X + b.W, b.Y},
		{b.X + b.W, b.Y + b.H},
		{b.X, b.Y + b.H},
	}
}

func pairs(flat []float64) [][2]float64 {
	out := make([][2]float64, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out = append(out, [2]float64{flat[i], flat[i+1]})
	}
	return out
}

func triplePoints(kps []float64) [][2]float64 {
	out := make([][2]float64, 0, len(kps)/3)
	for i := 0; i+2 < len(kps); i += 3 {
		out = append(out, [2]float64{kps[i], kps[i+1]})
	}
	return out
}

func pointPairs(pts []annotation.Point) [][2]float64 {
	out := make([][2]float64, 0, len(pts))
	for _, p := range pts {
		out = append(out, [2]float64{p.X, p.Y})
	}
	return out
}
