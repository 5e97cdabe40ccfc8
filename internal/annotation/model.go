/**
 * Annotation data model
 *
 * DataUnit and Record are produced once per run by ingestion (archive or
 * platform query) and are read-only afterwards. Shapes are a closed set of
 * variants resolved at ingestion so downstream code switches on Go types,
 * never on type strings.
 */

package annotation

import (
	"fmt"
	"time"
)

// Point is a 2-D image coordinate in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Vec3 is a 3-D coordinate or extent.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ShapeKind enumerates supported geometry kinds.
type ShapeKind string

const (
	KindRectangle ShapeKind = "RECTANGLE"
	KindPolygon   ShapeKind = "POLYGON"
	KindPolyline  ShapeKind = "POLYLINE"
	KindKeypoint  ShapeKind = "KEY_POINT"
	KindCuboid    ShapeKind = "3D_BOX"
)

// Shape is implemented only by the variants in this package.
type Shape interface {
	Kind() ShapeKind
	shape()
}

// Rectangle is given either by corner points or by center and size.
type Rectangle struct {
	Corners []Point
	Center  *Point
	Width   float64
	Height  float64
}

// Polygon is a closed ring; the closing edge is implied.
type Polygon struct {
	Points []Point
}

// Polyline is an open chain of points.
type Polyline struct {
	Points []Point
}

// Keypoint is a labelled point that may be occluded.
type Keypoint struct {
	Point
	Visible bool
}

// KeypointSet is an ordered set of keypoints.
type KeypointSet struct {
	Points []Keypoint
}

// Cuboid is a 3-D box in world coordinates with XYZ Euler rotation in radians.
type Cuboid struct {
	Center   Vec3
	Size     Vec3
	Rotation Vec3
}

func (Rectangle) Kind() ShapeKind   { return KindRectangle }
func (Polygon) Kind() ShapeKind     { return KindPolygon }
func (Polyline) Kind() ShapeKind    { return KindPolyline }
func (KeypointSet) Kind() ShapeKind { return KindKeypoint }
func (Cuboid) Kind() ShapeKind      { return KindCuboid }

func (Rectangle) shape()   {}
func (Polygon) shape()     {}
func (Polyline) shape()    {}
func (KeypointSet) shape() {}
func (Cuboid) shape()      {}

// DataUnit is one annotatable item (image or frame).
type DataUnit struct {
	ID       string
	Name     string
	FileName string
	URL      string
	Width    int // 0 when unknown
	Height   int // 0 when unknown
}

// HasDimensions reports whether the unit's pixel size is known.
func (u DataUnit) HasDimensions() bool {
	return u.Width > 0 && u.Height > 0
}

// Record is one annotated object on a DataUnit.
type Record struct {
	DataID     string
	Index      int
	Type       string // wire type as found in the source
	Shape      Shape  // nil when Type is not a supported kind
	ClassName  string
	Attributes map[string]interface{}
	TrackID    string
	TrackName  string
	Confidence *float64
	SourceType string
	SourceName string
}

// Ref identifies the record in logs and reports.
func (r Record) Ref() string {
	return fmt.Sprintf("%s#%d", r.DataID, r.Index)
}

// Item pairs a DataUnit with its records in source order.
type Item struct {
	Unit      DataUnit
	Records   []Record
	HasResult bool // false when no result entry referenced the unit
}

// Dataset is the fully materialised input of a run.
type Dataset struct {
	Name       string
	Items      []Item
	MediaPaths []string
	ExportTime time.Time // deterministic creation time for emitted documents
}

// RecordCount returns the number of records across all items.
func (d *Dataset) RecordCount() int {
	n := 0
	for _, it := range d.Items {
		n += len(it.Records)
	}
	return n
}
