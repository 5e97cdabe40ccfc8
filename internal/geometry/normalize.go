/**
 * Shape normalization
 *
 * Converts each shape variant into a canonical form carrying an axis-aligned
 * bounding box, an area and the kind-specific payload the emitters need.
 * The bounding box always contains every vertex it was derived from.
 */

package geometry

import (
	"fmt"
	"math"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
	cerrors "github.com/adverant/nexus/annotation-converter/internal/errors"
)

// AreaMode selects how polygon area is computed.
type AreaMode int

const (
	AreaShoelace AreaMode = iota
	AreaMask              // rasterised pixel count, needs known image dimensions
)

// SegmentationFormat selects the polygon segmentation payload.
type SegmentationFormat int

const (
	SegmentationPolygon SegmentationFormat = iota
	SegmentationRLE                        // uncompressed COCO RLE, needs known image dimensions
)

// Keypoint visibility flags in COCO encoding.
const (
	VisibilityLabelled = 1
	VisibilityVisible  = 2
)

// BBox is an axis-aligned box with non-negative width and height.
type BBox struct {
	X, Y, W, H float64
}

// Slice returns [x, y, w, h].
func (b BBox) Slice() []float64 {
	return []float64{b.X, b.Y, b.W, b.H}
}

// Contains reports whether p lies inside or on the box.
func (b BBox) Contains(p annotation.Point) bool {
	return p.X >= b.X && p.X <= b.X+b.W && p.Y >= b.Y && p.Y <= b.Y+b.H
}

// Canonical is the normalized geometry of one record.
type Canonical struct {
	Kind         annotation.ShapeKind
	BBox         BBox
	HasBBox      bool // false for cuboids that stay in 3-D
	Area         float64
	AreaBearing  bool
	Segmentation []float64 // flattened x,y for polygons
	Mask         *RLE
	Keypoints    []float64 // x,y,v triples
	NumKeypoints int
	Degenerate   bool
	Cuboid       *annotation.Cuboid
}

// Config holds normalizer settings
type Config struct {
	RoundCoordinates   bool
	AreaMode           AreaMode
	SegmentationFormat SegmentationFormat
	Projector          Projector // nil keeps cuboids 3-D native
}

// Normalizer derives canonical geometry
type Normalizer struct {
	cfg Config
}

// NewNormalizer creates a new normalizer
func NewNormalizer(cfg Config) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize validates the record geometry and derives its canonical form.
// Invalid geometry yields an INVALID_GEOMETRY error naming the record.
func (n *Normalizer) Normalize(unit annotation.DataUnit, rec annotation.Record) (Canonical, error) {
	invalid := func(format string, args ...interface{}) (Canonical, error) {
		return Canonical{}, cerrors.NewInvalidGeometryError(rec.Ref(), fmt.Sprintf(format, args...))
	}

	switch s := rec.Shape.(type) {
	case annotation.Rectangle:
		if s.Center != nil && len(s.Corners) == 0 {
			if !finite(s.Center.X, s.Center.Y, s.Width, s.Height) {
				return invalid("rectangle has non-finite coordinates")
			}
			if s.Width < 0 || s.Height < 0 {
				return invalid("rectangle has negative size")
			}
			corners := []annotation.Point{
				{X: s.Center.X - s.Width/2, Y: s.Center.Y - s.Height/2},
				{X: s.Center.X + s.Width/2, Y: s.Center.Y + s.Height/2},
			}
			return n.rectangle(corners), nil
		}
		if len(s.Corners) < 2 {
			return invalid("rectangle needs 2 corner points, got %d", len(s.Corners))
		}
		if !finitePoints(s.Corners) {
			return invalid("rectangle has non-finite coordinates")
		}
		return n.rectangle(s.Corners), nil

	case annotation.Polygon:
		if len(s.Points) < 3 {
			return invalid("polygon needs 3 points, got %d", len(s.Points))
		}
		if !finitePoints(s.Points) {
			return invalid("polygon has non-finite coordinates")
		}
		return n.polygon(unit, s.Points), nil

	case annotation.Polyline:
		if len(s.Points) < 2 {
			return invalid("polyline needs 2 points, got %d", len(s.Points))
		}
		if !finitePoints(s.Points) {
			return invalid("polyline has non-finite coordinates")
		}
		return n.polyline(s.Points), nil

	case annotation.KeypointSet:
		if len(s.Points) < 1 {
			return invalid("keypoint set is empty")
		}
		for _, kp := range s.Points {
			if !finite(kp.X, kp.Y) {
				return invalid("keypoint has non-finite coordinates")
			}
		}
		return n.keypoints(s.Points), nil

	case annotation.Cuboid:
		if !finite(s.Center.X, s.Center.Y, s.Center.Z, s.Size.X, s.Size.Y, s.Size.Z, s.Rotation.X, s.Rotation.Y, s.Rotation.Z) {
			return invalid("cuboid has non-finite parameters")
		}
		if s.Size.X < 0 || s.Size.Y < 0 || s.Size.Z < 0 {
			return invalid("cuboid has negative size")
		}
		return n.cuboid(s), nil

	case nil:
		return invalid("unsupported shape type %q", rec.Type)
	}
	return invalid("unsupported shape %T", rec.Shape)
}

func (n *Normalizer) rectangle(corners []annotation.Point) Canonical {
	box := n.bounds(corners)
	return Canonical{
		Kind:        annotation.KindRectangle,
		BBox:        box,
		HasBBox:     true,
		Area:        box.W * box.H,
		AreaBearing: true,
		Degenerate:  box.W == 0 || box.H == 0,
	}
}

func (n *Normalizer) polygon(unit annotation.DataUnit, pts []annotation.Point) Canonical {
	verts := n.vertices(pts)
	c := Canonical{
		Kind:         annotation.KindPolygon,
		BBox:         n.bounds(pts),
		HasBBox:      true,
		AreaBearing:  true,
		Segmentation: flatten(verts),
	}

	c.Area = ShoelaceArea(verts)
	c.Degenerate = c.Area == 0

	needMask := unit.HasDimensions() &&
		(n.cfg.AreaMode == AreaMask || n.cfg.SegmentationFormat == SegmentationRLE)
	if needMask {
		m := RasterizePolygon(verts, unit.Width, unit.Height)
		if n.cfg.AreaMode == AreaMask {
			c.Area = float64(m.Count())
		}
		if n.cfg.SegmentationFormat == SegmentationRLE {
			c.Mask = m.RLE()
			c.Segmentation = nil
		}
	}
	return c
}

func (n *Normalizer) polyline(pts []annotation.Point) Canonical {
	verts := n.vertices(pts)
	kps := make([]float64, 0, len(verts)*3)
	for _, p := range verts {
		kps = append(kps, p.X, p.Y, VisibilityVisible)
	}
	box := n.bounds(pts)
	return Canonical{
		Kind:         annotation.KindPolyline,
		BBox:         box,
		HasBBox:      true,
		Keypoints:    kps,
		NumKeypoints: len(verts),
	}
}

func (n *Normalizer) keypoints(points []annotation.Keypoint) Canonical {
	var visible []annotation.Point
	kps := make([]float64, 0, len(points)*3)
	for _, kp := range points {
		p := n.vertex(kp.Point)
		v := float64(VisibilityLabelled)
		if kp.Visible {
			v = VisibilityVisible
			visible = append(visible, kp.Point)
		}
		kps = append(kps, p.X, p.Y, v)
	}

	c := Canonical{
		Kind:         annotation.KindKeypoint,
		HasBBox:      true,
		Keypoints:    kps,
		NumKeypoints: len(points),
	}
	if len(visible) == 0 {
		first := n.vertex(points[0].Point)
		c.BBox = BBox{X: first.X, Y: first.Y}
		c.Degenerate = true
		return c
	}
	c.BBox = n.bounds(visible)
	return c
}

func (n *Normalizer) cuboid(s annotation.Cuboid) Canonical {
	cub := s
	c := Canonical{Kind: annotation.KindCuboid, Cuboid: &cub}
	if n.cfg.Projector == nil {
		return c
	}

	var projected []annotation.Point
	for _, corner := range CuboidCorners(s) {
		if x, y, ok := n.cfg.Projector.Project(corner); ok {
			projected = append(projected, annotation.Point{X: x, Y: y})
		}
	}
	if len(projected) == 0 {
		return c
	}

	c.BBox = n.bounds(projected)
	c.HasBBox = true
	c.Area = c.BBox.W * c.BBox.H
	c.AreaBearing = true
	c.Degenerate = c.Area == 0
	return c
}

// bounds returns the box over pts. With rounding on, the box edges are
// widened to whole pixels so it still contains the unrounded vertices.
func (n *Normalizer) bounds(pts []annotation.Point) BBox {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	if n.cfg.RoundCoordinates {
		minX, minY = math.Floor(minX), math.Floor(minY)
		maxX, maxY = math.Ceil(maxX), math.Ceil(maxY)
	}
	return BBox{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

func (n *Normalizer) vertices(pts []annotation.Point) []annotation.Point {
	out := make([]annotation.Point, len(pts))
	for i, p := range pts {
		out[i] = n.vertex(p)
	}
	return out
}

func (n *Normalizer) vertex(p annotation.Point) annotation.Point {
	if !n.cfg.RoundCoordinates {
		return p
	}
	return annotation.Point{X: math.RoundToEven(p.X), Y: math.RoundToEven(p.Y)}
}

// ShoelaceArea returns the absolute area enclosed by the ring pts.
func ShoelaceArea(pts []annotation.Point) float64 {
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}

func flatten(pts []annotation.Point) []float64 {
	out := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		out = append(out, p.X, p.Y)
	}
	return out
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func finitePoints(pts []annotation.Point) bool {
	for _, p := range pts {
		if !finite(p.X, p.Y) {
			return false
		}
	}
	return true
}
