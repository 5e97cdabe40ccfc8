/**
 * Polygon rasterization and COCO RLE
 *
 * Masks cover only the polygon bounds; RLE counts run column-major
 * over the full canvas.
 */

package geometry

import (
	"image"
	"image/color"
	"math"

	"github.com/llgcode/draw2d/draw2dimg"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
)

// alphaThreshold is the minimum coverage for a pixel to count as inside.
const alphaThreshold = 0x80

// Mask is a binary raster of one polygon, stored only over its bounds.
type Mask struct {
	Width, Height int
	bounds        image.Rectangle
	alpha         *image.RGBA
}

// RLE is an uncompressed COCO run-length encoding: column-major counts
// alternating background and foreground, starting with background.
type RLE struct {
	Size   [2]int `json:"size"` // [height, width]
	Counts []int  `json:"counts"`
}

// RasterizePolygon fills the ring pts on a width x height canvas.
func RasterizePolygon(pts []annotation.Point, width, height int) *Mask {
	m := &Mask{Width: width, Height: height}
	if len(pts) < 3 || width <= 0 || height <= 0 {
		return m
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minX, minY = math.Min(minX, p.X), math.Min(minY, p.Y)
		maxX, maxY = math.Max(maxX, p.X), math.Max(maxY, p.Y)
	}
	bnd := image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1).
		Intersect(image.Rect(0, 0, width, height))
	if bnd.Empty() {
		return m
	}

	canvas := image.NewRGBA(image.Rect(0, 0, bnd.Dx(), bnd.Dy()))
	gc := draw2dimg.NewGraphicContext(canvas)
	gc.SetFillColor(color.RGBA{0, 0, 0, 255})

	ox, oy := float64(bnd.Min.X), float64(bnd.Min.Y)
	last := pts[len(pts)-1]
	gc.MoveTo(last.X-ox, last.Y-oy)
	for _, p := range pts {
		gc.LineTo(p.X-ox, p.Y-oy)
	}
	gc.Close()
	gc.Fill()

	m.bounds = bnd
	m.alpha = canvas
	return m
}

// At reports whether pixel (x, y) is inside the polygon.
func (m *Mask) At(x, y int) bool {
	if m.alpha == nil || !image.Pt(x, y).In(m.bounds) {
		return false
	}
	return m.alpha.RGBAAt(x-m.bounds.Min.X, y-m.bounds.Min.Y).A >= alphaThreshold
}

// Count returns the number of inside pixels.
func (m *Mask) Count() int {
	n := 0
	for y := m.bounds.Min.Y; y < m.bounds.Max.Y; y++ {
		for x := m.bounds.Min.X; x < m.bounds.Max.X; x++ {
			if m.At(x, y) {
				n++
			}
		}
	}
	return n
}

// RLE encodes the mask over the full canvas.
func (m *Mask) RLE() *RLE {
	rle := &RLE{Size: [2]int{m.Height, m.Width}}
	current := false
	run := 0
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			v := m.At(x, y)
			if v != current {
				rle.Counts = append(rle.Counts, run)
				run = 0
				current = v
			}
			run++
		}
	}
	rle.Counts = append(rle.Counts, run)
	return rle
}

// Area returns the number of foreground pixels in the encoding.
func (r *RLE) Area() int {
	n := 0
	for i := 1; i < len(r.Counts); i += 2 {
		n += r.Counts[i]
	}
	return n
}
