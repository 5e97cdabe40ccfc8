/**
 * Pinhole cuboid projection
 *
 * Projects the eight corners of a 3-D box through K[R|t] so cuboids
 * gain an image-space bounding box.
 */

package geometry

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/adverant/nexus/annotation-converter/internal/annotation"
)

// Projector maps a world point onto the image plane. ok is false for points
// that do not project (behind the camera).
type Projector interface {
	Project(p r3.Vec) (x, y float64, ok bool)
}

// PinholeProjector projects with a 3x4 camera matrix K[R|t].
type PinholeProjector struct {
	p *mat.Dense
}

// NewPinholeProjector builds a projector from intrinsics and an XYZ Euler
// extrinsic rotation (radians) plus translation.
func NewPinholeProjector(fx, fy, cx, cy float64, rotation, translation [3]float64) *PinholeProjector {
	k := mat.NewDense(3, 3, []float64{
		fx, 0, cx,
		0, fy, cy,
		0, 0, 1,
	})

	rot := eulerXYZ(annotation.Vec3{X: rotation[0], Y: rotation[1], Z: rotation[2]})
	ext := mat.NewDense(3, 4, nil)
	for col, axis := range []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}} {
		v := rot(axis)
		ext.Set(0, col, v.X)
		ext.Set(1, col, v.Y)
		ext.Set(2, col, v.Z)
	}
	ext.Set(0, 3, translation[0])
	ext.Set(1, 3, translation[1])
	ext.Set(2, 3, translation[2])

	var p mat.Dense
	p.Mul(k, ext)
	return &PinholeProjector{p: &p}
}

// Project implements Projector.
func (pp *PinholeProjector) Project(pt r3.Vec) (float64, float64, bool) {
	world := mat.NewVecDense(4, []float64{pt.X, pt.Y, pt.Z, 1})
	var img mat.VecDense
	img.MulVec(pp.p, world)
	w := img.AtVec(2)
	if w <= 0 {
		return 0, 0, false
	}
	return img.AtVec(0) / w, img.AtVec(1) / w, true
}

// CuboidCorners returns the eight world-space corners of c.
func CuboidCorners(c annotation.Cuboid) []r3.Vec {
	rot := eulerXYZ(c.Rotation)
	center := r3.Vec{X: c.Center.X, Y: c.Center.Y, Z: c.Center.Z}
	half := r3.Vec{X: c.Size.X / 2, Y: c.Size.Y / 2, Z: c.Size.Z / 2}

	corners := make([]r3.Vec, 0, 8)
	for _, sx := range []float64{-1, 1} {
		for _, sy := range []float64{-1, 1} {
			for _, sz := range []float64{-1, 1} {
				local := r3.Vec{X: sx * half.X, Y: sy * half.Y, Z: sz * half.Z}
				corners = append(corners, r3.Add(center, rot(local)))
			}
		}
	}
	return corners
}

// eulerXYZ returns a function applying rotations about X, then Y, then Z.
func eulerXYZ(r annotation.Vec3) func(r3.Vec) r3.Vec {
	rx := r3.NewRotation(r.X, r3.Vec{X: 1})
	ry := r3.NewRotation(r.Y, r3.Vec{Y: 1})
	rz := r3.NewRotation(r.Z, r3.Vec{Z: 1})
	return func(v r3.Vec) r3.Vec {
		return rz.Rotate(ry.Rotate(rx.Rotate(v)))
	}
}
