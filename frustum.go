package instanced

import (
	"github.com/go-gl/mathgl/mgl32"
)

type frustumPlane struct {
	normal   mgl32.Vec3
	distance float32
}

// Frustum holds the six clip planes of a view volume, oriented so the
// positive half-space is inside.
type Frustum struct {
	planes [6]frustumPlane
}

// FrustumFromMatrix extracts the planes from a combined projection * view
// matrix using the Gribb/Hartmann method.
func FrustumFromMatrix(viewProj mgl32.Mat4) Frustum {
	var f Frustum

	row0 := viewProj.Row(0)
	row1 := viewProj.Row(1)
	row2 := viewProj.Row(2)
	row3 := viewProj.Row(3)

	setPlane := func(idx int, v mgl32.Vec4) {
		normal := mgl32.Vec3{v.X(), v.Y(), v.Z()}
		length := normal.Len()
		if length > 0 {
			f.planes[idx] = frustumPlane{
				normal:   normal.Mul(1 / length),
				distance: v.W() / length,
			}
		}
	}

	setPlane(0, row3.Add(row0)) // left
	setPlane(1, row3.Sub(row0)) // right
	setPlane(2, row3.Add(row1)) // bottom
	setPlane(3, row3.Sub(row1)) // top
	setPlane(4, row3.Add(row2)) // near
	setPlane(5, row3.Sub(row2)) // far

	return f
}

// IntersectsSphere reports whether a bounding sphere is at least partially
// inside the frustum. A radius of 0 is treated as always visible, which is
// what meshes without a position attribute report.
func (f *Frustum) IntersectsSphere(center mgl32.Vec3, radius float32) bool {
	if radius <= 0 {
		return true
	}
	for i := range f.planes {
		p := &f.planes[i]
		if p.normal.Dot(center)+p.distance < -radius {
			return false
		}
	}
	return true
}
