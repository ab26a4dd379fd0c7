package instanced

import (
	"github.com/go-gl/mathgl/mgl32"
)

type TransformComponent struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

func NewTransform(position mgl32.Vec3) TransformComponent {
	return TransformComponent{
		Position: position,
		Rotation: mgl32.QuatIdent(),
		Scale:    mgl32.Vec3{1, 1, 1},
	}
}

// Matrix builds the world matrix as translate * rotate * scale.
func (t *TransformComponent) Matrix() mgl32.Mat4 {
	translate := mgl32.Translate3D(t.Position.X(), t.Position.Y(), t.Position.Z())
	rotate := t.Rotation.Mat4()
	scale := mgl32.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z())
	return translate.Mul4(rotate).Mul4(scale)
}

func (t *TransformComponent) MaxScale() float32 {
	m := t.Scale.X()
	if t.Scale.Y() > m {
		m = t.Scale.Y()
	}
	if t.Scale.Z() > m {
		m = t.Scale.Z()
	}
	return m
}
