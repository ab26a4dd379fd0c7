package instanced

import (
	"github.com/go-gl/mathgl/mgl32"
)

// CameraComponent turns an entity into a render view. Tonemapping is applied
// in-shader only for non-HDR targets; dithering rides on top of that.
type CameraComponent struct {
	FovY   float32
	Aspect float32
	Near   float32
	Far    float32

	Hdr          bool
	Tonemapping  bool
	DebandDither bool
}

// Msaa is the surface-wide multisample configuration.
type Msaa struct {
	Samples uint32
}

// Rangefinder computes view-space distances for draw ordering from the
// third row of the world-to-view matrix.
type Rangefinder struct {
	row mgl32.Vec4
}

// Distance returns the view-space distance of a world transform's
// translation. Larger means farther from the camera.
func (r Rangefinder) Distance(world mgl32.Mat4) float32 {
	return -r.row.Dot(world.Col(3))
}

// ExtractedView is the render-side snapshot of one camera for one frame:
// matrices, view settings, the visibility list and the three phase queues.
type ExtractedView struct {
	Camera        EntityId
	ViewFromWorld mgl32.Mat4
	Projection    mgl32.Mat4

	Hdr          bool
	Tonemapping  bool
	DebandDither bool

	Visible []EntityId

	Opaque      PhaseQueue
	AlphaMask   PhaseQueue
	Transparent PhaseQueue
}

func (v *ExtractedView) Rangefinder() Rangefinder {
	return Rangefinder{row: v.ViewFromWorld.Row(2)}
}

func (v *ExtractedView) ViewProjection() mgl32.Mat4 {
	return v.Projection.Mul4(v.ViewFromWorld)
}

// ExtractedViews is rebuilt every frame by the Extract stage; later stages
// only read it and append to the per-view queues.
type ExtractedViews struct {
	Views []*ExtractedView
}

// extractViewsSystem snapshots every camera and computes its visibility list
// by frustum-culling the bounding spheres of mesh-carrying entities.
func extractViewsSystem(cmd *Commands, views *ExtractedViews, assets *AssetServer) {
	views.Views = views.Views[:0]

	MakeQuery2[TransformComponent, CameraComponent](cmd).Map(func(eid EntityId, transform *TransformComponent, camera *CameraComponent) bool {
		aspect := camera.Aspect
		if aspect <= 0 {
			aspect = 16.0 / 9.0
		}

		view := &ExtractedView{
			Camera:        eid,
			ViewFromWorld: transform.Matrix().Inv(),
			Projection:    mgl32.Perspective(camera.FovY, aspect, camera.Near, camera.Far),
			Hdr:           camera.Hdr,
			Tonemapping:   camera.Tonemapping,
			DebandDither:  camera.DebandDither,
		}
		view.Opaque.Kind = PhaseOpaque
		view.AlphaMask.Kind = PhaseAlphaMask
		view.Transparent.Kind = PhaseTransparent

		frustum := FrustumFromMatrix(view.ViewProjection())

		MakeQuery2[TransformComponent, Mesh](cmd).Map(func(meshEid EntityId, meshTransform *TransformComponent, mesh *Mesh) bool {
			radius := float32(0)
			if asset, ok := assets.meshes[mesh.assetId]; ok {
				radius = asset.boundingRadius * meshTransform.MaxScale()
			}
			if frustum.IntersectsSphere(meshTransform.Position, radius) {
				view.Visible = append(view.Visible, meshEid)
			}
			return true
		})

		views.Views = append(views.Views, view)
		return true
	})
}
