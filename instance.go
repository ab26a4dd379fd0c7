package instanced

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
)

// Instances holds the per-instance records drawn with an entity's mesh. The
// record type D declares its GPU layout through `gpu:"layout"` struct tags,
// the same way mesh vertices do.
type Instances[D any] struct {
	Records []D
}

// InstanceBuffer is the uploaded form of one entity's instance records.
// Length is the authoritative instance count for the draw; a nil Buffer with
// Length 0 is a valid empty snapshot.
type InstanceBuffer struct {
	Buffer TrackedBuffer
	Length int
}

func (b *InstanceBuffer) release() {
	if b.Buffer != nil {
		b.Buffer.Release()
	}
}

// extractedInstanced is the render-side snapshot of one instanced entity,
// detached from the live ECS so later stages never race simulation writes.
type extractedInstanced[D any] struct {
	records  []D
	world    mgl32.Mat4
	mesh     AssetId
	material AssetId
}

var ErrMeshNotReady = errors.New("mesh has no GPU buffers yet")

// instanceRenderState carries everything one instance record type needs
// across the frame stages: the layout computed once at install time, the
// registered draw function, and the per-entity snapshots and buffers.
type instanceRenderState[D any] struct {
	label        string
	layout       wgpu.VertexBufferLayout
	layoutHash   uint64
	drawFunction DrawFunctionId
	logger       Logger

	extracted map[EntityId]extractedInstanced[D]
	buffers   map[EntityId]*InstanceBuffer
}

// extractSystem snapshots every entity carrying a mesh, a material and an
// Instances[D] component. Records are cloned so simulation systems can keep
// mutating the live component.
func (s *instanceRenderState[D]) extractSystem(cmd *Commands) {
	clear(s.extracted)

	MakeQuery4[TransformComponent, Mesh, Material, Instances[D]](cmd).Map(
		func(eid EntityId, transform *TransformComponent, mesh *Mesh, material *Material, instances *Instances[D]) bool {
			s.extracted[eid] = extractedInstanced[D]{
				records:  slices.Clone(instances.Records),
				world:    transform.Matrix(),
				mesh:     mesh.assetId,
				material: material.assetId,
			}
			return true
		})
}

// prepareSystem uploads every extracted snapshot into a fresh instance
// buffer. Buffers are rebuilt unconditionally each frame, so the GPU copy
// always matches the snapshot exactly; the previous frame's buffer is
// released on replacement. Buffers of entities that stopped being extracted
// are released and dropped.
func (s *instanceRenderState[D]) prepareSystem(ctx *RenderContext) {
	for eid, snapshot := range s.extracted {
		old := s.buffers[eid]

		next := &InstanceBuffer{Length: len(snapshot.records)}
		if len(snapshot.records) > 0 {
			buf, err := ctx.Device.CreateBuffer(
				s.label+" instances",
				recordBytes(snapshot.records),
				wgpu.BufferUsageVertex|wgpu.BufferUsageCopyDst,
			)
			if err != nil {
				s.logger.Errorf("instance buffer upload failed for entity %d: %v", eid, err)
				continue
			}
			next.Buffer = buf
		}

		s.buffers[eid] = next
		if old != nil {
			old.release()
		}
	}

	for eid, buf := range s.buffers {
		if _, ok := s.extracted[eid]; !ok {
			buf.release()
			delete(s.buffers, eid)
		}
	}
}

// queueSystem classifies every visible extracted entity into the right phase
// queue of every view. Views are independent, so they are processed
// concurrently; the pipeline cache tolerates racing resolves of the same key.
func (s *instanceRenderState[D]) queueSystem(
	views *ExtractedViews,
	meshes *RenderMeshes,
	materials *RenderMaterials,
	cache *PipelineCache,
	msaa *Msaa,
) {
	var wg sync.WaitGroup
	for _, view := range views.Views {
		wg.Add(1)
		go func(view *ExtractedView) {
			defer wg.Done()
			s.queueView(view, meshes, materials, cache, msaa)
		}(view)
	}
	wg.Wait()
}

func (s *instanceRenderState[D]) queueView(
	view *ExtractedView,
	meshes *RenderMeshes,
	materials *RenderMaterials,
	cache *PipelineCache,
	msaa *Msaa,
) {
	viewFlags := MsaaKey(msaa.Samples)
	if view.Hdr {
		viewFlags |= KeyHdr
	}
	if view.Tonemapping && !view.Hdr {
		viewFlags |= KeyTonemapInShader
		if view.DebandDither {
			viewFlags |= KeyDebandDither
		}
	}

	rangefinder := view.Rangefinder()

	for _, eid := range view.Visible {
		snapshot, ok := s.extracted[eid]
		if !ok {
			continue
		}

		// An entity pointing at assets that are not resident yet simply
		// doesn't draw this frame.
		gpuMesh, ok := meshes.Get(snapshot.mesh)
		if !ok {
			continue
		}
		material, ok := materials.Get(snapshot.material)
		if !ok {
			continue
		}

		flags := viewFlags | TopologyKey(gpuMesh.Topology)
		if material.AlphaMode == AlphaModeBlend {
			flags |= KeyTransparentMainPass
		}

		key := PipelineKey{
			Flags:           flags,
			MaterialVariant: material.VariantKey,
			MeshLayout:      gpuMesh.LayoutHash,
			InstanceLayout:  s.layoutHash,
		}

		pipelineId, err := cache.Resolve(key, func() (*wgpu.RenderPipelineDescriptor, error) {
			return s.specialize(material, key, gpuMesh.Layout)
		})
		if err != nil {
			s.logger.Errorf("entity %d skipped: %v", eid, err)
			continue
		}

		item := DrawItem{
			Entity:       eid,
			DrawFunction: s.drawFunction,
			Pipeline:     pipelineId,
			Distance:     rangefinder.Distance(snapshot.world) + material.DepthBias,
		}

		switch material.AlphaMode {
		case AlphaModeBlend:
			view.Transparent.Add(item)
		case AlphaModeMask:
			view.AlphaMask.Add(item)
		default:
			view.Opaque.Add(item)
		}
	}
}

// specialize extends the material's base descriptor with the per-instance
// vertex buffer in slot 1. Mesh and instance attributes must occupy disjoint
// shader locations or the pipeline would silently misread one of them.
func (s *instanceRenderState[D]) specialize(material *RenderMaterial, key PipelineKey, meshLayout wgpu.VertexBufferLayout) (*wgpu.RenderPipelineDescriptor, error) {
	for _, meshAttr := range meshLayout.Attributes {
		for _, instAttr := range s.layout.Attributes {
			if meshAttr.ShaderLocation == instAttr.ShaderLocation {
				return nil, fmt.Errorf("shader location %d used by both mesh and instance layout", meshAttr.ShaderLocation)
			}
		}
	}

	desc, err := material.Specialize(key, meshLayout)
	if err != nil {
		return nil, err
	}
	desc.Vertex.Buffers = append(desc.Vertex.Buffers, s.layout)
	return desc, nil
}

// draw records one instanced draw: mesh vertices in slot 0, instance records
// in slot 1, all instances in a single call. An empty snapshot is a valid
// zero-instance draw and records nothing.
func (s *instanceRenderState[D]) draw(ctx *DrawContext, pass RenderPass, item *DrawItem) error {
	snapshot, ok := s.extracted[item.Entity]
	if !ok {
		return fmt.Errorf("entity %d has no extracted instances", item.Entity)
	}
	instanceBuf, ok := s.buffers[item.Entity]
	if !ok {
		return fmt.Errorf("entity %d has no instance buffer", item.Entity)
	}
	if instanceBuf.Length == 0 {
		return nil
	}

	gpuMesh, ok := ctx.Meshes.Get(snapshot.mesh)
	if !ok {
		return ErrMeshNotReady
	}

	pass.SetVertexBuffer(0, gpuMesh.VertexBuffer)
	pass.SetVertexBuffer(1, instanceBuf.Buffer)

	if gpuMesh.Indexed != nil {
		pass.SetIndexBuffer(gpuMesh.Indexed.Buffer, gpuMesh.Indexed.Format)
		pass.DrawIndexed(gpuMesh.Indexed.Count, uint32(instanceBuf.Length))
	} else {
		pass.Draw(gpuMesh.VertexCount, uint32(instanceBuf.Length))
	}
	return nil
}
