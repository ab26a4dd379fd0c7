package instanced

import (
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// GpuMesh is the GPU-resident record of a mesh asset: its buffers, draw
// range and the layout fragment the pipeline cache keys on.
type GpuMesh struct {
	VertexBuffer TrackedBuffer
	VertexCount  uint32
	Indexed      *GpuIndexInfo
	Topology     wgpu.PrimitiveTopology
	Layout       wgpu.VertexBufferLayout
	LayoutHash   uint64
}

type GpuIndexInfo struct {
	Buffer TrackedBuffer
	Format wgpu.IndexFormat
	Count  uint32
}

// RenderMeshes maps mesh asset ids to their GPU records. Entities whose mesh
// has not been uploaded yet simply don't draw this frame.
type RenderMeshes struct {
	mu     sync.RWMutex
	meshes map[AssetId]*GpuMesh
}

func (r *RenderMeshes) Get(id AssetId) (*GpuMesh, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mesh, ok := r.meshes[id]
	return mesh, ok
}

func (r *RenderMeshes) put(id AssetId, mesh *GpuMesh) {
	r.mu.Lock()
	r.meshes[id] = mesh
	r.mu.Unlock()
}

// RenderMaterial is the compiled render-side view of a material asset.
type RenderMaterial struct {
	label        string
	shader       *wgpu.ShaderModule
	AlphaMode    AlphaMode
	MaskCutoff   float32
	DepthBias    float32
	VariantKey   uint32
	targetFormat wgpu.TextureFormat
	depthFormat  wgpu.TextureFormat
}

// RenderMaterials maps material asset ids to compiled materials.
type RenderMaterials struct {
	mu        sync.RWMutex
	materials map[AssetId]*RenderMaterial
}

func (r *RenderMaterials) Get(id AssetId) (*RenderMaterial, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	material, ok := r.materials[id]
	return material, ok
}

func (r *RenderMaterials) put(id AssetId, material *RenderMaterial) {
	r.mu.Lock()
	r.materials[id] = material
	r.mu.Unlock()
}

var alphaBlendState = wgpu.BlendState{
	Color: wgpu.BlendComponent{
		SrcFactor: wgpu.BlendFactorSrcAlpha,
		DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
		Operation: wgpu.BlendOperationAdd,
	},
	Alpha: wgpu.BlendComponent{
		SrcFactor: wgpu.BlendFactorOne,
		DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
		Operation: wgpu.BlendOperationAdd,
	},
}

// Specialize builds the base pipeline descriptor for this material and a
// mesh vertex layout. The transparency flag switches the output merger to
// alpha blending and disables depth writes; everything else keys off the
// packed flags.
func (m *RenderMaterial) Specialize(key PipelineKey, meshLayout wgpu.VertexBufferLayout) (*wgpu.RenderPipelineDescriptor, error) {
	var blend *wgpu.BlendState
	depthWrite := true
	if key.Flags&KeyTransparentMainPass != 0 {
		blend = &alphaBlendState
		depthWrite = false
	}

	desc := &wgpu.RenderPipelineDescriptor{
		Label: m.label,
		Vertex: wgpu.VertexState{
			Module:     m.shader,
			EntryPoint: "vs_main",
			Buffers:    []wgpu.VertexBufferLayout{meshLayout},
		},
		Fragment: &wgpu.FragmentState{
			Module:     m.shader,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    m.targetFormat,
					Blend:     blend,
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  key.Flags.Topology(),
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeBack,
		},
		Multisample: wgpu.MultisampleState{
			Count:                  key.Flags.MsaaSamples(),
			Mask:                   0xFFFFFFFF,
			AlphaToCoverageEnabled: false,
		},
	}

	if m.depthFormat != wgpu.TextureFormatUndefined {
		keep := wgpu.StencilFaceState{
			Compare:     wgpu.CompareFunctionAlways,
			FailOp:      wgpu.StencilOperationKeep,
			DepthFailOp: wgpu.StencilOperationKeep,
			PassOp:      wgpu.StencilOperationKeep,
		}
		desc.DepthStencil = &wgpu.DepthStencilState{
			Format:            m.depthFormat,
			DepthWriteEnabled: depthWrite,
			DepthCompare:      wgpu.CompareFunctionLess,
			StencilFront:      keep,
			StencilBack:       keep,
			StencilReadMask:   0xFFFFFFFF,
			StencilWriteMask:  0xFFFFFFFF,
		}
	}

	return desc, nil
}

// prepareMeshesSystem uploads mesh assets that have no GPU record yet.
// Upload failures are logged and the asset stays non-resident; queueing
// treats that as "not ready" and skips the entity.
func prepareMeshesSystem(assets *AssetServer, meshes *RenderMeshes, ctx *RenderContext, logger *DefaultLogger) {
	for id, asset := range assets.meshes {
		if _, ok := meshes.Get(id); ok {
			continue
		}

		layout := createVertexBufferLayout(asset.vertices.ElementType(), wgpu.VertexStepModeVertex)
		vertexBuf, err := ctx.Device.CreateBuffer(
			debugLabel(asset.vertices.ElementType(), "vertices"),
			untypedSliceToBytes(asset.vertices),
			wgpu.BufferUsageVertex|wgpu.BufferUsageCopyDst,
		)
		if err != nil {
			logger.Errorf("mesh vertex upload failed: %v", err)
			continue
		}

		gpuMesh := &GpuMesh{
			VertexBuffer: vertexBuf,
			VertexCount:  uint32(asset.vertices.Len()),
			Topology:     asset.topology,
			Layout:       layout,
			LayoutHash:   vertexLayoutHash(layout),
		}

		if asset.indexCount > 0 {
			indexBuf, err := ctx.Device.CreateBuffer(
				debugLabel(asset.vertices.ElementType(), "indices"),
				asset.indexBytes,
				wgpu.BufferUsageIndex|wgpu.BufferUsageCopyDst,
			)
			if err != nil {
				logger.Errorf("mesh index upload failed: %v", err)
				vertexBuf.Release()
				continue
			}
			gpuMesh.Indexed = &GpuIndexInfo{
				Buffer: indexBuf,
				Format: asset.indexFormat,
				Count:  asset.indexCount,
			}
		}

		meshes.put(id, gpuMesh)
	}
}

// prepareMaterialsSystem compiles material assets into render materials.
func prepareMaterialsSystem(assets *AssetServer, materials *RenderMaterials, ctx *RenderContext, logger *DefaultLogger) {
	for id, asset := range assets.materials {
		if _, ok := materials.Get(id); ok {
			continue
		}

		shader, err := ctx.Device.CreateShaderModule(asset.shaderName, asset.shaderListing)
		if err != nil {
			logger.Errorf("material %q shader compile failed: %v", asset.shaderName, err)
			continue
		}

		materials.put(id, &RenderMaterial{
			label:        asset.shaderName,
			shader:       shader,
			AlphaMode:    asset.alphaMode,
			MaskCutoff:   asset.maskCutoff,
			DepthBias:    asset.depthBias,
			VariantKey:   asset.variantKey,
			targetFormat: ctx.TargetFormat,
			depthFormat:  ctx.DepthFormat,
		})
	}
}

// RenderCoreModule installs the shared render-side tables, the pipeline
// cache and the view extraction system. It requires a RenderContext resource
// (from the client module or a test harness) to already be installed.
type RenderCoreModule struct{}

func (RenderCoreModule) Install(app *App, cmd *Commands) {
	ctx := GetResource[RenderContext](app)
	if ctx == nil {
		panic("RenderCoreModule requires a RenderContext resource; install a client module first")
	}

	cmd.AddResources(
		&RenderMeshes{meshes: make(map[AssetId]*GpuMesh)},
		&RenderMaterials{materials: make(map[AssetId]*RenderMaterial)},
		&ExtractedViews{},
		NewPipelineCache(ctx.Device),
		NewDrawFunctions(),
	)

	app.UseSystem(System(extractViewsSystem).InStage(Extract))
	app.UseSystem(System(prepareMeshesSystem).InStage(Prepare))
	app.UseSystem(System(prepareMaterialsSystem).InStage(Prepare))
}
