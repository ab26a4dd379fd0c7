package instanced

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testVertex struct {
	Pos [4]float32 `gpu:"layout" location:"0" format:"float4"`
}

type testInstance struct {
	Offset [4]float32 `gpu:"layout" location:"3" format:"float4"`
}

// conflictInstance reuses shader location 0, which collides with the mesh
// position attribute.
type conflictInstance struct {
	Offset [4]float32 `gpu:"layout" location:"0" format:"float4"`
}

type testClientModule struct {
	device *fakeDevice
}

func (m testClientModule) Install(app *App, cmd *Commands) {
	cmd.AddResources(
		&RenderContext{
			Device:       m.device,
			TargetFormat: wgpu.TextureFormatBGRA8Unorm,
			DepthFormat:  wgpu.TextureFormatDepth24Plus,
		},
		&Msaa{Samples: 1},
	)
}

func buildTestApp(device *fakeDevice, extraModules ...Module) *App {
	modules := []Module{
		LoggingModule{Prefix: "test"},
		AssetServerModule{},
		testClientModule{device: device},
		RenderCoreModule{},
		InstancedMaterialModule[testInstance]{},
	}
	modules = append(modules, extraModules...)
	return NewAppBuilder().UseModule(modules...).Build()
}

func quadVertices() AnySlice {
	return MakeAnySlice([]testVertex{
		{Pos: [4]float32{-1, -1, 0, 1}},
		{Pos: [4]float32{1, -1, 0, 1}},
		{Pos: [4]float32{1, 1, 0, 1}},
		{Pos: [4]float32{-1, 1, 0, 1}},
	})
}

func addCamera(cmd *Commands) {
	cmd.AddEntity(
		NewTransform(mgl32.Vec3{0, 0, 0}),
		CameraComponent{
			FovY:   float32(math.Pi / 4),
			Aspect: 16.0 / 9.0,
			Near:   0.1,
			Far:    100,
		},
	)
}

func instanceBuffers(device *fakeDevice) []*fakeBuffer {
	var res []*fakeBuffer
	for _, buf := range device.buffers {
		if strings.HasSuffix(buf.label, "instances") {
			res = append(res, buf)
		}
	}
	return res
}

func TestInstancing_PrepareUploadsBuffers(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), []uint16{0, 1, 2, 0, 2, 3})
	material := server.CreateMaterial("flat", "shader source", MaterialProps{})

	addCamera(cmd)
	cmd.AddEntity(
		NewTransform(mgl32.Vec3{0, 0, -5}),
		mesh, material,
		Instances[testInstance]{Records: make([]testInstance, 5)},
	)

	app.Step()

	bufs := instanceBuffers(device)
	require.Len(t, bufs, 1)
	assert.Equal(t, uint64(5*16), bufs[0].size, "5 records of 16 bytes each")
	assert.Equal(t, wgpu.BufferUsageVertex|wgpu.BufferUsageCopyDst, bufs[0].usage)
}

func TestInstancing_BufferRebuiltEveryFrame(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	material := server.CreateMaterial("flat", "shader source", MaterialProps{})

	addCamera(cmd)
	cmd.AddEntity(
		NewTransform(mgl32.Vec3{0, 0, -5}),
		mesh, material,
		Instances[testInstance]{Records: make([]testInstance, 3)},
	)

	app.Step()
	app.Step()

	bufs := instanceBuffers(device)
	require.Len(t, bufs, 2)
	assert.True(t, bufs[0].released, "previous frame's buffer must be released")
	assert.False(t, bufs[1].released)
}

func TestInstancing_PhaseClassification(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	opaque := server.CreateMaterial("opaque", "src", MaterialProps{AlphaMode: AlphaModeOpaque})
	mask := server.CreateMaterial("mask", "src", MaterialProps{AlphaMode: AlphaModeMask, MaskCutoff: 0.5})
	blend := server.CreateMaterial("blend", "src", MaterialProps{AlphaMode: AlphaModeBlend})

	addCamera(cmd)
	records := Instances[testInstance]{Records: make([]testInstance, 1)}
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -5}), mesh, opaque, records)
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -6}), mesh, mask, records)
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -7}), mesh, blend, records)

	app.Step()

	views := GetResource[ExtractedViews](app)
	require.Len(t, views.Views, 1)
	view := views.Views[0]

	assert.Equal(t, 1, view.Opaque.Len())
	assert.Equal(t, 1, view.AlphaMask.Len())
	assert.Equal(t, 1, view.Transparent.Len())
}

func TestInstancing_TransparentPipelineIsDistinct(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	opaque := server.CreateMaterial("opaque", "src", MaterialProps{AlphaMode: AlphaModeOpaque})
	blend := server.CreateMaterial("blend", "src", MaterialProps{AlphaMode: AlphaModeBlend})

	addCamera(cmd)
	records := Instances[testInstance]{Records: make([]testInstance, 1)}
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -5}), mesh, opaque, records)
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -6}), mesh, blend, records)

	app.Step()

	views := GetResource[ExtractedViews](app)
	view := views.Views[0]
	require.Equal(t, 1, view.Opaque.Len())
	require.Equal(t, 1, view.Transparent.Len())
	assert.NotEqual(t, view.Opaque.Items()[0].Pipeline, view.Transparent.Items()[0].Pipeline)
	assert.Equal(t, 2, device.pipelineCount())
}

func TestInstancing_DistanceOrderingAndDepthBias(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	plain := server.CreateMaterial("plain", "src", MaterialProps{})
	biased := server.CreateMaterial("biased", "src", MaterialProps{DepthBias: 100})

	addCamera(cmd)
	records := Instances[testInstance]{Records: make([]testInstance, 1)}
	near := cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -5}), mesh, plain, records)
	far := cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -10}), mesh, plain, records)
	pushed := cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -5}), mesh, biased, records)

	app.Step()

	views := GetResource[ExtractedViews](app)
	view := views.Views[0]

	distances := map[EntityId]float32{}
	for _, item := range view.Opaque.Items() {
		distances[item.Entity] = item.Distance
	}
	require.Len(t, distances, 3)

	assert.Less(t, distances[near], distances[far], "closer entity must sort before farther one")
	assert.InDelta(t, distances[near]+100, distances[pushed], 1e-4, "depth bias adds to the view distance")
}

func TestInstancing_MissingAssetsSkipEntity(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	material := server.CreateMaterial("flat", "src", MaterialProps{})

	addCamera(cmd)
	records := Instances[testInstance]{Records: make([]testInstance, 1)}
	drawn := cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -5}), mesh, material, records)
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -6}), Mesh{assetId: "missing"}, material, records)
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -7}), mesh, Material{assetId: "missing"}, records)

	app.Step()

	views := GetResource[ExtractedViews](app)
	view := views.Views[0]
	require.Equal(t, 1, view.Opaque.Len())
	assert.Equal(t, drawn, view.Opaque.Items()[0].Entity)
}

func TestInstancing_SpecializationErrorSkipsOnlyThatEntity(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device, InstancedMaterialModule[conflictInstance]{})
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	material := server.CreateMaterial("flat", "src", MaterialProps{})

	addCamera(cmd)
	good := cmd.AddEntity(
		NewTransform(mgl32.Vec3{0, 0, -5}),
		mesh, material,
		Instances[testInstance]{Records: make([]testInstance, 1)},
	)
	cmd.AddEntity(
		NewTransform(mgl32.Vec3{0, 0, -6}),
		mesh, material,
		Instances[conflictInstance]{Records: make([]conflictInstance, 1)},
	)

	app.Step()

	views := GetResource[ExtractedViews](app)
	view := views.Views[0]
	require.Equal(t, 1, view.Opaque.Len(), "conflicting layout must fail its own entity only")
	assert.Equal(t, good, view.Opaque.Items()[0].Entity)
}

func TestInstancing_FrustumCullsOffscreenEntities(t *testing.T) {
	device := &fakeDevice{}
	app := buildTestApp(device)
	cmd := app.Commands()

	server := GetResource[AssetServer](app)
	mesh := server.LoadMesh(quadVertices(), nil)
	material := server.CreateMaterial("flat", "src", MaterialProps{})

	addCamera(cmd)
	records := Instances[testInstance]{Records: make([]testInstance, 1)}
	visible := cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, -5}), mesh, material, records)
	cmd.AddEntity(NewTransform(mgl32.Vec3{0, 0, 50}), mesh, material, records) // behind the camera

	app.Step()

	views := GetResource[ExtractedViews](app)
	view := views.Views[0]
	require.Len(t, view.Visible, 1)
	assert.Equal(t, visible, view.Visible[0])
	assert.Equal(t, 1, view.Opaque.Len())
}

func newDrawState(t *testing.T) *instanceRenderState[testInstance] {
	t.Helper()
	layout := createVertexBufferLayout(reflect.TypeOf(testInstance{}), wgpu.VertexStepModeInstance)
	return &instanceRenderState[testInstance]{
		label:      "testInstance",
		layout:     layout,
		layoutHash: vertexLayoutHash(layout),
		logger:     NewNopLogger(),
		extracted:  make(map[EntityId]extractedInstanced[testInstance]),
		buffers:    make(map[EntityId]*InstanceBuffer),
	}
}

func TestDrawMeshInstanced_Indexed(t *testing.T) {
	state := newDrawState(t)
	meshId := AssetId("mesh")
	state.extracted[1] = extractedInstanced[testInstance]{mesh: meshId}
	state.buffers[1] = &InstanceBuffer{Buffer: &fakeBuffer{size: 80}, Length: 5}

	meshes := &RenderMeshes{meshes: map[AssetId]*GpuMesh{
		meshId: {
			VertexBuffer: &fakeBuffer{size: 24 * 16},
			VertexCount:  24,
			Indexed: &GpuIndexInfo{
				Buffer: &fakeBuffer{size: 72},
				Format: wgpu.IndexFormatUint16,
				Count:  36,
			},
		},
	}}

	pass := &fakePass{}
	err := state.draw(&DrawContext{Meshes: meshes, Logger: NewNopLogger()}, pass, &DrawItem{Entity: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"vertex slot=0 size=384",
		"vertex slot=1 size=80",
		"index size=72",
		"drawIndexed 36 5",
	}, pass.ops)
}

func TestDrawMeshInstanced_NonIndexed(t *testing.T) {
	state := newDrawState(t)
	meshId := AssetId("mesh")
	state.extracted[1] = extractedInstanced[testInstance]{mesh: meshId}
	state.buffers[1] = &InstanceBuffer{Buffer: &fakeBuffer{size: 32}, Length: 2}

	meshes := &RenderMeshes{meshes: map[AssetId]*GpuMesh{
		meshId: {VertexBuffer: &fakeBuffer{size: 64}, VertexCount: 4},
	}}

	pass := &fakePass{}
	err := state.draw(&DrawContext{Meshes: meshes, Logger: NewNopLogger()}, pass, &DrawItem{Entity: 1})
	require.NoError(t, err)
	assert.Contains(t, pass.ops, "draw 4 2")
}

func TestDrawMeshInstanced_ZeroInstancesIsNoOp(t *testing.T) {
	state := newDrawState(t)
	state.extracted[1] = extractedInstanced[testInstance]{mesh: "mesh"}
	state.buffers[1] = &InstanceBuffer{Length: 0}

	meshes := &RenderMeshes{meshes: map[AssetId]*GpuMesh{}}
	pass := &fakePass{}
	err := state.draw(&DrawContext{Meshes: meshes, Logger: NewNopLogger()}, pass, &DrawItem{Entity: 1})
	require.NoError(t, err)
	assert.Empty(t, pass.ops)
}

func TestDrawMeshInstanced_MissingMeshFailsItem(t *testing.T) {
	state := newDrawState(t)
	state.extracted[1] = extractedInstanced[testInstance]{mesh: "gone"}
	state.buffers[1] = &InstanceBuffer{Buffer: &fakeBuffer{size: 16}, Length: 1}

	meshes := &RenderMeshes{meshes: map[AssetId]*GpuMesh{}}
	err := state.draw(&DrawContext{Meshes: meshes, Logger: NewNopLogger()}, &fakePass{}, &DrawItem{Entity: 1})
	assert.ErrorIs(t, err, ErrMeshNotReady)
}
