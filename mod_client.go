package instanced

import (
	"runtime"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
)

type WindowState struct {
	windowGlfw   *glfw.Window
	WindowWidth  int
	WindowHeight int
	windowTitle  string
}

type GpuState struct {
	surface       *wgpu.Surface
	adapter       *wgpu.Adapter
	device        *wgpu.Device
	queue         *wgpu.Queue
	surfaceConfig *wgpu.SurfaceConfiguration

	depthTexture *wgpu.Texture
	depthView    *wgpu.TextureView

	// Multisampled color target; nil when MSAA is off.
	msaaTexture *wgpu.Texture
	msaaView    *wgpu.TextureView
	msaaSamples uint32
}

const depthFormat = wgpu.TextureFormatDepth24Plus

func createWindowState(windowWidth int, windowHeight int, windowTitle string) *WindowState {
	runtime.LockOSThread()
	if err := glfw.Init(); err != nil {
		panic(err)
	}

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Important: tell GLFW we don't want OpenGL
	glfw.WindowHint(glfw.Resizable, glfw.False)

	win, err := glfw.CreateWindow(windowWidth, windowHeight, windowTitle, nil, nil)
	if err != nil {
		panic(err)
	}

	return &WindowState{
		windowGlfw:   win,
		WindowWidth:  windowWidth,
		WindowHeight: windowHeight,
		windowTitle:  windowTitle,
	}
}

func createGpuState(s *WindowState, msaaSamples uint32) *GpuState {
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	// wraps GLFW window into a wgpu surface.
	surface := instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(s.windowGlfw))
	// finds a suitable GPU (discrete GPU preferred)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		panic(err)
	}
	// allocates the device and command queue
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:            "Main Device",
		RequiredFeatures: nil,
		RequiredLimits:   nil,
	})
	if err != nil {
		panic(err)
	}
	queue := device.GetQueue()

	caps := surface.GetCapabilities(adapter)
	// defines how the swapchain behaves (size, format, vsync)
	surfaceConfig := wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(s.WindowWidth),
		Height:      uint32(s.WindowHeight),
		PresentMode: wgpu.PresentModeFifo, // vsync
		AlphaMode:   caps.AlphaModes[0],
	}

	surface.Configure(adapter, device, &surfaceConfig)

	if msaaSamples == 0 {
		msaaSamples = 1
	}

	state := &GpuState{
		surface:       surface,
		adapter:       adapter,
		device:        device,
		queue:         queue,
		surfaceConfig: &surfaceConfig,
		msaaSamples:   msaaSamples,
	}

	state.depthTexture, state.depthView = createRenderTarget(state, "depth", depthFormat, msaaSamples)
	if msaaSamples > 1 {
		state.msaaTexture, state.msaaView = createRenderTarget(state, "msaa color", surfaceConfig.Format, msaaSamples)
	}

	return state
}

func createRenderTarget(state *GpuState, label string, format wgpu.TextureFormat, samples uint32) (*wgpu.Texture, *wgpu.TextureView) {
	texture, err := state.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: label,
		Size: wgpu.Extent3D{
			Width:              state.surfaceConfig.Width,
			Height:             state.surfaceConfig.Height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   samples,
		Dimension:     wgpu.TextureDimension2D,
		Format:        format,
		Usage:         wgpu.TextureUsageRenderAttachment,
	})
	if err != nil {
		panic(err)
	}
	view, err := texture.CreateView(nil)
	if err != nil {
		panic(err)
	}
	return texture, view
}

// wgpuBuffer adapts a device buffer to TrackedBuffer. The size is captured at
// creation because the wrapped buffer cannot be queried after release.
type wgpuBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
}

func (b *wgpuBuffer) Size() uint64 { return b.size }
func (b *wgpuBuffer) Release()     { b.buffer.Release() }

// wgpuDevice adapts the real device to the RenderDevice interface the
// prepare systems and the pipeline cache work against.
type wgpuDevice struct {
	device *wgpu.Device
}

func (d *wgpuDevice) CreateBuffer(label string, contents []byte, usage wgpu.BufferUsage) (TrackedBuffer, error) {
	buffer, err := d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: contents,
		Usage:    usage,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuBuffer{buffer: buffer, size: uint64(len(contents))}, nil
}

func (d *wgpuDevice) CreateShaderModule(label string, wgsl string) (*wgpu.ShaderModule, error) {
	return d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: wgsl},
	})
}

func (d *wgpuDevice) CreateRenderPipeline(desc *wgpu.RenderPipelineDescriptor) (CompiledPipeline, error) {
	return d.device.CreateRenderPipeline(desc)
}

// viewUniform is the per-view shader data bound at group 0, binding 0.
type viewUniform struct {
	ViewProjMx mgl32.Mat4
}

// wgpuRenderPass adapts a render pass encoder to the RenderPass interface.
// SetPipeline also binds the per-view uniform at group 0 using the
// pipeline's own bind group layout, caching one bind group per pipeline.
type wgpuRenderPass struct {
	pass       *wgpu.RenderPassEncoder
	device     *wgpu.Device
	viewBuffer *wgpu.Buffer
	bindGroups map[CompiledPipeline]*wgpu.BindGroup
}

func (p *wgpuRenderPass) SetPipeline(pipeline CompiledPipeline) {
	rp := pipeline.(*wgpu.RenderPipeline)
	p.pass.SetPipeline(rp)

	group, ok := p.bindGroups[pipeline]
	if !ok {
		layout := rp.GetBindGroupLayout(0)
		defer layout.Release()
		var err error
		group, err = p.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Layout: layout,
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: p.viewBuffer, Size: wgpu.WholeSize},
			},
		})
		if err != nil {
			panic(err)
		}
		p.bindGroups[pipeline] = group
	}
	p.pass.SetBindGroup(0, group, nil)
}

func (p *wgpuRenderPass) SetBindGroup(index uint32, group *wgpu.BindGroup) {
	p.pass.SetBindGroup(index, group, nil)
}

func (p *wgpuRenderPass) SetVertexBuffer(slot uint32, buffer TrackedBuffer) {
	p.pass.SetVertexBuffer(slot, buffer.(*wgpuBuffer).buffer, 0, wgpu.WholeSize)
}

func (p *wgpuRenderPass) SetIndexBuffer(buffer TrackedBuffer, format wgpu.IndexFormat) {
	p.pass.SetIndexBuffer(buffer.(*wgpuBuffer).buffer, format, 0, wgpu.WholeSize)
}

func (p *wgpuRenderPass) DrawIndexed(indexCount uint32, instanceCount uint32) {
	p.pass.DrawIndexed(indexCount, instanceCount, 0, 0, 0)
}

func (p *wgpuRenderPass) Draw(vertexCount uint32, instanceCount uint32) {
	p.pass.Draw(vertexCount, instanceCount, 0, 0)
}

func (p *wgpuRenderPass) release() {
	for _, group := range p.bindGroups {
		group.Release()
	}
}

// ClientModule opens the window, brings up the GPU and installs the frame
// presentation systems. MsaaSamples 0 or 1 disables multisampling.
type ClientModule struct {
	WindowWidth  int
	WindowHeight int
	WindowTitle  string
	MsaaSamples  uint32
}

func (mod ClientModule) Install(app *App, cmd *Commands) {
	ensureSingleRenderer(app, "instanced-forward")

	windowState := createWindowState(mod.WindowWidth, mod.WindowHeight, mod.WindowTitle)
	gpuState := createGpuState(windowState, mod.MsaaSamples)

	cmd.AddResources(
		windowState,
		gpuState,
		&RenderContext{
			Device:       &wgpuDevice{device: gpuState.device},
			TargetFormat: gpuState.surfaceConfig.Format,
			DepthFormat:  depthFormat,
		},
		&Msaa{Samples: gpuState.msaaSamples},
	)

	app.UseSystem(System(windowEventsSystem).InStage(Update))
	app.UseSystem(System(renderFrameSystem).InStage(Render))
}

func windowEventsSystem(cmd *Commands, state *WindowState) {
	glfw.PollEvents()
	if state.windowGlfw.ShouldClose() {
		cmd.Quit()
	}
}

// renderFrameSystem records one render pass per view into the surface
// texture and presents. The first view clears the targets; later views
// composite on top.
func renderFrameSystem(
	views *ExtractedViews,
	meshes *RenderMeshes,
	cache *PipelineCache,
	fns *DrawFunctions,
	gpuState *GpuState,
	logger *DefaultLogger,
) {
	nextTexture, err := gpuState.surface.GetCurrentTexture()
	if err != nil {
		logger.Errorf("surface texture unavailable, skipping frame: %v", err)
		return
	}
	surfaceView, err := nextTexture.CreateView(nil)
	if err != nil {
		panic(err)
	}
	defer surfaceView.Release()

	encoder, err := gpuState.device.CreateCommandEncoder(nil)
	if err != nil {
		panic(err)
	}
	defer encoder.Release()

	loadOp := wgpu.LoadOpClear
	depthLoadOp := wgpu.LoadOpClear

	for _, view := range views.Views {
		view.Opaque.Sort()
		view.AlphaMask.Sort()
		view.Transparent.Sort()

		viewProj := view.ViewProjection()
		viewBuffer, err := gpuState.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    "view uniform",
			Contents: recordBytes([]viewUniform{{ViewProjMx: viewProj}}),
			Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			panic(err)
		}
		defer viewBuffer.Release()

		colorAttachment := wgpu.RenderPassColorAttachment{
			View:       surfaceView,
			LoadOp:     loadOp,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0.1, G: 0.2, B: 0.3, A: 1.0},
		}
		if gpuState.msaaView != nil {
			colorAttachment.View = gpuState.msaaView
			colorAttachment.ResolveTarget = surfaceView
		}

		renderPass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
			ColorAttachments: []wgpu.RenderPassColorAttachment{colorAttachment},
			DepthStencilAttachment: &wgpu.RenderPassDepthStencilAttachment{
				View:            gpuState.depthView,
				DepthLoadOp:     depthLoadOp,
				DepthStoreOp:    wgpu.StoreOpStore,
				DepthClearValue: 1.0,
			},
		})

		pass := &wgpuRenderPass{
			pass:       renderPass,
			device:     gpuState.device,
			viewBuffer: viewBuffer,
			bindGroups: make(map[CompiledPipeline]*wgpu.BindGroup),
		}

		drawCtx := &DrawContext{
			Meshes: meshes,
			Cache:  cache,
			Logger: logger,
		}
		executePhase(&view.Opaque, drawCtx, fns, pass)
		executePhase(&view.AlphaMask, drawCtx, fns, pass)
		executePhase(&view.Transparent, drawCtx, fns, pass)

		if err := renderPass.End(); err != nil {
			panic(err)
		}
		renderPass.Release()
		pass.release()

		loadOp = wgpu.LoadOpLoad
		depthLoadOp = wgpu.LoadOpLoad
	}

	cmdBuffer, err := encoder.Finish(nil)
	if err != nil {
		panic(err)
	}
	defer cmdBuffer.Release()

	gpuState.queue.Submit(cmdBuffer)
	gpuState.surface.Present()
}
