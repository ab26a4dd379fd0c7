package instanced

import (
	"reflect"

	"github.com/cogentcore/webgpu/wgpu"
)

// InstancedMaterialModule wires one instance record type D into the render
// schedule: extraction in Extract, buffer upload in Prepare, draw
// classification in Queue. Install one per record type; the record's GPU
// layout is derived from its struct tags once, at install time.
//
//	app := NewAppBuilder().
//		UseModule(
//			LoggingModule{Prefix: "demo"},
//			AssetServerModule{},
//			ClientModule{WindowTitle: "demo"},
//			RenderCoreModule{},
//			InstancedMaterialModule[CubeInstance]{},
//		).
//		Build()
type InstancedMaterialModule[D any] struct{}

func (InstancedMaterialModule[D]) Install(app *App, cmd *Commands) {
	recordType := reflect.TypeOf((*D)(nil)).Elem()
	layout := createVertexBufferLayout(recordType, wgpu.VertexStepModeInstance)

	state := &instanceRenderState[D]{
		label:      recordType.String(),
		layout:     layout,
		layoutHash: vertexLayoutHash(layout),
		logger:     app.Logger(),
		extracted:  make(map[EntityId]extractedInstanced[D]),
		buffers:    make(map[EntityId]*InstanceBuffer),
	}

	fns := GetResource[DrawFunctions](app)
	if fns == nil {
		panic("InstancedMaterialModule requires RenderCoreModule to be installed first")
	}
	state.drawFunction = fns.Register("draw_mesh_instanced "+state.label, state.draw)

	app.UseSystem(System(state.extractSystem).InStage(Extract))
	app.UseSystem(System(state.prepareSystem).InStage(Prepare))
	app.UseSystem(System(state.queueSystem).InStage(Queue))
}
