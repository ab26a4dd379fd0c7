package instanced

import (
	"reflect"
	"testing"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaterial() *RenderMaterial {
	return &RenderMaterial{
		label:        "test",
		targetFormat: wgpu.TextureFormatBGRA8Unorm,
		depthFormat:  wgpu.TextureFormatDepth24Plus,
	}
}

func meshLayoutForTest() wgpu.VertexBufferLayout {
	return createVertexBufferLayout(reflect.TypeOf(testVertex{}), wgpu.VertexStepModeVertex)
}

func TestRenderMaterial_SpecializeOpaque(t *testing.T) {
	key := PipelineKey{Flags: MsaaKey(4) | TopologyKey(wgpu.PrimitiveTopologyTriangleList)}
	desc, err := testMaterial().Specialize(key, meshLayoutForTest())
	require.NoError(t, err)

	require.NotNil(t, desc.Fragment)
	assert.Nil(t, desc.Fragment.Targets[0].Blend)
	require.NotNil(t, desc.DepthStencil)
	assert.True(t, desc.DepthStencil.DepthWriteEnabled)
	assert.Equal(t, uint32(4), desc.Multisample.Count)
	assert.Equal(t, wgpu.PrimitiveTopologyTriangleList, desc.Primitive.Topology)
	assert.Len(t, desc.Vertex.Buffers, 1)
}

func TestRenderMaterial_SpecializeTransparent(t *testing.T) {
	key := PipelineKey{Flags: KeyTransparentMainPass | MsaaKey(1)}
	desc, err := testMaterial().Specialize(key, meshLayoutForTest())
	require.NoError(t, err)

	require.NotNil(t, desc.Fragment.Targets[0].Blend)
	assert.Equal(t, wgpu.BlendFactorSrcAlpha, desc.Fragment.Targets[0].Blend.Color.SrcFactor)
	assert.False(t, desc.DepthStencil.DepthWriteEnabled, "transparent draws must not write depth")
}

func TestRenderMaterial_SpecializeWithoutDepth(t *testing.T) {
	material := testMaterial()
	material.depthFormat = wgpu.TextureFormatUndefined

	desc, err := material.Specialize(PipelineKey{}, meshLayoutForTest())
	require.NoError(t, err)
	assert.Nil(t, desc.DepthStencil)
}

func TestInstanceSpecialize_AppendsInstanceLayout(t *testing.T) {
	state := newDrawState(t)
	desc, err := state.specialize(testMaterial(), PipelineKey{}, meshLayoutForTest())
	require.NoError(t, err)

	require.Len(t, desc.Vertex.Buffers, 2)
	assert.Equal(t, wgpu.VertexStepModeVertex, desc.Vertex.Buffers[0].StepMode)
	assert.Equal(t, wgpu.VertexStepModeInstance, desc.Vertex.Buffers[1].StepMode)
}

func TestInstanceSpecialize_RejectsLocationOverlap(t *testing.T) {
	layout := createVertexBufferLayout(reflect.TypeOf(conflictInstance{}), wgpu.VertexStepModeInstance)
	state := &instanceRenderState[conflictInstance]{
		label:      "conflict",
		layout:     layout,
		layoutHash: vertexLayoutHash(layout),
		logger:     NewNopLogger(),
	}

	_, err := state.specialize(testMaterial(), PipelineKey{}, meshLayoutForTest())
	assert.Error(t, err)
}
