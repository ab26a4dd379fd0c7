package instanced

import (
	"fmt"
	"hash/fnv"
	"math"
	"reflect"
	"strconv"
	"unsafe"

	"github.com/cogentcore/webgpu/wgpu"
)

// TrackedBuffer is a GPU buffer handle owned by the render side. The wgpu
// client module wraps real device buffers; tests substitute recording fakes.
type TrackedBuffer interface {
	Size() uint64
	Release()
}

// CompiledPipeline is an opaque compiled render pipeline handle. The wgpu
// backend stores *wgpu.RenderPipeline here.
type CompiledPipeline any

// RenderDevice is the narrow slice of the GPU device the render stages need:
// buffer creation from CPU bytes, shader modules and pipeline compilation.
// All three are synchronous, bounded operations.
type RenderDevice interface {
	CreateBuffer(label string, contents []byte, usage wgpu.BufferUsage) (TrackedBuffer, error)
	CreateShaderModule(label string, wgsl string) (*wgpu.ShaderModule, error)
	CreateRenderPipeline(desc *wgpu.RenderPipelineDescriptor) (CompiledPipeline, error)
}

// RenderPass records draw commands for one phase of one view.
type RenderPass interface {
	SetPipeline(pipeline CompiledPipeline)
	SetBindGroup(index uint32, group *wgpu.BindGroup)
	SetVertexBuffer(slot uint32, buffer TrackedBuffer)
	SetIndexBuffer(buffer TrackedBuffer, format wgpu.IndexFormat)
	DrawIndexed(indexCount uint32, instanceCount uint32)
	Draw(vertexCount uint32, instanceCount uint32)
}

// RenderContext carries the device and the output formats every prepare
// system works against. It is installed by the client module (or by a test
// harness with a fake device).
type RenderContext struct {
	Device       RenderDevice
	TargetFormat wgpu.TextureFormat
	DepthFormat  wgpu.TextureFormat
}

// AnySlice wraps a typed slice so mesh vertex data of any element type can be
// stored, measured and uploaded without generics leaking into asset storage.
type AnySlice struct {
	v reflect.Value
}

func MakeAnySlice(slice any) AnySlice {
	v := reflect.ValueOf(slice)
	if v.Kind() != reflect.Slice {
		panic("MakeAnySlice expects a slice")
	}
	return AnySlice{v: v}
}

func (s AnySlice) Len() int {
	if !s.v.IsValid() {
		return 0
	}
	return s.v.Len()
}

func (s AnySlice) ElementType() reflect.Type { return s.v.Type().Elem() }
func (s AnySlice) ElementSize() int          { return int(s.ElementType().Size()) }
func (s AnySlice) Index(i int) reflect.Value { return s.v.Index(i) }

func (s AnySlice) DataPointer() unsafe.Pointer { return s.v.UnsafePointer() }

func untypedSliceToBytes(src AnySlice) []byte {
	l := src.Len()
	if l == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(src.DataPointer()), l*src.ElementSize())
}

// recordBytes reinterprets a slice of POD records as its raw bytes. The byte
// layout of T must match the vertex attributes declared on it.
func recordBytes[T any](records []T) []byte {
	if len(records) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&records[0])), len(records)*int(unsafe.Sizeof(zero)))
}

func parseFormat(name string) wgpu.VertexFormat {
	switch name {
	case "float":
		return wgpu.VertexFormatFloat32
	case "float2":
		return wgpu.VertexFormatFloat32x2
	case "float3":
		return wgpu.VertexFormatFloat32x3
	case "float4":
		return wgpu.VertexFormatFloat32x4
	case "uint":
		return wgpu.VertexFormatUint32
	case "uint4":
		return wgpu.VertexFormatUint32x4
	default:
		panic("unsupported vertex layout format: " + name)
	}
}

// createVertexBufferLayout derives a wgpu vertex buffer layout from struct
// tags. Fields tagged `gpu:"layout"` become attributes; the byte offset of
// every attribute is the running size of the fields preceding it, so the
// struct's memory layout is the wire format.
//
//	type Vertex struct {
//		Pos      [4]float32 `gpu:"layout" location:"0" format:"float4"`
//		TexCoord [2]float32 `gpu:"layout" location:"1" format:"float2"`
//	}
func createVertexBufferLayout(vertexType reflect.Type, stepMode wgpu.VertexStepMode) wgpu.VertexBufferLayout {
	if vertexType.Kind() != reflect.Struct {
		panic("Vertex must be a struct")
	}

	var attributes []wgpu.VertexAttribute
	var offset uint64 = 0

	for i := 0; i < vertexType.NumField(); i++ {
		field := vertexType.Field(i)

		if "layout" == field.Tag.Get("gpu") {
			format := parseFormat(field.Tag.Get("format"))
			location, err := strconv.Atoi(field.Tag.Get("location"))
			if nil != err {
				panic(err)
			}

			attributes = append(attributes, wgpu.VertexAttribute{
				ShaderLocation: uint32(location),
				Offset:         offset,
				Format:         format,
			})
		}

		offset += uint64(field.Type.Size())
	}

	return wgpu.VertexBufferLayout{
		ArrayStride: offset,
		StepMode:    stepMode,
		Attributes:  attributes,
	}
}

// vertexLayoutHash fingerprints a layout for use as a pipeline key fragment.
// Two layouts hash equal iff stride, step mode and every attribute agree.
func vertexLayoutHash(layout wgpu.VertexBufferLayout) uint64 {
	hash := fnv.New64a()
	write := func(v uint64) {
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		hash.Write(b[:])
	}
	write(layout.ArrayStride)
	write(uint64(layout.StepMode))
	for _, attr := range layout.Attributes {
		write(attr.Offset)
		write(uint64(attr.Format))
		write(uint64(attr.ShaderLocation))
	}
	return hash.Sum64()
}

// meshBoundingRadius scans the position attribute (shader location 0) of
// every vertex and returns the radius of the bounding sphere around origin.
// Used for frustum culling; a missing position attribute yields 0 which
// marks the mesh always-visible.
func meshBoundingRadius(vertices AnySlice) float32 {
	if vertices.Len() == 0 {
		return 0
	}

	t := vertices.ElementType()
	posField := -1
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if "layout" == field.Tag.Get("gpu") && "0" == field.Tag.Get("location") {
			posField = i
			break
		}
	}
	if posField < 0 {
		return 0
	}

	var maxSq float32
	for i := 0; i < vertices.Len(); i++ {
		pos := vertices.Index(i).Field(posField)
		if pos.Kind() != reflect.Array || pos.Len() < 3 {
			return 0
		}
		var distSq float32
		for c := 0; c < 3; c++ {
			f := float32(pos.Index(c).Float())
			distSq += f * f
		}
		if distSq > maxSq {
			maxSq = distSq
		}
	}
	return float32(math.Sqrt(float64(maxSq)))
}

func debugLabel(t reflect.Type, suffix string) string {
	return fmt.Sprintf("%s %s", t.String(), suffix)
}
