package instanced

import (
	"os"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/google/uuid"
)

type AssetId string

// AlphaMode decides which render phase a draw lands in and how the output
// merger is configured for it.
type AlphaMode uint8

const (
	AlphaModeOpaque AlphaMode = iota
	AlphaModeMask
	AlphaModeBlend
)

type AssetServer struct {
	meshes    map[AssetId]MeshAsset
	materials map[AssetId]MaterialAsset
}

type AssetServerModule struct{}

// Mesh and Material are handle components; an entity carrying both plus an
// Instances snapshot participates in instanced drawing.
type Mesh struct {
	assetId AssetId
}

type Material struct {
	assetId AssetId
}

func (m Mesh) Asset() AssetId     { return m.assetId }
func (m Material) Asset() AssetId { return m.assetId }

type MeshAsset struct {
	version        uint
	vertices       AnySlice
	indexBytes     []byte
	indexFormat    wgpu.IndexFormat
	indexCount     uint32
	topology       wgpu.PrimitiveTopology
	boundingRadius float32
}

type MaterialAsset struct {
	version       uint
	shaderName    string
	shaderListing string
	alphaMode     AlphaMode
	maskCutoff    float32
	depthBias     float32
	variantKey    uint32
}

// MaterialProps is the shading configuration attached to a material asset.
// VariantKey distinguishes shader variants that need distinct pipelines even
// when every other key fragment matches.
type MaterialProps struct {
	AlphaMode  AlphaMode
	MaskCutoff float32
	DepthBias  float32
	VariantKey uint32
}

// LoadMesh registers an indexed triangle mesh. Pass nil indices for a
// non-indexed mesh.
func (server *AssetServer) LoadMesh(vertices AnySlice, indices []uint16) Mesh {
	return server.LoadMeshWithTopology(vertices, indices, wgpu.PrimitiveTopologyTriangleList)
}

// LoadMesh32 is LoadMesh for meshes with more than 65535 vertices.
func (server *AssetServer) LoadMesh32(vertices AnySlice, indices []uint32) Mesh {
	return server.registerMesh(vertices, recordBytes(indices), wgpu.IndexFormatUint32,
		uint32(len(indices)), wgpu.PrimitiveTopologyTriangleList)
}

func (server *AssetServer) LoadMeshWithTopology(vertices AnySlice, indices []uint16, topology wgpu.PrimitiveTopology) Mesh {
	return server.registerMesh(vertices, recordBytes(indices), wgpu.IndexFormatUint16,
		uint32(len(indices)), topology)
}

func (server *AssetServer) registerMesh(vertices AnySlice, indexBytes []byte, indexFormat wgpu.IndexFormat, indexCount uint32, topology wgpu.PrimitiveTopology) Mesh {
	id := makeAssetId()

	server.meshes[id] = MeshAsset{
		version:        0,
		vertices:       vertices,
		indexBytes:     indexBytes,
		indexFormat:    indexFormat,
		indexCount:     indexCount,
		topology:       topology,
		boundingRadius: meshBoundingRadius(vertices),
	}

	return Mesh{
		assetId: id,
	}
}

// LoadMaterial reads a WGSL shader from disk and registers it with the given
// shading properties.
func (server *AssetServer) LoadMaterial(filename string, props MaterialProps) Material {
	shaderData, err := os.ReadFile(filename)
	if err != nil {
		panic(err)
	}
	return server.CreateMaterial(filename, string(shaderData), props)
}

// CreateMaterial registers an in-memory WGSL shader as a material asset.
func (server *AssetServer) CreateMaterial(name string, shaderListing string, props MaterialProps) Material {
	id := makeAssetId()

	server.materials[id] = MaterialAsset{
		version:       0,
		shaderName:    name,
		shaderListing: shaderListing,
		alphaMode:     props.AlphaMode,
		maskCutoff:    props.MaskCutoff,
		depthBias:     props.DepthBias,
		variantKey:    props.VariantKey,
	}

	return Material{
		assetId: id,
	}
}

func (AssetServerModule) Install(app *App, cmd *Commands) {
	app.addResources(&AssetServer{
		meshes:    make(map[AssetId]MeshAsset),
		materials: make(map[AssetId]MaterialAsset),
	})
}

func makeAssetId() AssetId {
	return AssetId(uuid.NewString())
}
