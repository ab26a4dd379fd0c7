package instanced

import (
	"math/bits"

	"github.com/cogentcore/webgpu/wgpu"
)

// MeshKeyFlags is the bit-packed view/mesh fragment of a pipeline key:
// feature flags in the low bits, the MSAA sample count and the primitive
// topology packed into reserved high bits.
type MeshKeyFlags uint32

const (
	KeyHdr MeshKeyFlags = 1 << iota
	KeyTonemapInShader
	KeyDebandDither
	KeyTransparentMainPass
)

const (
	msaaShift     = 26
	msaaBits      = 3
	msaaMask      = MeshKeyFlags((1<<msaaBits)-1) << msaaShift
	topologyShift = 29
	topologyBits  = 3
	topologyMask  = MeshKeyFlags((1<<topologyBits)-1) << topologyShift
)

// MsaaKey stores log2 of the sample count, matching the power-of-two counts
// the surface supports.
func MsaaKey(samples uint32) MeshKeyFlags {
	if samples == 0 {
		samples = 1
	}
	return MeshKeyFlags(bits.TrailingZeros32(samples)) << msaaShift
}

func (f MeshKeyFlags) MsaaSamples() uint32 {
	return 1 << ((f & msaaMask) >> msaaShift)
}

func TopologyKey(topology wgpu.PrimitiveTopology) MeshKeyFlags {
	return (MeshKeyFlags(topology) << topologyShift) & topologyMask
}

func (f MeshKeyFlags) Topology() wgpu.PrimitiveTopology {
	return wgpu.PrimitiveTopology((f & topologyMask) >> topologyShift)
}

// PipelineKey captures every axis of pipeline variation. Two keys are equal
// iff every fragment is equal, so the struct doubles as the cache map key.
type PipelineKey struct {
	Flags           MeshKeyFlags
	MaterialVariant uint32
	MeshLayout      uint64
	InstanceLayout  uint64
}
