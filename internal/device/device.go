package device

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when an engine cannot satisfy an allocation.
var ErrOutOfMemory = errors.New("device: out of memory")

// ErrUnsupportedPrimitive is returned when an engine cannot build a primitive
// for the requested descriptor.
var ErrUnsupportedPrimitive = errors.New("device: unsupported primitive")

// Kind identifies the device class an engine executes on.
type Kind int

const (
	KindCPU Kind = iota
	KindMetal
	KindCUDA
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindMetal:
		return "metal"
	case KindCUDA:
		return "cuda"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DType is the element precision of a buffer.
type DType int

const (
	Float32 DType = iota
	Float16
	Float64
)

// Size returns the element size in bytes.
func (t DType) Size() int {
	switch t {
	case Float16:
		return 2
	case Float64:
		return 8
	default:
		return 4
	}
}

func (t DType) String() string {
	switch t {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Float64:
		return "f64"
	default:
		return fmt.Sprintf("dtype(%d)", int(t))
	}
}

// PropKind selects what a forward primitive retains for a later backward pass.
type PropKind int

const (
	// PropForwardScoring computes outputs only.
	PropForwardScoring PropKind = iota
	// PropForwardTraining also keeps a workspace in scratch memory.
	PropForwardTraining
)

func (p PropKind) String() string {
	if p == PropForwardTraining {
		return "forward_training"
	}
	return "forward_scoring"
}

// LRNAlgorithm is the neighbourhood a local response normalization reduces over.
type LRNAlgorithm int

const (
	LRNAcrossChannels LRNAlgorithm = iota
	LRNWithinChannel
)

func (a LRNAlgorithm) String() string {
	if a == LRNWithinChannel {
		return "within_channel"
	}
	return "across_channels"
}

// LRNDesc describes a forward LRN primitive.
// The bias term of the normalization is fixed at 1 by the engine.
type LRNDesc struct {
	Prop      PropKind
	Algorithm LRNAlgorithm
	Src       MemoryDesc
	Dst       MemoryDesc
	Alpha     float32
	Beta      float32
	LocalSize int
}

// Primitive is an executable operation bound to its memory objects.
// The Data of bound Memory may be rebound between submissions.
type Primitive interface {
	Submit() error
}

// Engine creates memory and primitives on one device class.
// Engines are shared process-wide; callers never tear them down.
type Engine interface {
	Name() string
	Kind() Kind

	// NewMemory allocates a buffer for desc.
	NewMemory(desc MemoryDesc) (*Memory, error)
	// ReleaseMemory returns a buffer obtained from NewMemory.
	ReleaseMemory(m *Memory)

	// LRNScratchDesc returns the scratch memory an LRN primitive needs.
	LRNScratchDesc(desc LRNDesc) (MemoryDesc, error)
	// NewLRNForward binds an LRN forward primitive to src, scratch and dst.
	NewLRNForward(desc LRNDesc, src, scratch, dst *Memory) (Primitive, error)
	// NewReorder binds a layout conversion from src into dst.
	NewReorder(src, dst *Memory) (Primitive, error)
}
