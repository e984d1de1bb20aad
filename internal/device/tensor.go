package device

import "fmt"

type head int

const (
	headNatural head = iota
	headInternal
	headSynced
)

// Tensor is a 4-axis float32 blob. It always owns a natural NCHW buffer and
// may additionally hold the buffer a producer wrote in its own layout; the
// layout tag tells consumers which one is authoritative.
type Tensor struct {
	shape    Shape
	data     []float32
	internal *Memory
	head     head
}

// NewTensor creates a tensor in the default layout. data is copied when given.
func NewTensor(shape Shape, data []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("NewTensor: %w", err)
	}
	size := shape.NumElements()
	if data != nil && len(data) != size {
		return nil, fmt.Errorf("NewTensor: data length %d does not match shape %s", len(data), shape)
	}
	t := &Tensor{shape: shape.Clone(), data: make([]float32, size)}
	copy(t.data, data)
	return t, nil
}

// NewInternalTensor creates a tensor whose authoritative buffer is data laid
// out per desc, as if an upstream layer had produced it.
func NewInternalTensor(desc MemoryDesc, data []float32) (*Tensor, error) {
	if err := desc.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("NewInternalTensor: %w", err)
	}
	if len(data) != desc.Elements() {
		return nil, fmt.Errorf("NewInternalTensor: data length %d does not match %s", len(data), desc)
	}
	mem := &Memory{Desc: desc, Data: make([]float32, len(data))}
	mem.Desc.Shape = desc.Shape.Clone()
	copy(mem.Data, data)
	return &Tensor{
		shape:    desc.Shape.Clone(),
		data:     make([]float32, desc.Shape.NumElements()),
		internal: mem,
		head:     headInternal,
	}, nil
}

// Shape returns the logical shape.
func (t *Tensor) Shape() Shape { return t.shape }

// Reshape changes the logical shape. Contents are discarded when the shape changes.
func (t *Tensor) Reshape(shape Shape) {
	if t.shape.Equal(shape) {
		return
	}
	t.shape = shape.Clone()
	size := shape.NumElements()
	if cap(t.data) < size {
		t.data = make([]float32, size)
	} else {
		t.data = t.data[:size]
		clear(t.data)
	}
	t.internal = nil
	t.head = headNatural
}

// Layout returns the layout tag.
func (t *Tensor) Layout() Layout {
	if t.internal != nil && t.head != headNatural {
		return InternalLayout(t.internal.Desc)
	}
	return DefaultLayout()
}

// Memory returns the authoritative buffer with its descriptor.
func (t *Tensor) Memory() *Memory {
	if t.internal != nil && t.head != headNatural {
		return t.internal
	}
	return &Memory{Desc: NaturalDesc(t.shape, Float32), Data: t.data}
}

// Data returns the contents in NCHW order, converting from the internal
// layout first when needed. The layout tag is kept.
func (t *Tensor) Data() []float32 {
	if t.head == headInternal {
		natural := &Memory{Desc: NaturalDesc(t.shape, Float32), Data: t.data}
		if err := Reorder(natural, t.internal); err != nil {
			panic(err)
		}
		t.head = headSynced
	}
	return t.data
}

// MutableData returns the NCHW buffer for writing and drops the internal layout.
func (t *Tensor) MutableData() []float32 {
	data := t.Data()
	t.internal = nil
	t.head = headNatural
	return data
}

// PrepareInternal returns a buffer laid out per desc that becomes the
// authoritative contents of t. The previous contents are not converted.
func (t *Tensor) PrepareInternal(desc MemoryDesc) *Memory {
	if !desc.Shape.Equal(t.shape) {
		panic(fmt.Sprintf("PrepareInternal: descriptor %s does not match tensor shape %s", desc, t.shape))
	}
	if t.internal == nil || !t.internal.Desc.Equal(desc) {
		t.internal = &Memory{Desc: desc, Data: make([]float32, desc.Elements())}
		t.internal.Desc.Shape = desc.Shape.Clone()
	}
	t.head = headInternal
	return t.internal
}
