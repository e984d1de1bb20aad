package lrn

import "github.com/23skdu/longbow-lrn/internal/device"

// layoutChoice is the outcome of layout negotiation for one input.
// user is the natural layout of the tensor's shape; internal is what the
// primitive reads and writes.
type layoutChoice struct {
	user     device.MemoryDesc
	internal device.MemoryDesc
	adopted  bool
}

// negotiateLayout adopts the layout an upstream producer left on t, or falls
// back to the natural layout when t carries none. The output always uses the
// same layout as the input.
func negotiateLayout(t *device.Tensor, precision device.DType) layoutChoice {
	user := device.NaturalDesc(t.Shape(), precision)
	if desc, ok := t.Layout().Internal(); ok {
		return layoutChoice{user: user, internal: desc, adopted: true}
	}
	return layoutChoice{user: user, internal: user}
}

// layout returns the tag outputs of a plan with this choice carry.
func (c layoutChoice) layout() device.Layout {
	if c.adopted {
		return device.InternalLayout(c.internal)
	}
	return device.DefaultLayout()
}

// inputAdapter binds the primitive's source memory to the live bottom tensor,
// converting on read when the tensor arrives in a different layout.
type inputAdapter struct {
	engine    device.Engine
	expected  device.MemoryDesc
	mem       *device.Memory
	converted *device.Memory
}

// syncBeforeRead reports whether a conversion was needed.
func (a *inputAdapter) syncBeforeRead(t *device.Tensor) (bool, error) {
	src := t.Memory()
	if src.Desc.Equal(a.expected) {
		a.mem.Data = src.Data
		return false, nil
	}
	if a.converted == nil {
		m, err := a.engine.NewMemory(a.expected)
		if err != nil {
			return false, err
		}
		a.converted = m
	}
	reorder, err := a.engine.NewReorder(src, a.converted)
	if err != nil {
		return false, err
	}
	if err := reorder.Submit(); err != nil {
		return false, err
	}
	a.mem.Data = a.converted.Data
	return true, nil
}

func (a *inputAdapter) release() {
	if a.converted != nil {
		a.engine.ReleaseMemory(a.converted)
		a.converted = nil
	}
}

// outputAdapter binds the primitive's destination memory to the top tensor
// and tags it with the plan's layout so the next layer can adopt it.
type outputAdapter struct {
	desc    device.MemoryDesc
	adopted bool
	mem     *device.Memory
}

func (a *outputAdapter) syncBeforeWrite(t *device.Tensor) {
	if a.adopted {
		a.mem.Data = t.PrepareInternal(a.desc).Data
		return
	}
	a.mem.Data = t.MutableData()
}
