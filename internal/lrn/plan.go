package lrn

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-lrn/internal/device"
)

// Plan is the cached, shape-specific bundle that performs the forward
// computation: descriptors, scratch, adapters and the bound primitive.
// A Plan is never mutated after it is built; bound buffers are rebound on
// every call.
type Plan struct {
	shape   device.Shape
	layouts layoutChoice
	desc    device.LRNDesc
	scratch *device.Memory
	input   *inputAdapter
	output  *outputAdapter
	fwd     device.Primitive
}

// Shape returns the input shape the plan was built for.
func (p *Plan) Shape() device.Shape { return p.shape.Clone() }

// Layout returns the tag the plan puts on its outputs.
func (p *Plan) Layout() device.Layout { return p.layouts.layout() }

// Desc returns the primitive descriptor.
func (p *Plan) Desc() device.LRNDesc { return p.desc }

// ScratchDesc returns the engine-sized scratch descriptor.
func (p *Plan) ScratchDesc() device.MemoryDesc { return p.scratch.Desc }

func (p *Plan) release(e device.Engine) {
	p.input.release()
	e.ReleaseMemory(p.scratch)
}

func (l *Layer) buildPlan(bottom *device.Tensor) (*Plan, error) {
	// 1. algorithm
	var algorithm device.LRNAlgorithm
	switch l.params.Region {
	case AcrossChannels:
		algorithm = device.LRNAcrossChannels
	case WithinChannel:
		return nil, l.errorf(ErrUnsupported, "norm_region %s", l.params.Region)
	default:
		return nil, l.errorf(ErrInvalidConfiguration, "unknown normalization region %s", l.params.Region)
	}

	if l.precision != device.Float32 {
		return nil, l.errorf(ErrUnsupported, "precision %s", l.precision)
	}
	if k := l.engine.Kind(); k != device.KindCPU {
		return nil, l.errorf(ErrUnsupported, "%s execution", k)
	}

	prop := device.PropForwardScoring
	if l.params.Phase == PhaseTraining {
		prop = device.PropForwardTraining
	}

	// 2-3. layouts, output mirrors input
	layouts := negotiateLayout(bottom, l.precision)

	// 4. primitive descriptor
	desc := device.LRNDesc{
		Prop:      prop,
		Algorithm: algorithm,
		Src:       layouts.internal,
		Dst:       layouts.internal,
		Alpha:     l.params.Alpha,
		Beta:      l.params.Beta,
		LocalSize: l.params.LocalSize,
	}

	// 5. scratch
	scratchDesc, err := l.engine.LRNScratchDesc(desc)
	if err != nil {
		return nil, l.engineError(err, "scratch descriptor")
	}
	scratch, err := l.engine.NewMemory(scratchDesc)
	if err != nil {
		return nil, l.engineError(err, "allocate %d bytes of scratch", scratchDesc.Bytes())
	}

	// 6. adapters
	input := &inputAdapter{
		engine:   l.engine,
		expected: layouts.internal,
		mem:      &device.Memory{Desc: layouts.internal},
	}
	output := &outputAdapter{
		desc:    layouts.internal,
		adopted: layouts.adopted,
		mem:     &device.Memory{Desc: layouts.internal},
	}

	// 7. bind
	fwd, err := l.engine.NewLRNForward(desc, input.mem, scratch, output.mem)
	if err != nil {
		l.engine.ReleaseMemory(scratch)
		return nil, l.engineError(err, "bind forward primitive")
	}

	return &Plan{
		shape:   bottom.Shape().Clone(),
		layouts: layouts,
		desc:    desc,
		scratch: scratch,
		input:   input,
		output:  output,
		fwd:     fwd,
	}, nil
}

// engineError maps engine failures onto this package's kinds.
func (l *Layer) engineError(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, device.ErrOutOfMemory):
		return fmt.Errorf("lrn %s: %s: %w: %w", l.name, what, ErrResourceExhausted, err)
	case errors.Is(err, device.ErrUnsupportedPrimitive):
		return fmt.Errorf("lrn %s: %s: %w: %w", l.name, what, ErrUnsupported, err)
	default:
		return fmt.Errorf("lrn %s: %s: %w: %w", l.name, what, ErrInvalidConfiguration, err)
	}
}
