// Package lrn implements Local Response Normalization across channels.
//
// Each output element is its input divided by a factor computed from the
// squares of neighbouring channels at the same spatial position:
//
//	o = x * (1 + alpha/size * sum(x[c']^2))^(-beta)
//
// The execution plan depends on the memory layout the upstream producer hands
// over, which is unknown until the first Forward, so it is built lazily and
// cached on the layer.
package lrn

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-lrn/internal/device"
)

var tracer = otel.Tracer("longbow-lrn/lrn")

// Option configures a Layer.
type Option func(*Layer)

// WithPrecision sets the element precision the pipeline runs at.
// Only device.Float32 can execute.
func WithPrecision(dtype device.DType) Option {
	return func(l *Layer) { l.precision = dtype }
}

// Layer is an LRN layer bound to an engine.
//
// Lifecycle: Setup once, Reshape whenever the input shape may change, then
// Forward per batch. Forward calls on one layer are serialized.
type Layer struct {
	name      string
	engine    device.Engine
	params    Params
	precision device.DType

	mu     sync.Mutex
	setUp  bool
	plan   *Plan
	builds int
}

// NewLayer creates a layer. The engine is shared and not owned by the layer.
func NewLayer(name string, engine device.Engine, params Params, opts ...Option) *Layer {
	l := &Layer{
		name:      name,
		engine:    engine,
		params:    params,
		precision: device.Float32,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Layer) Name() string { return l.name }

func (l *Layer) Params() Params { return l.params }

// Setup validates the parameters. Plans are not built here because the
// layout of the input is not known yet.
func (l *Layer) Setup() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log.Debug().Str("layer", l.name).Str("params", l.params.Key()).Msg("LRN setup")

	if l.params.LocalSize <= 0 || l.params.LocalSize%2 != 1 {
		return l.errorf(ErrInvalidConfiguration, "LRN only supports odd positive values for local_size, got %d", l.params.LocalSize)
	}
	if l.params.K != 1 {
		log.Warn().Str("layer", l.name).Float32("k", l.params.K).Msg("LRN k is accepted but not applied; the engine uses a bias of 1")
	}
	l.setUp = true
	return nil
}

// Reshape validates bottom and reshapes top to match.
func (l *Layer) Reshape(bottom, top *device.Tensor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reshape(bottom, top)
}

func (l *Layer) reshape(bottom, top *device.Tensor) error {
	if !l.setUp {
		return l.errorf(ErrInvalidConfiguration, "layer used before Setup")
	}
	out, err := OutputShape(l.params, bottom.Shape())
	if err != nil {
		return l.errorf(err, "reshape")
	}
	top.Reshape(out)
	return nil
}

// Forward normalizes bottom into top, building the plan on first use.
func (l *Layer) Forward(ctx context.Context, bottom, top *device.Tensor) error {
	_, span := tracer.Start(ctx, "lrn.Forward", trace.WithAttributes(
		attribute.String("layer", l.name),
		attribute.String("shape", bottom.Shape().String()),
		attribute.String("layout", bottom.Layout().String()),
	))
	defer span.End()

	start := time.Now()
	if err := l.forward(bottom, top); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	forwardDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	return nil
}

func (l *Layer) forward(bottom, top *device.Tensor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log.Debug().Str("layer", l.name).Msg("LRN forward")

	if err := l.reshape(bottom, top); err != nil {
		return err
	}
	plan, err := l.ensurePlan(bottom)
	if err != nil {
		return err
	}

	// making reorders if needed
	converted, err := plan.input.syncBeforeRead(bottom)
	if err != nil {
		return l.engineError(err, "convert input from %s to %s", bottom.Layout(), plan.layouts.internal)
	}
	if converted {
		inputReorders.WithLabelValues(l.name).Inc()
		log.Debug().Str("layer", l.name).Str("from", bottom.Layout().String()).Str("to", plan.layouts.internal.String()).Msg("LRN input reordered")
	}
	plan.output.syncBeforeWrite(top)

	if err := plan.fwd.Submit(); err != nil {
		return l.engineError(err, "submit")
	}
	return nil
}

// ensurePlan returns the cached plan, building it on first use and
// rebuilding it when the input shape changed. A layout change alone is
// handled by the input adapter, and outputs keep the layout adopted from the
// first input of that shape, not the layout of the arriving one.
func (l *Layer) ensurePlan(bottom *device.Tensor) (*Plan, error) {
	if l.plan != nil && l.plan.shape.Equal(bottom.Shape()) {
		return l.plan, nil
	}
	if l.plan != nil {
		log.Info().Str("layer", l.name).Str("old", l.plan.shape.String()).Str("new", bottom.Shape().String()).Msg("LRN input shape changed, rebuilding plan")
		l.plan.release(l.engine)
		l.plan = nil
	}

	plan, err := l.buildPlan(bottom)
	if err != nil {
		return nil, err
	}
	l.plan = plan
	l.builds++
	planBuilds.WithLabelValues(l.name).Inc()
	log.Debug().
		Str("layer", l.name).
		Str("engine", l.engine.Name()).
		Str("prop", plan.desc.Prop.String()).
		Str("layout", plan.Layout().String()).
		Int("scratch_elements", plan.scratch.Desc.Elements()).
		Msg("LRN plan built")
	return plan, nil
}

// Plan returns the cached plan, if one has been built.
func (l *Layer) Plan() (*Plan, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plan, l.plan != nil
}

// PlanBuilds returns how many plans this layer has built.
func (l *Layer) PlanBuilds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.builds
}

// Backward is not implemented and always fails. Failing loudly keeps a
// training pipeline from silently propagating zero gradients.
func (l *Layer) Backward(ctx context.Context, top *device.Tensor, propagateDown []bool, bottom *device.Tensor) error {
	err := l.errorf(ErrUnsupported, "backward")
	log.Error().Err(err).Msg("LRN backward requested")
	return err
}

// ForwardGPU is not implemented; only host engines execute LRN.
func (l *Layer) ForwardGPU(ctx context.Context, bottom, top *device.Tensor) error {
	return l.errorf(ErrUnsupported, "gpu forward")
}

// BackwardGPU is not implemented.
func (l *Layer) BackwardGPU(ctx context.Context, top *device.Tensor, propagateDown []bool, bottom *device.Tensor) error {
	return l.errorf(ErrUnsupported, "gpu backward")
}

// Release returns plan memory to the engine. The layer can be used again
// afterwards; the next Forward rebuilds the plan.
func (l *Layer) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.plan != nil {
		l.plan.release(l.engine)
		l.plan = nil
	}
}
