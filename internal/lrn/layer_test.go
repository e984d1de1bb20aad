package lrn

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-lrn/internal/device"
)

// countingEngine wraps the CPU engine and records primitive construction.
type countingEngine struct {
	*device.CPUEngine
	kind         device.Kind
	scratchCalls int
	forwardCalls int
	reorderCalls int
}

func newCountingEngine(cfg device.CPUConfig) *countingEngine {
	return &countingEngine{CPUEngine: device.NewCPUEngineWithConfig(cfg), kind: device.KindCPU}
}

func (e *countingEngine) Kind() device.Kind { return e.kind }

func (e *countingEngine) LRNScratchDesc(desc device.LRNDesc) (device.MemoryDesc, error) {
	e.scratchCalls++
	return e.CPUEngine.LRNScratchDesc(desc)
}

func (e *countingEngine) NewLRNForward(desc device.LRNDesc, src, scratch, dst *device.Memory) (device.Primitive, error) {
	e.forwardCalls++
	return e.CPUEngine.NewLRNForward(desc, src, scratch, dst)
}

func (e *countingEngine) NewReorder(src, dst *device.Memory) (device.Primitive, error) {
	e.reorderCalls++
	return e.CPUEngine.NewReorder(src, dst)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func testParams(size int, alpha, beta float32) Params {
	p := DefaultParams()
	p.LocalSize = size
	p.Alpha = alpha
	p.Beta = beta
	return p
}

func newTestLayer(t *testing.T, engine device.Engine, p Params, opts ...Option) *Layer {
	t.Helper()
	l := NewLayer(t.Name(), engine, p, opts...)
	require.NoError(t, l.Setup())
	return l
}

func mustTensor(t *testing.T, shape device.Shape, data []float32) *device.Tensor {
	t.Helper()
	tensor, err := device.NewTensor(shape, data)
	require.NoError(t, err)
	return tensor
}

func internalTensor(t *testing.T, shape device.Shape, natural []float32, format device.Format) *device.Tensor {
	t.Helper()
	desc := device.MemoryDesc{Shape: shape, DType: device.Float32, Format: format}
	mem := &device.Memory{Desc: desc, Data: make([]float32, desc.Elements())}
	require.NoError(t, device.Reorder(mem, &device.Memory{Desc: device.NaturalDesc(shape, device.Float32), Data: natural}))
	tensor, err := device.NewInternalTensor(desc, mem.Data)
	require.NoError(t, err)
	return tensor
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%11)*0.5 - 2
	}
	return out
}

// expectedLRN is the closed form over NCHW data.
func expectedLRN(x []float32, s device.Shape, size int, alpha, beta float64) []float32 {
	out := make([]float32, len(x))
	for n := 0; n < s.N(); n++ {
		for c := 0; c < s.C(); c++ {
			lo, hi := device.LRNWindow(c, s.C(), size)
			for h := 0; h < s.H(); h++ {
				for w := 0; w < s.W(); w++ {
					var sum float64
					for j := lo; j < hi; j++ {
						v := float64(x[((n*s.C()+j)*s.H()+h)*s.W()+w])
						sum += v * v
					}
					idx := ((n*s.C()+c)*s.H()+h)*s.W() + w
					out[idx] = float32(float64(x[idx]) * math.Pow(1+alpha/float64(size)*sum, -beta))
				}
			}
		}
	}
	return out
}

func assertClose(t *testing.T, want, got []float32) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.Abs(float64(want[i]-got[i])) > 1e-5 {
			t.Fatalf("element %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSetup_RejectsInvalidLocalSize(t *testing.T) {
	for _, size := range []int{2, 4, 10, 0, -3} {
		l := NewLayer("lrn", device.NewCPUEngine(), testParams(size, 1, 0.75))
		err := l.Setup()
		assert.ErrorIs(t, err, ErrInvalidConfiguration, "local_size=%d", size)
		assert.Equal(t, KindInvalidConfiguration, KindOf(err))
	}
	for _, size := range []int{1, 3, 5, 11} {
		l := NewLayer("lrn", device.NewCPUEngine(), testParams(size, 1, 0.75))
		assert.NoError(t, l.Setup(), "local_size=%d", size)
	}
}

func TestOutputShape(t *testing.T) {
	p := DefaultParams()

	out, err := OutputShape(p, device.Shape{2, 8, 4, 4})
	require.NoError(t, err)
	assert.Equal(t, device.Shape{2, 8, 4, 4}, out)

	_, err = OutputShape(p, device.Shape{8, 4, 4})
	assert.ErrorIs(t, err, ErrInvalidShape)
	_, err = OutputShape(p, device.Shape{1, 2, 8, 4, 4})
	assert.ErrorIs(t, err, ErrInvalidShape)
	_, err = OutputShape(p, device.Shape{-2, -2, 1, 1})
	assert.ErrorIs(t, err, ErrInvalidShape)

	p.Region = WithinChannel
	_, err = OutputShape(p, device.Shape{2, 8, 4, 4})
	assert.ErrorIs(t, err, ErrUnsupported)

	p.Region = NormRegion(7)
	_, err = OutputShape(p, device.Shape{2, 8, 4, 4})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestReshape(t *testing.T) {
	l := newTestLayer(t, device.NewCPUEngine(), DefaultParams())
	bottom := mustTensor(t, device.Shape{2, 8, 4, 4}, nil)
	top := mustTensor(t, device.Shape{1, 1, 1, 1}, nil)

	require.NoError(t, l.Reshape(bottom, top))
	assert.Equal(t, device.Shape{2, 8, 4, 4}, top.Shape())

	p := DefaultParams()
	p.Region = WithinChannel
	within := newTestLayer(t, device.NewCPUEngine(), p)
	err := within.Reshape(bottom, top)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, KindUnsupported, KindOf(err))

	notSetUp := NewLayer("fresh", device.NewCPUEngine(), DefaultParams())
	assert.ErrorIs(t, notSetUp.Reshape(bottom, top), ErrInvalidConfiguration)
}

func TestForward_ClosedForm(t *testing.T) {
	l := newTestLayer(t, device.NewCPUEngine(), testParams(3, 1.0, 0.5))
	bottom := mustTensor(t, device.Shape{1, 3, 1, 1}, []float32{1, 2, 3})
	top := mustTensor(t, device.Shape{1, 3, 1, 1}, nil)

	require.NoError(t, l.Forward(context.Background(), bottom, top))

	// the window covers all three channels for every position
	den := math.Pow(1.0+(1.0/3)*(1+4+9), -0.5)
	want := []float32{float32(1 * den), float32(2 * den), float32(3 * den)}
	assertClose(t, want, top.Data())
	assert.Equal(t, device.LayoutDefault, top.Layout().Kind())
}

func TestForward_IgnoresK(t *testing.T) {
	run := func(k float32) []float32 {
		p := testParams(3, 1.0, 0.5)
		p.K = k
		l := newTestLayer(t, device.NewCPUEngine(), p)
		bottom := mustTensor(t, device.Shape{1, 3, 1, 1}, []float32{1, 2, 3})
		top := mustTensor(t, device.Shape{1, 3, 1, 1}, nil)
		require.NoError(t, l.Forward(context.Background(), bottom, top))
		return top.Data()
	}

	base := run(1)
	assert.Equal(t, base, run(7), "k does not change the output")
	den := math.Pow(1.0+(1.0/3)*(1+4+9), -0.5)
	assertClose(t, []float32{float32(den), float32(2 * den), float32(3 * den)}, base)
}

func TestForward_MatchesReference(t *testing.T) {
	shape := device.Shape{2, 8, 4, 4}
	x := ramp(shape.NumElements())
	l := newTestLayer(t, device.NewCPUEngineWithConfig(device.CPUConfig{Workers: 4}), testParams(5, 0.0001, 0.75))

	bottom := mustTensor(t, shape, x)
	top := mustTensor(t, shape, nil)
	require.NoError(t, l.Forward(context.Background(), bottom, top))

	assertClose(t, expectedLRN(x, shape, 5, float64(float32(0.0001)), 0.75), top.Data())
}

func TestForward_BuildsPlanOnce(t *testing.T) {
	engine := newCountingEngine(device.CPUConfig{})
	l := newTestLayer(t, engine, DefaultParams())
	_, ok := l.Plan()
	assert.False(t, ok, "no plan before the first forward")

	bottom := mustTensor(t, device.Shape{2, 8, 4, 4}, ramp(256))
	top := mustTensor(t, device.Shape{2, 8, 4, 4}, nil)
	before := counterValue(t, planBuilds.WithLabelValues(t.Name()))

	require.NoError(t, l.Forward(context.Background(), bottom, top))
	first := append([]float32(nil), top.Data()...)
	require.NoError(t, l.Forward(context.Background(), bottom, top))

	assert.Equal(t, 1, l.PlanBuilds())
	assert.Equal(t, 1, engine.scratchCalls)
	assert.Equal(t, 1, engine.forwardCalls)
	assert.Equal(t, 0, engine.reorderCalls)
	assert.Equal(t, before+1, counterValue(t, planBuilds.WithLabelValues(t.Name())))
	assert.Equal(t, first, top.Data())

	plan, ok := l.Plan()
	require.True(t, ok)
	assert.Equal(t, device.Shape{2, 8, 4, 4}, plan.Shape())
	assert.Equal(t, device.PropForwardScoring, plan.Desc().Prop)
}

func TestForward_LayoutPropagation(t *testing.T) {
	shape := device.Shape{1, 10, 3, 2}
	x := ramp(shape.NumElements())
	want := expectedLRN(x, shape, 5, 1, 0.75)

	for _, format := range []device.Format{device.FormatNHWC, device.FormatNChw8c} {
		t.Run(format.String(), func(t *testing.T) {
			engine := newCountingEngine(device.CPUConfig{Workers: 2})
			l := newTestLayer(t, engine, DefaultParams())

			bottom := internalTensor(t, shape, x, format)
			top := mustTensor(t, shape, nil)
			require.NoError(t, l.Forward(context.Background(), bottom, top))

			assert.True(t, top.Layout().Equal(bottom.Layout()), "top layout %s, want %s", top.Layout(), bottom.Layout())
			assert.Equal(t, 0, engine.reorderCalls, "adopted layout needs no conversion")

			plan, ok := l.Plan()
			require.True(t, ok)
			assert.True(t, plan.Layout().Equal(bottom.Layout()))

			assertClose(t, want, top.Data())
		})
	}
}

func TestForward_ChainedLayersKeepLayout(t *testing.T) {
	shape := device.Shape{1, 8, 2, 2}
	x := ramp(shape.NumElements())
	engine := device.NewCPUEngine()
	first := newTestLayer(t, engine, DefaultParams())
	second := NewLayer("second", engine, DefaultParams())
	require.NoError(t, second.Setup())

	bottom := internalTensor(t, shape, x, device.FormatNChw8c)
	mid := mustTensor(t, shape, nil)
	top := mustTensor(t, shape, nil)

	require.NoError(t, first.Forward(context.Background(), bottom, mid))
	require.NoError(t, second.Forward(context.Background(), mid, top))

	assert.True(t, top.Layout().Equal(bottom.Layout()))
	once := expectedLRN(x, shape, 5, 1, 0.75)
	assertClose(t, expectedLRN(once, shape, 5, 1, 0.75), top.Data())
}

func TestForward_LayoutChangeReordersWithoutRebuild(t *testing.T) {
	shape := device.Shape{1, 6, 2, 2}
	x := ramp(shape.NumElements())
	engine := newCountingEngine(device.CPUConfig{})
	l := newTestLayer(t, engine, DefaultParams())
	top := mustTensor(t, shape, nil)

	require.NoError(t, l.Forward(context.Background(), mustTensor(t, shape, x), top))
	before := counterValue(t, inputReorders.WithLabelValues(t.Name()))

	require.NoError(t, l.Forward(context.Background(), internalTensor(t, shape, x, device.FormatNHWC), top))

	assert.Equal(t, 1, l.PlanBuilds())
	assert.Equal(t, 1, engine.reorderCalls)
	assert.Equal(t, before+1, counterValue(t, inputReorders.WithLabelValues(t.Name())))
	assert.Equal(t, device.LayoutDefault, top.Layout().Kind(), "output keeps the plan layout")
	assertClose(t, expectedLRN(x, shape, 5, 1, 0.75), top.Data())
}

func TestForward_ShapeChangeRebuilds(t *testing.T) {
	engine := newCountingEngine(device.CPUConfig{})
	l := newTestLayer(t, engine, testParams(3, 2, 0.75))
	top := mustTensor(t, device.Shape{1, 4, 2, 2}, nil)

	a := ramp(16)
	require.NoError(t, l.Forward(context.Background(), mustTensor(t, device.Shape{1, 4, 2, 2}, a), top))

	b := ramp(2 * 5 * 3 * 3)
	shape := device.Shape{2, 5, 3, 3}
	require.NoError(t, l.Forward(context.Background(), mustTensor(t, shape, b), top))

	assert.Equal(t, 2, l.PlanBuilds())
	assert.Equal(t, 2, engine.forwardCalls)
	assert.Equal(t, shape, top.Shape())
	assertClose(t, expectedLRN(b, shape, 3, 2, 0.75), top.Data())

	plan, _ := l.Plan()
	assert.Equal(t, shape, plan.Shape())
}

func TestForward_TrainingPhaseKeepsWorkspace(t *testing.T) {
	engine := device.NewCPUEngineWithConfig(device.CPUConfig{Workers: 1})
	p := DefaultParams()
	p.Phase = PhaseTraining
	l := newTestLayer(t, engine, p)

	shape := device.Shape{1, 4, 2, 2}
	require.NoError(t, l.Forward(context.Background(), mustTensor(t, shape, ramp(16)), mustTensor(t, shape, nil)))

	plan, ok := l.Plan()
	require.True(t, ok)
	assert.Equal(t, device.PropForwardTraining, plan.Desc().Prop)
	assert.Equal(t, 2*4+16, plan.ScratchDesc().Elements())
}

func TestForward_Unsupported(t *testing.T) {
	shape := device.Shape{1, 3, 2, 2}

	t.Run("precision", func(t *testing.T) {
		l := newTestLayer(t, device.NewCPUEngine(), DefaultParams(), WithPrecision(device.Float64))
		err := l.Forward(context.Background(), mustTensor(t, shape, nil), mustTensor(t, shape, nil))
		assert.ErrorIs(t, err, ErrUnsupported)
		_, ok := l.Plan()
		assert.False(t, ok)
	})

	t.Run("gpu engine", func(t *testing.T) {
		engine := newCountingEngine(device.CPUConfig{})
		engine.kind = device.KindCUDA
		l := newTestLayer(t, engine, DefaultParams())
		err := l.Forward(context.Background(), mustTensor(t, shape, nil), mustTensor(t, shape, nil))
		assert.ErrorIs(t, err, ErrUnsupported)
		assert.Equal(t, 0, engine.scratchCalls)
	})

	t.Run("within channel", func(t *testing.T) {
		p := DefaultParams()
		p.Region = WithinChannel
		l := newTestLayer(t, device.NewCPUEngine(), p)
		err := l.Forward(context.Background(), mustTensor(t, shape, nil), mustTensor(t, shape, nil))
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("rank", func(t *testing.T) {
		l := newTestLayer(t, device.NewCPUEngine(), DefaultParams())
		err := l.Forward(context.Background(), mustTensor(t, device.Shape{3, 2, 2}, nil), mustTensor(t, shape, nil))
		assert.ErrorIs(t, err, ErrInvalidShape)
	})
}

func TestForward_ResourceExhausted(t *testing.T) {
	engine := device.NewCPUEngineWithConfig(device.CPUConfig{Workers: 1, MaxBytes: 8})
	l := newTestLayer(t, engine, DefaultParams())
	shape := device.Shape{1, 16, 2, 2}

	err := l.Forward(context.Background(), mustTensor(t, shape, nil), mustTensor(t, shape, nil))
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.True(t, errors.Is(err, device.ErrOutOfMemory))
	assert.Equal(t, KindResourceExhausted, KindOf(err))
	assert.Equal(t, 0, l.PlanBuilds())
}

func TestForward_BeforeSetup(t *testing.T) {
	l := NewLayer("fresh", device.NewCPUEngine(), DefaultParams())
	shape := device.Shape{1, 3, 1, 1}
	err := l.Forward(context.Background(), mustTensor(t, shape, nil), mustTensor(t, shape, nil))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestForward_ConcurrentCallsBuildOnce(t *testing.T) {
	engine := newCountingEngine(device.CPUConfig{Workers: 2})
	l := newTestLayer(t, engine, DefaultParams())
	shape := device.Shape{2, 8, 3, 3}
	x := ramp(shape.NumElements())
	bottom := mustTensor(t, shape, x)
	want := expectedLRN(x, shape, 5, 1, 0.75)

	var wg sync.WaitGroup
	tops := make([]*device.Tensor, 8)
	errs := make([]error, len(tops))
	for i := range tops {
		tops[i] = mustTensor(t, shape, nil)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Forward(context.Background(), bottom, tops[i])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, l.PlanBuilds())
	for i, top := range tops {
		require.NoError(t, errs[i])
		assertClose(t, want, top.Data())
	}
}

func TestBackward_AlwaysUnsupported(t *testing.T) {
	l := newTestLayer(t, device.NewCPUEngine(), DefaultParams())
	for _, shape := range []device.Shape{{1, 3, 1, 1}, {2, 8, 4, 4}} {
		top := mustTensor(t, shape, nil)
		bottom := mustTensor(t, shape, nil)
		err := l.Backward(context.Background(), top, []bool{true}, bottom)
		assert.ErrorIs(t, err, ErrUnsupported)
	}
}

func TestGPUPaths_Unsupported(t *testing.T) {
	l := newTestLayer(t, device.NewCPUEngine(), DefaultParams())
	shape := device.Shape{1, 3, 1, 1}
	bottom := mustTensor(t, shape, []float32{1, 2, 3})
	top := mustTensor(t, shape, nil)

	assert.ErrorIs(t, l.ForwardGPU(context.Background(), bottom, top), ErrUnsupported)
	assert.ErrorIs(t, l.BackwardGPU(context.Background(), top, []bool{true}, bottom), ErrUnsupported)
	assert.Equal(t, 0, l.PlanBuilds())
}

func TestRelease(t *testing.T) {
	engine := device.NewCPUEngine()
	l := newTestLayer(t, engine, DefaultParams())
	shape := device.Shape{1, 4, 2, 2}
	require.NoError(t, l.Forward(context.Background(), mustTensor(t, shape, ramp(16)), mustTensor(t, shape, nil)))
	assert.Greater(t, engine.Allocated(), int64(0))

	l.Release()
	assert.Equal(t, int64(0), engine.Allocated())
	_, ok := l.Plan()
	assert.False(t, ok)

	require.NoError(t, l.Forward(context.Background(), mustTensor(t, shape, ramp(16)), mustTensor(t, shape, nil)))
	assert.Equal(t, 2, l.PlanBuilds())
}
