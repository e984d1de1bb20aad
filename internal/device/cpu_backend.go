package device

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-lrn/internal/simd"
	"gonum.org/v1/gonum/blas/blas32"
)

// ensure interface compliance
var _ Engine = (*CPUEngine)(nil)

// numWorkers defines the default parallelism for CPU primitives
var numWorkers = runtime.NumCPU()

// CPUConfig tunes a CPUEngine.
type CPUConfig struct {
	// Workers bounds the goroutines a primitive fans out to. Zero means NumCPU.
	Workers int
	// MaxBytes caps outstanding allocations. Zero means unlimited.
	MaxBytes int64
}

// CPUEngine executes primitives on the host.
type CPUEngine struct {
	pool      sync.Pool
	workers   int
	maxBytes  int64
	allocated atomic.Int64
}

// NewCPUEngine creates an engine with default settings.
func NewCPUEngine() *CPUEngine {
	return NewCPUEngineWithConfig(CPUConfig{})
}

// NewCPUEngineWithConfig creates an engine with the given settings.
func NewCPUEngineWithConfig(cfg CPUConfig) *CPUEngine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = numWorkers
	}
	return &CPUEngine{
		pool: sync.Pool{
			New: func() interface{} {
				return &Memory{}
			},
		},
		workers:  workers,
		maxBytes: cfg.MaxBytes,
	}
}

func (e *CPUEngine) Name() string {
	return "CPU"
}

func (e *CPUEngine) Kind() Kind {
	return KindCPU
}

// Workers returns the primitive fan-out.
func (e *CPUEngine) Workers() int {
	return e.workers
}

// Allocated returns the bytes currently handed out by NewMemory.
func (e *CPUEngine) Allocated() int64 {
	return e.allocated.Load()
}

func (e *CPUEngine) NewMemory(desc MemoryDesc) (*Memory, error) {
	if desc.DType != Float32 {
		return nil, fmt.Errorf("%w: %s buffers", ErrUnsupportedPrimitive, desc.DType)
	}
	bytes := desc.Bytes()
	if e.maxBytes > 0 && e.allocated.Add(bytes) > e.maxBytes {
		e.allocated.Add(-bytes)
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, bytes, e.allocated.Load(), e.maxBytes)
	} else if e.maxBytes <= 0 {
		e.allocated.Add(bytes)
	}

	// Try to get from pool
	v := e.pool.Get()
	m, ok := v.(*Memory)
	if !ok || m == nil {
		m = &Memory{}
	}

	size := desc.Elements()
	if cap(m.Data) < size {
		poolMisses.Inc()
		m.Data = make([]float32, size)
	} else {
		poolHits.Inc()
		m.Data = m.Data[:size]
		clear(m.Data)
	}
	m.Desc = desc
	m.Desc.Shape = desc.Shape.Clone()
	allocatedBytes.Set(float64(e.allocated.Load()))
	return m, nil
}

func (e *CPUEngine) ReleaseMemory(m *Memory) {
	if m == nil || m.Data == nil {
		return
	}
	e.allocated.Add(-m.Desc.Bytes())
	allocatedBytes.Set(float64(e.allocated.Load()))
	m.Desc = MemoryDesc{}
	// Data is zeroed when retrieved by NewMemory
	e.pool.Put(m)
}

// LRNScratchDesc sizes the scratch of an LRN forward primitive: one channel
// column and one denominator column per worker, plus the per-element
// denominators kept as workspace when training.
func (e *CPUEngine) LRNScratchDesc(desc LRNDesc) (MemoryDesc, error) {
	if err := e.checkLRN(desc); err != nil {
		return MemoryDesc{}, err
	}
	elements := 2 * desc.Src.Shape.C() * e.workers
	if desc.Prop == PropForwardTraining {
		elements += desc.Src.Shape.NumElements()
	}
	return MemoryDesc{Shape: Shape{1, elements, 1, 1}, DType: Float32, Format: FormatNCHW}, nil
}

func (e *CPUEngine) NewLRNForward(desc LRNDesc, src, scratch, dst *Memory) (Primitive, error) {
	if err := e.checkLRN(desc); err != nil {
		return nil, err
	}
	need, _ := e.LRNScratchDesc(desc)
	if scratch == nil || scratch.Desc.Elements() < need.Elements() {
		return nil, fmt.Errorf("lrn forward: scratch smaller than %s", need)
	}
	if src == nil || dst == nil {
		return nil, fmt.Errorf("lrn forward: src and dst memory are required")
	}
	return &lrnForward{
		workers: e.workers,
		desc:    desc,
		src:     src,
		scratch: scratch,
		dst:     dst,
	}, nil
}

func (e *CPUEngine) NewReorder(src, dst *Memory) (Primitive, error) {
	if !src.Desc.Shape.Equal(dst.Desc.Shape) {
		return nil, fmt.Errorf("reorder: shape mismatch %s vs %s", src.Desc.Shape, dst.Desc.Shape)
	}
	return &reorder{src: src, dst: dst}, nil
}

func (e *CPUEngine) checkLRN(desc LRNDesc) error {
	if desc.Algorithm != LRNAcrossChannels {
		return fmt.Errorf("%w: lrn %s", ErrUnsupportedPrimitive, desc.Algorithm)
	}
	if desc.Src.DType != Float32 || desc.Dst.DType != Float32 {
		return fmt.Errorf("%w: lrn on %s", ErrUnsupportedPrimitive, desc.Src.DType)
	}
	if len(desc.Src.Shape) != 4 || !desc.Src.Shape.Equal(desc.Dst.Shape) {
		return fmt.Errorf("lrn: src %s and dst %s must be equal 4-axis shapes", desc.Src.Shape, desc.Dst.Shape)
	}
	if desc.LocalSize <= 0 {
		return fmt.Errorf("lrn: local size %d must be positive", desc.LocalSize)
	}
	return nil
}

// LRNWindow returns the channel range [lo, hi) reduced for channel c. The
// window is size wide, centered on c and shifted to stay inside the tensor;
// it spans every channel when channels < size.
func LRNWindow(c, channels, size int) (lo, hi int) {
	lo = c - size/2
	if lo+size > channels {
		lo = channels - size
	}
	if lo < 0 {
		lo = 0
	}
	hi = lo + size
	if hi > channels {
		hi = channels
	}
	return lo, hi
}

type reorder struct {
	src, dst *Memory
}

func (r *reorder) Submit() error {
	return Reorder(r.dst, r.src)
}

type lrnForward struct {
	workers int
	desc    LRNDesc
	src     *Memory
	scratch *Memory
	dst     *Memory
}

func (p *lrnForward) Submit() error {
	d := p.desc
	if len(p.src.Data) < d.Src.Elements() || len(p.dst.Data) < d.Dst.Elements() {
		return fmt.Errorf("lrn forward: bound buffers smaller than %s / %s", d.Src, d.Dst)
	}
	s := d.Src.Shape
	channels := s.C()
	plane := s.H() * s.W()
	positions := s.N() * plane
	if positions == 0 || channels == 0 {
		return nil
	}

	var workspace []float32
	if d.Prop == PropForwardTraining {
		off := 2 * channels * p.workers
		workspace = p.scratch.Data[off : off+s.NumElements()]
	}
	if d.Dst.Format == FormatNChw8c {
		clear(p.dst.Data[:d.Dst.Elements()])
	}

	scale := d.Alpha / float32(d.LocalSize)

	// Parallel over (n, h, w) positions
	var wg sync.WaitGroup
	workers := p.workers
	if positions < workers {
		workers = positions
	}
	perWorker := (positions + workers - 1) / workers

	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= positions {
			break
		}
		if end > positions {
			end = positions
		}

		base := 2 * channels * w
		col := p.scratch.Data[base : base+channels]
		den := p.scratch.Data[base+channels : base+2*channels]

		wg.Add(1)
		go func(start, end int, col, den []float32) {
			defer wg.Done()
			for pos := start; pos < end; pos++ {
				n := pos / plane
				h := (pos % plane) / s.W()
				x := pos % s.W()

				gather(col, p.src, n, h, x)
				for c := 0; c < channels; c++ {
					lo, hi := LRNWindow(c, channels, d.LocalSize)
					den[c] = simd.SumSquares(col[lo:hi])
				}
				simd.AffineInPlace(den, 1, scale)
				if workspace != nil {
					for c := 0; c < channels; c++ {
						workspace[((n*channels+c)*s.H()+h)*s.W()+x] = den[c]
					}
				}
				simd.PowNeg(den, d.Beta)
				simd.VecMul(den, col)
				scatter(p.dst, den, n, h, x)
			}
		}(start, end, col, den)
	}
	wg.Wait()
	return nil
}

// gather copies the channel column at (n, h, w) of m into col.
func gather(col []float32, m *Memory, n, h, w int) {
	off := m.Desc.Offset(n, 0, h, w)
	if stride := m.Desc.ChannelStride(); stride > 0 {
		blas32.Copy(
			blas32.Vector{N: len(col), Inc: stride, Data: m.Data[off:]},
			blas32.Vector{N: len(col), Inc: 1, Data: col},
		)
		return
	}
	for c := range col {
		col[c] = m.Data[m.Desc.Offset(n, c, h, w)]
	}
}

// scatter writes col into the channel column at (n, h, w) of m.
func scatter(m *Memory, col []float32, n, h, w int) {
	off := m.Desc.Offset(n, 0, h, w)
	if stride := m.Desc.ChannelStride(); stride > 0 {
		blas32.Copy(
			blas32.Vector{N: len(col), Inc: 1, Data: col},
			blas32.Vector{N: len(col), Inc: stride, Data: m.Data[off:]},
		)
		return
	}
	for c := range col {
		m.Data[m.Desc.Offset(n, c, h, w)] = col[c]
	}
}
