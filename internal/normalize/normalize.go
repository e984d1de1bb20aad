// Package normalize serves LRN requests on top of a shared engine, keeping one
// configured layer per dataset and parameter set so plans survive across
// requests.
package normalize

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-lrn/internal/cache"
	"github.com/23skdu/longbow-lrn/internal/device"
	"github.com/23skdu/longbow-lrn/internal/lrn"
)

var tracer = otel.Tracer("longbow-lrn/normalize")

type contextKey string

const datasetIDKey contextKey = "dataset_id"

// WithDatasetID scopes the layers used for ctx to a dataset.
func WithDatasetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, datasetIDKey, id)
}

// DatasetID returns the dataset ctx is scoped to, or "".
func DatasetID(ctx context.Context) string {
	id, _ := ctx.Value(datasetIDKey).(string)
	return id
}

// Request is one tensor to normalize.
type Request struct {
	Params lrn.Params `cbor:"params"`
	Shape  []int      `cbor:"shape"`
	// Format is the layout Data is stored in. Empty means nchw. Blocked
	// formats carry their channel padding.
	Format string    `cbor:"format,omitempty"`
	Data   []float32 `cbor:"data"`
}

// Tensor builds the input tensor the request describes.
func (r Request) Tensor() (*device.Tensor, error) {
	format, err := device.ParseFormat(r.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lrn.ErrInvalidConfiguration, err)
	}
	shape := device.Shape(r.Shape)
	if format == device.FormatNCHW {
		t, err := device.NewTensor(shape, r.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", lrn.ErrInvalidShape, err)
		}
		return t, nil
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("%s input must have 4 axes, got %s: %w", format, shape, lrn.ErrInvalidShape)
	}
	t, err := device.NewInternalTensor(device.MemoryDesc{Shape: shape, DType: device.Float32, Format: format}, r.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lrn.ErrInvalidShape, err)
	}
	return t, nil
}

// StreamResult is the outcome of one request of a stream.
type StreamResult struct {
	Index  int
	Output *device.Tensor
	Err    error
}

// Normalizer runs requests against a shared engine.
type Normalizer struct {
	engine    device.Engine
	layers    cache.Cache[string, *lrn.Layer]
	precision device.DType
	workers   int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithPrecision sets the precision every layer is created with.
func WithPrecision(dtype device.DType) Option {
	return func(n *Normalizer) { n.precision = dtype }
}

// WithStreamWorkers bounds how many stream requests run at once.
func WithStreamWorkers(workers int) Option {
	return func(n *Normalizer) {
		if workers > 0 {
			n.workers = workers
		}
	}
}

// NewNormalizer creates a normalizer on engine.
func NewNormalizer(engine device.Engine, opts ...Option) *Normalizer {
	n := &Normalizer{
		engine:    engine,
		layers:    cache.NewMapCache[string, *lrn.Layer](),
		precision: device.Float32,
		workers:   runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Layer returns the configured layer for params in the dataset of ctx,
// creating and setting it up on first use.
func (n *Normalizer) Layer(ctx context.Context, params lrn.Params) (*lrn.Layer, error) {
	name := params.Key()
	if id := DatasetID(ctx); id != "" {
		name = id + "/" + name
	}
	layer, cached, err := n.layers.GetOrCreate(name, func() (*lrn.Layer, error) {
		l := lrn.NewLayer(name, n.engine, params, lrn.WithPrecision(n.precision))
		if err := l.Setup(); err != nil {
			return nil, err
		}
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	if cached {
		layerCacheHits.Inc()
	} else {
		layerCacheMisses.Inc()
		cachedLayers.Set(float64(n.layers.Size()))
		log.Debug().Str("layer", name).Msg("Created LRN layer")
	}
	return layer, nil
}

// Normalize runs one request and returns the output tensor. The output keeps
// the layout the layer produced; Data returns it in nchw order.
func (n *Normalizer) Normalize(ctx context.Context, req Request) (*device.Tensor, error) {
	ctx, span := tracer.Start(ctx, "normalize.Normalize", trace.WithAttributes(
		attribute.String("dataset", DatasetID(ctx)),
		attribute.IntSlice("shape", req.Shape),
		attribute.String("format", req.Format),
	))
	defer span.End()

	out, err := n.normalize(ctx, req)
	if err != nil {
		requestsTotal.WithLabelValues(lrn.KindOf(err).String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	requestsTotal.WithLabelValues("ok").Inc()
	elementsProcessed.Add(float64(out.Shape().NumElements()))
	return out, nil
}

func (n *Normalizer) normalize(ctx context.Context, req Request) (*device.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	layer, err := n.Layer(ctx, req.Params)
	if err != nil {
		return nil, err
	}
	bottom, err := req.Tensor()
	if err != nil {
		return nil, err
	}
	top, err := device.NewTensor(bottom.Shape(), nil)
	if err != nil {
		return nil, err
	}
	if err := layer.Forward(ctx, bottom, top); err != nil {
		return nil, err
	}
	return top, nil
}

// NormalizeStream runs requests concurrently and delivers results as they
// complete. The channel is closed once every started request has reported
// or ctx is done; requests not started before cancellation are dropped.
func (n *Normalizer) NormalizeStream(ctx context.Context, reqs []Request) <-chan StreamResult {
	out := make(chan StreamResult)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(n.workers)

	loop:
		for i := range reqs {
			select {
			case <-gctx.Done():
				break loop
			default:
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				streamInflight.Inc()
				t, err := n.Normalize(gctx, reqs[i])
				streamInflight.Dec()
				select {
				case out <- StreamResult{Index: i, Output: t, Err: err}:
				case <-gctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("requests", len(reqs)).Msg("Normalize stream cancelled")
		}
	}()

	return out
}

// Layers returns how many configured layers are cached.
func (n *Normalizer) Layers() int {
	return n.layers.Size()
}

// Close releases every cached layer's plan memory.
func (n *Normalizer) Close() {
	n.layers.Drain(func(name string, l *lrn.Layer) {
		l.Release()
	})
	cachedLayers.Set(0)
}
