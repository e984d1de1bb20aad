package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-lrn/internal/client"
	"github.com/23skdu/longbow-lrn/internal/device"
	"github.com/23skdu/longbow-lrn/internal/lrn"
	"github.com/23skdu/longbow-lrn/internal/normalize"
)

var (
	tensorsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lrn_tensors_processed_total",
		Help: "The total number of tensors normalized by the server",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lrn_request_duration_seconds",
		Help:    "Time spent processing normalize requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

const datasetHeader = "X-Dataset"

type NormalizerInterface interface {
	Normalize(ctx context.Context, req normalize.Request) (*device.Tensor, error)
	NormalizeStream(ctx context.Context, reqs []normalize.Request) <-chan normalize.StreamResult
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// Response is the CBOR reply for one request of /normalize.
type Response struct {
	Shape  []int  `cbor:"shape"`
	Layout string `cbor:"layout"`
	// Data is set for fp32 transport, DataF16 for fp16. Both are nchw.
	Data    []float32 `cbor:"data,omitempty"`
	DataF16 []byte    `cbor:"data_f16,omitempty"`
}

type Server struct {
	normalizer    NormalizerInterface
	flightClient  FlightClientInterface
	datasetName   string
	alloc         memory.Allocator
	sem           *semaphore.Weighted
	maxConcurrent int64
	transportFmt  string
}

func NewServer(n NormalizerInterface, fc FlightClientInterface, dataset string, maxConcurrent int64, transportFmt string) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Server{
		normalizer:    n,
		flightClient:  fc,
		datasetName:   dataset,
		alloc:         memory.NewGoAllocator(),
		sem:           semaphore.NewWeighted(maxConcurrent),
		maxConcurrent: maxConcurrent,
		transportFmt:  transportFmt,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/normalize", s.handleNormalize)
	mux.HandleFunc("/normalize/arrow", s.handleNormalizeArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Str("transport_fmt", srv.transportFmt).Msg("Starting LRN Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding normalized tensors to Longbow")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("lrn-server")

// statusFor maps normalization failures onto HTTP status codes.
func statusFor(err error) int {
	switch lrn.KindOf(err) {
	case lrn.KindInvalidConfiguration, lrn.KindInvalidShape:
		return http.StatusBadRequest
	case lrn.KindUnsupported:
		return http.StatusNotImplemented
	case lrn.KindResourceExhausted:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// admit blocks until weight elements may be processed. Requests larger than
// the whole budget run alone.
func (s *Server) admit(ctx context.Context, weight int64) (func(), error) {
	if weight > s.maxConcurrent {
		weight = s.maxConcurrent
	}
	if weight < 1 {
		weight = 1
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(weight) }, nil
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleNormalize")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("normalize").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reqs []normalize.Request
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&reqs); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(reqs) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	var elements int64
	for _, req := range reqs {
		elements += int64(len(req.Data))
	}
	span.SetAttributes(
		attribute.Int("tensor_count", len(reqs)),
		attribute.Int64("elements", elements),
	)

	// Admission Control
	release, err := s.admit(ctx, elements)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	ctx = s.withDataset(ctx, r.Header.Get(datasetHeader))
	outputs := make([]*device.Tensor, len(reqs))
	for res := range s.normalizer.NormalizeStream(ctx, reqs) {
		if res.Err != nil {
			span.RecordError(res.Err)
			log.Error().Err(res.Err).Int("index", res.Index).Msg("Normalization failed")
			http.Error(w, fmt.Sprintf("request %d: %v", res.Index, res.Err), statusFor(res.Err))
			return
		}
		outputs[res.Index] = res.Output
	}
	for i, out := range outputs {
		if out == nil {
			http.Error(w, fmt.Sprintf("request %d: not processed", i), statusFor(ctx.Err()))
			return
		}
	}
	tensorsProcessed.Add(float64(len(outputs)))

	if s.flightClient != nil {
		for _, out := range outputs {
			if err := s.forwardToLongbow(ctx, out); err != nil {
				log.Error().Err(err).Msg("Error forwarding tensor to Longbow")
			}
		}
	}

	resp := make([]Response, len(outputs))
	for i, out := range outputs {
		resp[i] = Response{Shape: out.Shape(), Layout: out.Layout().String()}
		if s.transportFmt == "fp16" {
			resp[i].DataF16 = device.EncodeFloat16(out.Data())
		} else {
			resp[i].Data = out.Data()
		}
	}

	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) withDataset(ctx context.Context, dataset string) context.Context {
	if dataset == "" {
		dataset = s.datasetName
	}
	return normalize.WithDatasetID(ctx, dataset)
}

func (s *Server) forwardToLongbow(ctx context.Context, t *device.Tensor) error {
	rb, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(t)
	if err != nil {
		return err
	}
	defer rb.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rb)
}

// paramsFromQuery reads layer parameters from URL query values on top of
// the defaults.
func paramsFromQuery(q url.Values) (lrn.Params, error) {
	p := lrn.DefaultParams()
	if v := q.Get("local_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("local_size: %w", err)
		}
		p.LocalSize = n
	}
	for key, dst := range map[string]*float32{"alpha": &p.Alpha, "beta": &p.Beta, "k": &p.K} {
		if v := q.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 32)
			if err != nil {
				return p, fmt.Errorf("%s: %w", key, err)
			}
			*dst = float32(f)
		}
	}
	if v := q.Get("norm_region"); v != "" {
		region, err := lrn.ParseNormRegion(v)
		if err != nil {
			return p, err
		}
		p.Region = region
	}
	if v := q.Get("phase"); v != "" {
		phase, err := lrn.ParsePhase(v)
		if err != nil {
			return p, err
		}
		p.Phase = phase
	}
	return p, nil
}

// handleNormalizeArrow normalizes every record of an Arrow IPC stream and
// streams the results back in the same format.
func (s *Server) handleNormalizeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleNormalizeArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("normalize_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params, err := paramsFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (params): %v", err), http.StatusBadRequest)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	ctx = s.withDataset(ctx, r.Header.Get(datasetHeader))
	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *ipc.Writer
	totalProcessed := 0

	fail := func(err error, status int) {
		span.RecordError(err)
		log.Error().Err(err).Int("processed", totalProcessed).Msg("Arrow normalize failed")
		if writer == nil {
			http.Error(w, err.Error(), status)
		}
	}

	for reader.Next() {
		in, err := client.TensorFromRecord(reader.Record())
		if err != nil {
			fail(err, http.StatusBadRequest)
			return
		}

		release, err := s.admit(ctx, int64(in.Shape().NumElements()))
		if err != nil {
			fail(err, http.StatusServiceUnavailable)
			return
		}
		out, err := s.normalizer.Normalize(ctx, normalize.Request{Params: params, Shape: in.Shape(), Data: in.Data()})
		release()
		if err != nil {
			fail(err, statusFor(err))
			return
		}
		tensorsProcessed.Inc()

		rb, err := builder.BuildRecordBatch(out)
		if err != nil {
			fail(err, http.StatusInternalServerError)
			return
		}
		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			w.WriteHeader(http.StatusOK)
			writer = ipc.NewWriter(w, ipc.WithSchema(rb.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rb)
		if err == nil && s.flightClient != nil {
			if ferr := s.flightClient.DoPut(ctx, s.datasetName, rb); ferr != nil {
				log.Error().Err(ferr).Msg("Error forwarding record to Longbow")
			}
		}
		rb.Release()
		if err != nil {
			fail(err, http.StatusInternalServerError)
			return
		}
		totalProcessed++
	}

	if err := reader.Err(); err != nil {
		fail(err, http.StatusBadRequest)
		return
	}
	if writer == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close arrow stream")
	}
	span.SetAttributes(attribute.Int("records", totalProcessed))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
