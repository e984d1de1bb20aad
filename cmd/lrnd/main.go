package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-lrn/internal/client"
	"github.com/23skdu/longbow-lrn/internal/device"
	"github.com/23skdu/longbow-lrn/internal/lrn"
	"github.com/23skdu/longbow-lrn/internal/normalize"
	"github.com/23skdu/longbow-lrn/internal/tensorio"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "lrn_dataset", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int64("max-concurrent", 1<<26, "Maximum number of tensor elements normalized concurrently")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	workers       = flag.Int("workers", 0, "Goroutines per LRN primitive (0 = NumCPU)")
	flagMaxMemory = flag.String("max-memory", "0", "Maximum engine memory for plans and conversions (e.g. 4GB, 512MB, 0 = unlimited)")

	flagTransportFmt = flag.String("transport-fmt", "fp32", "Transport format for HTTP responses: 'fp32' (default) or 'fp16'")

	inputPath  = flag.String("input", "", "Raw little-endian tensor file to normalize (one-shot mode)")
	outputPath = flag.String("output", "", "Write the normalized tensor as a raw file instead of Arrow IPC to stdout")
	filePrec   = flag.String("file-precision", "fp32", "Precision of -input and -output files: 'fp32' or 'fp16'")
	shapeFlag  = flag.String("shape", "1,16,13,13", "Tensor shape num,channels,height,width (one-shot mode)")
	formatFlag = flag.String("format", "nchw", "Memory format the input is handed over in: nchw, nhwc, nChw8c")

	localSize = flag.Int("local-size", 5, "LRN channel window (odd)")
	alpha     = flag.Float64("alpha", 1, "LRN alpha")
	beta      = flag.Float64("beta", 0.75, "LRN beta")
	k         = flag.Float64("k", 1, "LRN k (accepted, the engine always uses 1)")
	region    = flag.String("region", "ACROSS_CHANNELS", "Normalization region: ACROSS_CHANNELS or WITHIN_CHANNEL")
	phase     = flag.String("phase", "INFERENCE", "Execution phase: INFERENCE or TRAINING")
)

func parseBytes(s string) int64 {
	// Simple parser without external deps
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch strings.ToUpper(unit) {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func parsePrecision(s string) (device.DType, error) {
	switch strings.ToLower(s) {
	case "fp32", "f32", "":
		return device.Float32, nil
	case "fp16", "f16":
		return device.Float16, nil
	default:
		return 0, fmt.Errorf("unknown precision %q", s)
	}
}

func paramsFromFlags() (lrn.Params, error) {
	p := lrn.Params{
		LocalSize: *localSize,
		Alpha:     float32(*alpha),
		Beta:      float32(*beta),
		K:         float32(*k),
	}
	var err error
	if p.Region, err = lrn.ParseNormRegion(*region); err != nil {
		return p, err
	}
	if p.Phase, err = lrn.ParsePhase(*phase); err != nil {
		return p, err
	}
	return p, nil
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	maxMemory := parseBytes(*flagMaxMemory)
	engine := device.NewCPUEngineWithConfig(device.CPUConfig{Workers: *workers, MaxBytes: maxMemory})
	log.Info().Int("workers", engine.Workers()).Str("max_memory", *flagMaxMemory).Int64("bytes", maxMemory).Msg("Engine initialized")

	normalizer := normalize.NewNormalizer(engine)
	defer normalizer.Close()

	var fcInterface FlightClientInterface
	if *serverAddr != "" && (*listenAddr != "" || *flightAddr != "") {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		fcInterface = fc
	}

	// Server Mode
	if *listenAddr != "" {
		srv := NewServer(normalizer, fcInterface, *datasetName, *maxConcurrent, *flagTransportFmt)
		if *flightAddr == "" {
			startServer(*listenAddr, srv)
			return
		}
		go startServer(*listenAddr, srv)
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, normalizer, fcInterface)
		return
	}

	if err := runOnce(normalizer); err != nil {
		log.Fatal().Err(err).Msg("Normalization failed")
	}
}

// runOnce normalizes -input (or a generated tensor) and writes the result.
func runOnce(normalizer *normalize.Normalizer) error {
	params, err := paramsFromFlags()
	if err != nil {
		return err
	}
	shape, err := device.ParseShape(*shapeFlag)
	if err != nil {
		return err
	}
	format, err := device.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}
	prec, err := parsePrecision(*filePrec)
	if err != nil {
		return err
	}

	var input *device.Tensor
	if *inputPath != "" {
		if input, err = tensorio.Load(*inputPath, shape, prec); err != nil {
			return err
		}
	} else {
		if input, err = generateRamp(shape); err != nil {
			return err
		}
	}
	req, err := requestFor(params, input, format)
	if err != nil {
		return err
	}

	ctx := normalize.WithDatasetID(context.Background(), *datasetName)

	if *duration > 0 {
		return soak(ctx, normalizer, req, *duration)
	}

	start := time.Now()
	out, err := normalizer.Normalize(ctx, req)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info().
		Str("shape", out.Shape().String()).
		Str("layout", out.Layout().String()).
		Dur("elapsed", elapsed).
		Msg("Normalized tensor")

	if *outputPath != "" {
		return tensorio.Save(*outputPath, out, prec)
	}

	pool := memory.NewGoAllocator()
	rec, err := client.NewRecordBatchBuilder(pool).BuildRecordBatch(out)
	if err != nil {
		return err
	}
	defer rec.Release()

	// If server is provided, send via Flight
	if *serverAddr != "" {
		log.Info().Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending tensor to Longbow")
		flightClient, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return fmt.Errorf("connect to Longbow: %w", err)
		}
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		if err := flightClient.DoPut(ctx, *datasetName, rec); err != nil {
			return fmt.Errorf("flight DoPut: %w", err)
		}
		log.Info().Msg("Successfully sent tensor to Longbow")
		return nil
	}

	// Example: write to Arrow IPC to stdout
	return writeArrowStream(os.Stdout, rec)
}

// requestFor builds a request handing t over in format, as an upstream
// producer with that layout would.
func requestFor(params lrn.Params, t *device.Tensor, format device.Format) (normalize.Request, error) {
	req := normalize.Request{Params: params, Shape: t.Shape(), Format: format.String()}
	if format == device.FormatNCHW {
		req.Data = t.Data()
		return req, nil
	}
	desc := device.MemoryDesc{Shape: t.Shape(), DType: device.Float32, Format: format}
	mem := &device.Memory{Desc: desc, Data: make([]float32, desc.Elements())}
	if err := device.Reorder(mem, t.Memory()); err != nil {
		return req, err
	}
	req.Data = mem.Data
	return req, nil
}

func soak(ctx context.Context, normalizer *normalize.Normalizer, req normalize.Request, d time.Duration) error {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalElements int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := normalizer.Normalize(ctx, req); err != nil {
			return err
		}
		totalElements += int64(len(req.Data))
		iter++

		if iter%100 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_elements", totalElements).
				Float64("elements_per_sec", float64(totalElements)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int("iterations", iter).
		Int64("total_elements", totalElements).
		Dur("total_time", totalElapsed).
		Float64("avg_elements_per_sec", float64(totalElements)/totalElapsed.Seconds()).
		Msg("Soak test complete")
	return nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// generateRamp builds a deterministic demo tensor.
func generateRamp(shape device.Shape) (*device.Tensor, error) {
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(i%17)/4 - 2
	}
	return device.NewTensor(shape, data)
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("lrnd"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
