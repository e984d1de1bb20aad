package main

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-lrn/internal/client"
	"github.com/23skdu/longbow-lrn/internal/lrn"
	"github.com/23skdu/longbow-lrn/internal/normalize"
)

// LRNFlightServer normalizes tensors sent over Flight. The descriptor of a
// stream is a CBOR client.Command naming the parameters; DoPut acknowledges
// and optionally forwards the results, DoExchange streams them back.
type LRNFlightServer struct {
	flight.BaseFlightServer
	normalizer NormalizerInterface
	forward    FlightClientInterface
	alloc      memory.Allocator
}

func NewLRNFlightServer(n NormalizerInterface, forward FlightClientInterface) *LRNFlightServer {
	return &LRNFlightServer{
		normalizer: n,
		forward:    forward,
		alloc:      memory.NewGoAllocator(),
	}
}

// flightStatus maps normalization failures onto gRPC codes.
func flightStatus(err error) error {
	code := codes.Internal
	switch lrn.KindOf(err) {
	case lrn.KindInvalidConfiguration, lrn.KindInvalidShape:
		code = codes.InvalidArgument
	case lrn.KindUnsupported:
		code = codes.Unimplemented
	case lrn.KindResourceExhausted:
		code = codes.ResourceExhausted
	}
	return status.Error(code, err.Error())
}

// normalizeRecord runs one record through the normalizer and returns the
// result as a record the caller releases.
func (s *LRNFlightServer) normalizeRecord(ctx context.Context, params lrn.Params, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	in, err := client.TensorFromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lrn.ErrInvalidShape, err)
	}
	out, err := s.normalizer.Normalize(ctx, normalize.Request{Params: params, Shape: in.Shape(), Data: in.Data()})
	if err != nil {
		return nil, err
	}
	tensorsProcessed.Inc()
	return client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(out)
}

func (s *LRNFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	cmd, err := client.DecodeCommand(reader.LatestFlightDescriptor())
	if err != nil {
		return flightStatus(err)
	}
	ctx := normalize.WithDatasetID(stream.Context(), cmd.Dataset)

	var res client.PutResult
	for reader.Next() {
		rec := reader.Record()
		log.Info().Int64("rows", rec.NumRows()).Str("dataset", cmd.Dataset).Msg("DoPut received batch")

		out, err := s.normalizeRecord(ctx, cmd.Params, rec)
		if err != nil {
			return flightStatus(err)
		}
		res.Records++
		res.Elements += int(out.NumRows()) * rowWidth(out)
		if md := out.Schema().Metadata(); md.FindKey(client.LayoutKey) >= 0 {
			res.Layout = md.Values()[md.FindKey(client.LayoutKey)]
		}
		if s.forward != nil {
			if err := s.forward.DoPut(ctx, cmd.Dataset, out); err != nil {
				log.Error().Err(err).Msg("Error forwarding record to Longbow")
			}
		}
		out.Release()
	}
	if err := reader.Err(); err != nil {
		return err
	}

	meta, err := cbor.Marshal(res)
	if err != nil {
		return err
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

func (s *LRNFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	cmd, err := client.DecodeCommand(reader.LatestFlightDescriptor())
	if err != nil {
		return flightStatus(err)
	}
	ctx := normalize.WithDatasetID(stream.Context(), cmd.Dataset)

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()
	for reader.Next() {
		out, err := s.normalizeRecord(ctx, cmd.Params, reader.Record())
		if err != nil {
			return flightStatus(err)
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func rowWidth(rec arrow.RecordBatch) int {
	if rec.NumCols() == 0 {
		return 0
	}
	if fsl, ok := rec.Column(0).DataType().(*arrow.FixedSizeListType); ok {
		return int(fsl.Len())
	}
	return 0
}

func StartFlightServer(addr string, n NormalizerInterface, forward FlightClientInterface) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewFlightServer()

	// Register our custom service implementation
	server.RegisterFlightService(NewLRNFlightServer(n, forward))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting LRN Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
