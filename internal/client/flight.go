package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-lrn/internal/lrn"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("flight: circuit open")

// Command is the CBOR body of a CMD flight descriptor addressed to an LRN
// server.
type Command struct {
	Dataset string     `cbor:"dataset"`
	Params  lrn.Params `cbor:"params"`
}

// Descriptor encodes c as a CMD descriptor.
func (c Command) Descriptor() (*flight.FlightDescriptor, error) {
	body, err := cbor.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: body}, nil
}

// DecodeCommand reads the command a descriptor carries. PATH descriptors
// name the dataset and use default parameters.
func DecodeCommand(desc *flight.FlightDescriptor) (Command, error) {
	cmd := Command{Params: lrn.DefaultParams()}
	if desc == nil {
		return cmd, nil
	}
	switch desc.Type {
	case flight.DescriptorCMD:
		if err := cbor.Unmarshal(desc.Cmd, &cmd); err != nil {
			return Command{}, fmt.Errorf("decode flight command: %w: %w", lrn.ErrInvalidConfiguration, err)
		}
	case flight.DescriptorPATH:
		if len(desc.Path) > 0 {
			cmd.Dataset = desc.Path[0]
		}
	}
	return cmd, nil
}

// PutResult is the CBOR app metadata an LRN server acknowledges a put with.
type PutResult struct {
	Records  int    `cbor:"records"`
	Elements int    `cbor:"elements"`
	Layout   string `cbor:"layout,omitempty"`
}

// FlightClient handles communication with Flight servers: a Longbow store
// receiving normalized tensors, or an LRN server normalizing them.
// Calls are guarded by a circuit breaker.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

func (c *FlightClient) guard(op func() error) error {
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := op(); err != nil {
		c.breaker.Failure()
		if c.breaker.State() == StateOpen {
			log.Warn().Err(err).Msg("Flight circuit opened")
		}
		return err
	}
	c.breaker.Success()
	return nil
}

// DoPut sends a RecordBatch to the given dataset on the server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}
	_, err := c.put(ctx, desc, record)
	return err
}

// PutNormalize sends record to an LRN server, which normalizes it with the
// command's parameters, and returns the server acknowledgement.
func (c *FlightClient) PutNormalize(ctx context.Context, cmd Command, record arrow.RecordBatch) (PutResult, error) {
	desc, err := cmd.Descriptor()
	if err != nil {
		return PutResult{}, err
	}
	meta, err := c.put(ctx, desc, record)
	if err != nil {
		return PutResult{}, err
	}
	var res PutResult
	if len(meta) > 0 {
		if err := cbor.Unmarshal(meta, &res); err != nil {
			return PutResult{}, fmt.Errorf("decode put result: %w", err)
		}
	}
	return res, nil
}

func (c *FlightClient) put(ctx context.Context, desc *flight.FlightDescriptor, record arrow.RecordBatch) ([]byte, error) {
	var meta []byte
	err := c.guard(func() error {
		stream, err := c.client.DoPut(ctx)
		if err != nil {
			return err
		}

		if err := sendRecord(stream, desc, record); err != nil {
			return err
		}

		// drain acknowledgements; the last one wins
		for {
			res, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			meta = res.GetAppMetadata()
		}
	})
	return meta, err
}

// Exchange sends record to an LRN server and returns the normalized records
// it streams back. The caller releases them.
func (c *FlightClient) Exchange(ctx context.Context, cmd Command, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	desc, err := cmd.Descriptor()
	if err != nil {
		return nil, err
	}

	var out []arrow.RecordBatch
	err = c.guard(func() error {
		stream, err := c.client.DoExchange(ctx)
		if err != nil {
			return err
		}

		if err := sendRecord(stream, desc, record); err != nil {
			return err
		}

		reader, err := flight.NewRecordReader(stream)
		if err != nil {
			return err
		}
		defer reader.Release()
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			out = append(out, rec)
		}
		return reader.Err()
	})
	if err != nil {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}

// sendRecord writes record after desc and half-closes the stream. A server
// that ends the call early surfaces as io.EOF here; the real status is left
// for the caller's Recv.
func sendRecord(stream interface {
	Send(*flight.FlightData) error
	CloseSend() error
}, desc *flight.FlightDescriptor, record arrow.RecordBatch) error {
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := writer.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return stream.CloseSend()
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
