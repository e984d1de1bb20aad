package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-lrn/internal/device"
)

const (
	// TensorColumn holds one sample per row, its c*h*w values in nchw order.
	TensorColumn = "tensor"
	// ShapeKey is the schema metadata key carrying the full tensor shape.
	ShapeKey = "lrn.shape"
	// LayoutKey is the schema metadata key carrying the producer layout tag.
	LayoutKey = "lrn.layout"
)

// RecordBatchBuilder creates Arrow RecordBatches from tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts a 4-axis tensor into a RecordBatch with one row
// per sample. Values are always written in nchw order; the layout the tensor
// carried is recorded in the schema metadata for diagnostics.
func (b *RecordBatchBuilder) BuildRecordBatch(t *device.Tensor) (arrow.RecordBatch, error) {
	if t == nil {
		return nil, fmt.Errorf("BuildRecordBatch: nil tensor")
	}
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("record batches hold 4-axis tensors, got %s", shape)
	}

	numRows := shape.N()
	width := shape.C() * shape.H() * shape.W()
	fslType := arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float32)

	md := arrow.NewMetadata(
		[]string{ShapeKey, LayoutKey},
		[]string{shapeString(shape), t.Layout().String()},
	)
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: TensorColumn, Type: fslType},
		},
		&md,
	)

	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(width), arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()

	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	valueBuilder.Reserve(shape.NumElements())

	data := t.Data()
	for n := 0; n < numRows; n++ {
		listBuilder.Append(true)
		valueBuilder.AppendValues(data[n*width:(n+1)*width], nil)
	}

	cols := []arrow.Array{listBuilder.NewArray()}
	defer cols[0].Release()

	return array.NewRecordBatch(schema, cols, int64(numRows)), nil
}

// TensorFromRecord rebuilds the tensor a RecordBatch carries. The shape comes
// from the schema metadata; without it each row is taken as a (c,1,1) sample.
// Both list and fixed size list columns are accepted.
func TensorFromRecord(rec arrow.RecordBatch) (*device.Tensor, error) {
	indices := rec.Schema().FieldIndices(TensorColumn)
	if len(indices) == 0 {
		return nil, fmt.Errorf("record has no %q column", TensorColumn)
	}
	col, ok := rec.Column(indices[0]).(array.ListLike)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, not a list", TensorColumn, rec.Column(indices[0]).DataType())
	}
	values, ok := col.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("column %q holds %s, not float32", TensorColumn, col.ListValues().DataType())
	}

	rows := int(rec.NumRows())
	var shape device.Shape
	if md := rec.Schema().Metadata(); md.FindKey(ShapeKey) >= 0 {
		s, err := device.ParseShape(md.Values()[md.FindKey(ShapeKey)])
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", ShapeKey, err)
		}
		shape = s
	}

	raw := values.Float32Values()
	data := make([]float32, 0, shape.NumElements())
	width := -1
	for i := 0; i < rows; i++ {
		if col.IsNull(i) {
			return nil, fmt.Errorf("row %d is null", i)
		}
		start, end := col.ValueOffsets(i)
		if width >= 0 && int(end-start) != width {
			return nil, fmt.Errorf("row %d holds %d values, previous rows %d", i, end-start, width)
		}
		width = int(end - start)
		data = append(data, raw[start:end]...)
	}

	if shape == nil {
		shape = device.Shape{rows, max(width, 0), 1, 1}
	}
	if len(shape) != 4 || shape.N() != rows {
		return nil, fmt.Errorf("shape %s does not match %d rows", shape, rows)
	}
	return device.NewTensor(shape, data)
}

func shapeString(s device.Shape) string {
	str := s.String()
	return str[1 : len(str)-1]
}
