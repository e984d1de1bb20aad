// Package tensorio reads and writes raw tensor files: a headerless sequence of
// little-endian values in nchw order. The shape is supplied by the caller.
package tensorio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-lrn/internal/device"
)

// Read loads a tensor of the given shape from r.
// dtype selects the on-disk precision, Float32 or Float16.
func Read(r io.Reader, shape device.Shape, dtype device.DType) (*device.Tensor, error) {
	size := shape.NumElements()
	var data []float32
	switch dtype {
	case device.Float32:
		data = make([]float32, size)
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("read %d float32 values: %w", size, err)
		}
	case device.Float16:
		buf := make([]byte, size*2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read %d float16 values: %w", size, err)
		}
		data = device.DecodeFloat16(buf)
	default:
		return nil, fmt.Errorf("unsupported file precision %s", dtype)
	}

	// trailing data means the shape is wrong
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("file holds more than %d values for shape %s", size, shape)
	}
	return device.NewTensor(shape, data)
}

// Write stores t in nchw order, whatever its layout.
func Write(w io.Writer, t *device.Tensor, dtype device.DType) error {
	data := t.Data()
	switch dtype {
	case device.Float32:
		return binary.Write(w, binary.LittleEndian, data)
	case device.Float16:
		_, err := w.Write(device.EncodeFloat16(data))
		return err
	default:
		return fmt.Errorf("unsupported file precision %s", dtype)
	}
}

// Load reads a tensor file from path.
func Load(path string, shape device.Shape, dtype device.DType) (*device.Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := Read(bufio.NewReader(file), shape, dtype)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return t, nil
}

// Save writes t to path, replacing any existing file.
func Save(path string, t *device.Tensor, dtype device.DType) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := Write(w, t, dtype); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
