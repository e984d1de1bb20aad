package lrn

import (
	"fmt"

	"github.com/23skdu/longbow-lrn/internal/device"
)

// OutputShape derives the output shape for an input shape.
// The input must have 4 axes (num, channels, height, width). Across-channel
// normalization preserves the shape.
func OutputShape(p Params, in device.Shape) (device.Shape, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("input must have 4 axes (num, channels, height, width), got %d %s: %w", len(in), in, ErrInvalidShape)
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidShape, err)
	}
	switch p.Region {
	case AcrossChannels:
		return in.Clone(), nil
	case WithinChannel:
		return nil, fmt.Errorf("norm_region %s: %w", p.Region, ErrUnsupported)
	default:
		return nil, fmt.Errorf("unknown normalization region %s: %w", p.Region, ErrInvalidConfiguration)
	}
}
