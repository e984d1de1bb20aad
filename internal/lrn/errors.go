package lrn

import (
	"errors"
	"fmt"
)

// Every error returned by this package wraps exactly one of these.
var (
	// ErrInvalidConfiguration marks bad or contradictory parameters.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInvalidShape marks inputs that are not 4-axis.
	ErrInvalidShape = errors.New("invalid shape")
	// ErrUnsupported marks deliberately unimplemented paths: within-channel
	// normalization, precisions other than f32, backward, GPU engines.
	ErrUnsupported = errors.New("unsupported")
	// ErrResourceExhausted marks engine allocation failures.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Kind classifies an error for transports.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidConfiguration
	KindInvalidShape
	KindUnsupported
	KindResourceExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInvalidConfiguration:
		return "InvalidConfiguration"
	case KindInvalidShape:
		return "InvalidShape"
	case KindUnsupported:
		return "Unsupported"
	case KindResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidConfiguration):
		return KindInvalidConfiguration
	case errors.Is(err, ErrInvalidShape):
		return KindInvalidShape
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	default:
		return KindUnknown
	}
}

func (l *Layer) errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("lrn %s: %s: %w", l.name, fmt.Sprintf(format, args...), kind)
}
