package lrn

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// NormRegion selects the neighbourhood the normalization reduces over.
type NormRegion int

const (
	AcrossChannels NormRegion = iota
	WithinChannel
)

func (r NormRegion) String() string {
	switch r {
	case AcrossChannels:
		return "ACROSS_CHANNELS"
	case WithinChannel:
		return "WITHIN_CHANNEL"
	default:
		return fmt.Sprintf("NormRegion(%d)", int(r))
	}
}

// ParseNormRegion parses ACROSS_CHANNELS or WITHIN_CHANNEL (case-insensitive).
func ParseNormRegion(s string) (NormRegion, error) {
	switch strings.ToUpper(s) {
	case "ACROSS_CHANNELS":
		return AcrossChannels, nil
	case "WITHIN_CHANNEL":
		return WithinChannel, nil
	default:
		return 0, fmt.Errorf("unknown norm_region %q: %w", s, ErrInvalidConfiguration)
	}
}

func (r NormRegion) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(r.String())
}

func (r *NormRegion) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		var n int
		if err := cbor.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("norm_region: %w", err)
		}
		*r = NormRegion(n)
		return nil
	}
	v, err := ParseNormRegion(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Phase is the execution phase inherited from the surrounding pipeline.
type Phase int

const (
	PhaseInference Phase = iota
	PhaseTraining
)

func (p Phase) String() string {
	switch p {
	case PhaseInference:
		return "INFERENCE"
	case PhaseTraining:
		return "TRAINING"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ParsePhase parses TRAINING or INFERENCE (TRAIN and TEST are accepted too).
func ParsePhase(s string) (Phase, error) {
	switch strings.ToUpper(s) {
	case "INFERENCE", "TEST":
		return PhaseInference, nil
	case "TRAINING", "TRAIN":
		return PhaseTraining, nil
	default:
		return 0, fmt.Errorf("unknown phase %q: %w", s, ErrInvalidConfiguration)
	}
}

func (p Phase) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(p.String())
}

func (p *Phase) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("phase: %w", err)
	}
	v, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Params configures an LRN layer.
type Params struct {
	// LocalSize is the channel window width. Must be odd and positive.
	LocalSize int     `cbor:"local_size"`
	Alpha     float32 `cbor:"alpha"`
	Beta      float32 `cbor:"beta"`
	// K is accepted for compatibility with existing configurations. The engine
	// applies a fixed bias of 1 and K is never used.
	K      float32    `cbor:"k"`
	Region NormRegion `cbor:"norm_region"`
	Phase  Phase      `cbor:"phase"`
}

// DefaultParams returns the conventional AlexNet-style defaults.
func DefaultParams() Params {
	return Params{
		LocalSize: 5,
		Alpha:     1,
		Beta:      0.75,
		K:         1,
		Region:    AcrossChannels,
		Phase:     PhaseInference,
	}
}

// DecodeParams decodes CBOR params on top of DefaultParams.
func DecodeParams(data []byte) (Params, error) {
	p := DefaultParams()
	if err := cbor.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("decode lrn params: %w: %w", ErrInvalidConfiguration, err)
	}
	return p, nil
}

// Key identifies the parameter set, for caching one layer per configuration.
func (p Params) Key() string {
	return fmt.Sprintf("size=%d,alpha=%g,beta=%g,k=%g,region=%s,phase=%s",
		p.LocalSize, p.Alpha, p.Beta, p.K, p.Region, p.Phase)
}
