package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Shape is a 4-axis tensor shape ordered (num, channels, height, width).
type Shape []int

// N returns the batch axis.
func (s Shape) N() int { return s[0] }

// C returns the channel axis.
func (s Shape) C() int { return s[1] }

// H returns the height axis.
func (s Shape) H() int { return s[2] }

// W returns the width axis.
func (s Shape) W() int { return s[3] }

// NumElements returns the total number of elements in the shape.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// maxElements bounds a tensor so its byte size and the padded blocked
// layouts stay within int range.
const maxElements = math.MaxInt / 64

// Validate checks that every dimension is positive and the element count
// does not overflow.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("empty shape")
	}
	n := 1
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("dimension %d of shape %s is not positive", i, s)
		}
		if n > maxElements/d {
			return fmt.Errorf("shape %s exceeds %d elements", s, maxElements)
		}
		n *= d
	}
	return nil
}

// Equal checks if two shapes are identical.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// ParseShape parses a comma separated shape such as "2,8,4,4". Parentheses
// as produced by String are accepted.
func ParseShape(s string) (Shape, error) {
	s = strings.Trim(strings.TrimSpace(s), "()")
	if s == "" {
		return nil, fmt.Errorf("empty shape")
	}
	fields := strings.Split(s, ",")
	shape := make(Shape, len(fields))
	for i, f := range fields {
		d, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", f, s)
		}
		shape[i] = d
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return shape, nil
}

// Format is the physical arrangement of a 4-axis tensor in memory.
type Format int

const (
	// FormatNCHW is the natural row-major layout.
	FormatNCHW Format = iota
	// FormatNHWC stores channels innermost.
	FormatNHWC
	// FormatNChw8c splits channels into blocks of 8 stored innermost.
	// The channel axis is zero padded up to a multiple of the block.
	FormatNChw8c
)

const channelBlock = 8

func (f Format) String() string {
	switch f {
	case FormatNCHW:
		return "nchw"
	case FormatNHWC:
		return "nhwc"
	case FormatNChw8c:
		return "nChw8c"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat parses the String form of a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "nchw":
		return FormatNCHW, nil
	case "nhwc":
		return FormatNHWC, nil
	case "nchw8c":
		return FormatNChw8c, nil
	default:
		return 0, fmt.Errorf("unknown memory format %q", s)
	}
}

// MemoryDesc describes the physical organization of a tensor buffer.
type MemoryDesc struct {
	Shape  Shape
	DType  DType
	Format Format
}

// NaturalDesc returns the default NCHW descriptor for shape.
func NaturalDesc(shape Shape, dtype DType) MemoryDesc {
	return MemoryDesc{Shape: shape.Clone(), DType: dtype, Format: FormatNCHW}
}

// Equal reports whether both descriptors address memory identically.
func (d MemoryDesc) Equal(o MemoryDesc) bool {
	return d.Format == o.Format && d.DType == o.DType && d.Shape.Equal(o.Shape)
}

// Elements returns the number of elements the buffer must hold, padding included.
func (d MemoryDesc) Elements() int {
	if d.Format == FormatNChw8c && len(d.Shape) == 4 {
		return d.Shape.N() * paddedChannels(d.Shape.C()) * d.Shape.H() * d.Shape.W()
	}
	return d.Shape.NumElements()
}

// Bytes returns the buffer size in bytes.
func (d MemoryDesc) Bytes() int64 {
	return int64(d.Elements()) * int64(d.DType.Size())
}

func (d MemoryDesc) String() string {
	return fmt.Sprintf("%s%s:%s", d.Format, d.Shape, d.DType)
}

// Offset returns the buffer index of logical element (n, c, h, w).
func (d MemoryDesc) Offset(n, c, h, w int) int {
	s := d.Shape
	switch d.Format {
	case FormatNHWC:
		return ((n*s.H()+h)*s.W()+w)*s.C() + c
	case FormatNChw8c:
		cb := paddedChannels(s.C()) / channelBlock
		return (((n*cb+c/channelBlock)*s.H()+h)*s.W()+w)*channelBlock + c%channelBlock
	default:
		return ((n*s.C()+c)*s.H()+h)*s.W() + w
	}
}

// ChannelStride returns the distance between consecutive channels at a fixed
// position, or 0 when it is not constant.
func (d MemoryDesc) ChannelStride() int {
	switch d.Format {
	case FormatNCHW:
		return d.Shape.H() * d.Shape.W()
	case FormatNHWC:
		return 1
	default:
		return 0
	}
}

func paddedChannels(c int) int {
	return (c + channelBlock - 1) / channelBlock * channelBlock
}

// Memory is a buffer bound to a descriptor.
type Memory struct {
	Desc MemoryDesc
	Data []float32
}

// LayoutKind distinguishes a tensor's natural layout from a producer-chosen one.
type LayoutKind int

const (
	LayoutDefault LayoutKind = iota
	LayoutInternal
)

// Layout is the layout tag carried by every Tensor.
// A Default layout means the natural NCHW buffer is authoritative. An Internal
// layout carries the descriptor chosen by whichever layer produced the tensor.
type Layout struct {
	kind LayoutKind
	desc MemoryDesc
}

// DefaultLayout returns the Default variant.
func DefaultLayout() Layout { return Layout{kind: LayoutDefault} }

// InternalLayout returns the Internal variant for desc.
func InternalLayout(desc MemoryDesc) Layout {
	desc.Shape = desc.Shape.Clone()
	return Layout{kind: LayoutInternal, desc: desc}
}

// Kind returns the variant.
func (l Layout) Kind() LayoutKind { return l.kind }

// Internal returns the producer descriptor and true for the Internal variant.
func (l Layout) Internal() (MemoryDesc, bool) {
	if l.kind != LayoutInternal {
		return MemoryDesc{}, false
	}
	return l.desc, true
}

// Equal compares two layout tags.
func (l Layout) Equal(o Layout) bool {
	if l.kind != o.kind {
		return false
	}
	return l.kind == LayoutDefault || l.desc.Equal(o.desc)
}

func (l Layout) String() string {
	if d, ok := l.Internal(); ok {
		return "internal:" + d.String()
	}
	return "default"
}

// Reorder copies src into dst converting between formats.
// Both descriptors must describe the same logical shape.
func Reorder(dst, src *Memory) error {
	if !dst.Desc.Shape.Equal(src.Desc.Shape) {
		return fmt.Errorf("reorder: shape mismatch %s vs %s", dst.Desc.Shape, src.Desc.Shape)
	}
	if len(dst.Data) < dst.Desc.Elements() || len(src.Data) < src.Desc.Elements() {
		return fmt.Errorf("reorder: buffer smaller than descriptor (%s <- %s)", dst.Desc, src.Desc)
	}
	if dst.Desc.Format == src.Desc.Format {
		copy(dst.Data, src.Data[:src.Desc.Elements()])
		return nil
	}
	s := src.Desc.Shape
	if dst.Desc.Format == FormatNChw8c {
		// padding lanes must read as zero
		clear(dst.Data[:dst.Desc.Elements()])
	}
	for n := 0; n < s.N(); n++ {
		for c := 0; c < s.C(); c++ {
			for h := 0; h < s.H(); h++ {
				for w := 0; w < s.W(); w++ {
					dst.Data[dst.Desc.Offset(n, c, h, w)] = src.Data[src.Desc.Offset(n, c, h, w)]
				}
			}
		}
	}
	return nil
}
