package device

import (
	"encoding/binary"
	"math"
)

// Float32ToFloat16 converts a float32 to IEEE 754 binary16.
// Values beyond the fp16 range saturate to the largest finite value instead of
// becoming Inf, and values below the smallest normal flush to signed zero.
func Float32ToFloat16(f float32) uint16 {
	switch {
	case math.IsNaN(float64(f)):
		return 0x7E00
	case math.IsInf(float64(f), 1):
		return 0x7C00
	case math.IsInf(float64(f), -1):
		return 0xFC00
	}

	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits>>23)&0xFF) - 127 + 15
	frac := uint16((bits >> 13) & 0x3FF)

	if exp >= 0x1F {
		return sign | 0x7BFF
	}
	if exp <= 0 {
		return sign
	}
	return sign | uint16(exp)<<10 | frac
}

// Float16ToFloat32 converts binary16 back to float32. Subnormals decode as zero.
func Float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h) & 0x3FF

	switch exp {
	case 0:
		return math.Float32frombits(sign << 31)
	case 0x1F:
		return math.Float32frombits(sign<<31 | 0xFF<<23 | frac<<13)
	}
	return math.Float32frombits(sign<<31 | (exp-15+127)<<23 | frac<<13)
}

// EncodeFloat16 packs src as little-endian binary16.
func EncodeFloat16(src []float32) []byte {
	out := make([]byte, 2*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint16(out[2*i:], Float32ToFloat16(v))
	}
	return out
}

// DecodeFloat16 unpacks little-endian binary16 produced by EncodeFloat16.
func DecodeFloat16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = Float16ToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}
