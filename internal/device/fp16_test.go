package device

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFloat16_KnownValues(t *testing.T) {
	tests := []struct {
		in   float32
		want uint16
	}{
		{1.0, 0x3c00},
		{-2.0, 0xc000},
		{0, 0x0000},
		{70000, 0x7bff}, // saturates
		{1e-8, 0x0000},  // flushes
		{float32(math.Inf(1)), 0x7c00},
	}
	for _, tt := range tests {
		if got := Float32ToFloat16(tt.in); got != tt.want {
			t.Errorf("Float32ToFloat16(%g) = 0x%x, want 0x%x", tt.in, got, tt.want)
		}
	}
	if !math.IsNaN(float64(Float16ToFloat32(Float32ToFloat16(float32(math.NaN()))))) {
		t.Error("NaN did not survive the round trip")
	}
}

func TestEncodeDecodeFloat16(t *testing.T) {
	data := []float32{1.0, -2.0, 0.5, 0.33325195}
	b := EncodeFloat16(data)
	if len(b) != 8 {
		t.Fatalf("Expected 8 bytes, got %d", len(b))
	}
	if v := binary.LittleEndian.Uint16(b[0:2]); v != 0x3c00 {
		t.Errorf("Expected 0x3c00 for 1.0, got 0x%x", v)
	}

	back := DecodeFloat16(b)
	for i, v := range data {
		if math.Abs(float64(back[i]-v)) > 1e-3 {
			t.Errorf("round trip %d: got %f, want %f", i, back[i], v)
		}
	}
}
