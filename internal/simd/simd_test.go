package simd

import (
	"math"
	"testing"
)

func TestSumSquares(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5}
	// 1 + 4 + 9 + 16 + 25 = 55
	if got := SumSquares(x); got != 55 {
		t.Errorf("SumSquares = %f, want 55", got)
	}
	if got := SumSquares(nil); got != 0 {
		t.Errorf("SumSquares(nil) = %f, want 0", got)
	}
}

func TestVecMul(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{10, 40, 90, 160, 250}

	VecMul(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecMul(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestAffineInPlace(t *testing.T) {
	dst := []float32{0, 3, 6}
	AffineInPlace(dst, 1, 1.0/3)
	expected := []float32{1, 2, 3}
	for i, v := range dst {
		if math.Abs(float64(v-expected[i])) > 1e-6 {
			t.Errorf("AffineInPlace(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestPowNeg(t *testing.T) {
	inputs := []float32{0.5, 1, 2, 5.6666665, 100}
	for _, beta := range []float32{0, 0.5, 0.75, 1, 0.3, 2} {
		dst := make([]float32, len(inputs))
		copy(dst, inputs)
		PowNeg(dst, beta)
		for i, x := range inputs {
			want := math.Pow(float64(x), -float64(beta))
			if math.Abs(float64(dst[i])-want) > 1e-5*math.Max(1, want) {
				t.Errorf("PowNeg(%f, beta=%f) = %f, want %f", x, beta, dst[i], want)
			}
		}
	}
}

// Benchmarks

func BenchmarkSumSquares(b *testing.B) {
	v := make([]float32, 128)
	for i := range v {
		v[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SumSquares(v)
	}
}

func BenchmarkPowNegFast(b *testing.B) {
	v := make([]float32, 128)
	for i := 0; i < b.N; i++ {
		for j := range v {
			v[j] = 2
		}
		PowNeg(v, 0.75)
	}
}

func BenchmarkPowNegStd(b *testing.B) {
	v := make([]float32, 128)
	for i := 0; i < b.N; i++ {
		for j := range v {
			v[j] = 2
		}
		PowNeg(v, 0.3)
	}
}
