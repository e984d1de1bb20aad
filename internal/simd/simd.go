package simd

import "math"

// SumSquares returns the sum of x[i]^2.
func SumSquares(x []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(x)-4; i += 4 {
		sum += x[i] * x[i]
		sum += x[i+1] * x[i+1]
		sum += x[i+2] * x[i+2]
		sum += x[i+3] * x[i+3]
	}
	for ; i < len(x); i++ {
		sum += x[i] * x[i]
	}
	return sum
}

// VecMul performs dst *= src element-wise.
func VecMul(dst, src []float32) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// AffineInPlace performs dst = bias + scale*dst.
func AffineInPlace(dst []float32, bias, scale float32) {
	for i, v := range dst {
		dst[i] = bias + scale*v
	}
}

// PowNeg performs dst = dst^(-beta) in-place.
// beta of 0.5 and 0.75 (the usual LRN exponents) avoid math.Pow.
func PowNeg(dst []float32, beta float32) {
	switch beta {
	case 0:
		for i := range dst {
			dst[i] = 1
		}
	case 0.5:
		for i, v := range dst {
			dst[i] = float32(1 / math.Sqrt(float64(v)))
		}
	case 0.75:
		for i, v := range dst {
			s := math.Sqrt(float64(v))
			dst[i] = float32(1 / (s * math.Sqrt(s)))
		}
	case 1:
		for i, v := range dst {
			dst[i] = 1 / v
		}
	default:
		b := -float64(beta)
		for i, v := range dst {
			dst[i] = float32(math.Pow(float64(v), b))
		}
	}
}
