package gamemath

import "math"

// MaxQuantized bounds the magnitude of a quantized value. The range is
// symmetric so negation never overflows.
const MaxQuantized = math.MaxInt32

// Quantize maps v to the nearest multiple of step, clamped to
// [-MaxQuantized, MaxQuantized]. NaN maps to zero.
func Quantize(v, step float64) int32 {
	q := math.Round(v / step)
	switch {
	case math.IsNaN(q):
		return 0
	case q > MaxQuantized:
		return MaxQuantized
	case q < -MaxQuantized:
		return -MaxQuantized
	}
	return int32(q)
}

// Dequantize is the inverse of Quantize.
func Dequantize(q int32, step float64) float64 {
	return float64(q) * step
}

// Snap rounds v onto the quantization grid so it survives an encode/decode
// round trip unchanged.
func Snap(v, step float64) float64 {
	return Dequantize(Quantize(v, step), step)
}
