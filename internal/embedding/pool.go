package embedding

import "math"

const (
	maskEpsilon = 1e-9
	normEpsilon = 1e-12
)

// MeanPool averages hidden states over the sequence axis, weighting each
// position by its attention mask. hidden is [seqLen, dim] row-major.
func MeanPool(hidden []float32, mask []int64, seqLen, dim int) []float32 {
	pooled := make([]float32, dim)
	var maskSum float32
	for s := 0; s < seqLen; s++ {
		w := float32(mask[s])
		if w == 0 {
			continue
		}
		maskSum += w
		row := hidden[s*dim : (s+1)*dim]
		for j, v := range row {
			pooled[j] += v * w
		}
	}
	denom := max(maskSum, maskEpsilon)
	for j := range pooled {
		pooled[j] /= denom
	}
	return pooled
}

// L2Normalize scales v in place to unit Euclidean length and returns it.
// Vectors with a norm below 1e-12 are divided by 1e-12 instead.
func L2Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := float32(math.Max(math.Sqrt(sum), normEpsilon))
	for i := range v {
		v[i] /= n
	}
	return v
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}
