package engine

import (
	math32 "github.com/chewxy/math32"
	"gonum.org/v1/gonum/stat"
	vecf32 "gorgonia.org/vecf32"
	vecf64 "gorgonia.org/vecf64"
)

// linear computes y = x * W^T for a single row x of length inDim against
// a weight matrix stored row-major as [outDim][inDim] (PyTorch's
// nn.Linear convention, which is how the container stores *_proj.weight
// tensors). Each output element is one dot product, computed with the
// SIMD-friendly vecf32.Dot the teacher's dependency graph already
// carries via the gorgonia tensor stack.
func linear(x, weight []float32, inDim, outDim int) []float32 {
	out := make([]float32, outDim)
	for j := 0; j < outDim; j++ {
		row := weight[j*inDim : (j+1)*inDim]
		out[j] = vecf32.Dot(x, row)
	}
	return out
}

// layerNorm normalizes one row in place conceptually, returning a new
// slice: (x - mean) / sqrt(variance + eps) * weight. Mean and population
// variance (divided by n) are computed in float64 via gonum/stat for a
// numerically stable reduction independent of SIMD lane ordering,
// matching the determinism requirement that reduction order not vary
// across calls.
func layerNorm(x []float32, weight []float32, eps float32) []float32 {
	xf64 := make([]float64, len(x))
	for i, v := range x {
		xf64[i] = float64(v)
	}
	mean, variance := stat.PopMeanVariance(xf64, nil)

	denom := math32.Sqrt(float32(variance) + eps)
	out := make([]float32, len(x))
	for i := range x {
		out[i] = (x[i] - float32(mean)) / denom * weight[i]
	}
	return out
}

// silu is x * sigmoid(x) computed in float32 throughout, as spec'd.
func silu(x float32) float32 {
	return x / (1 + math32.Exp(-x))
}

// siluVec applies silu element-wise and multiplies by up, returning the
// result in a new slice, implementing the gated MLP's gate ⊙ up step.
func siluVec(gate, up []float32) []float32 {
	out := make([]float32, len(gate))
	for i := range gate {
		out[i] = silu(gate[i]) * up[i]
	}
	return out
}

// addInPlace computes dst += src and returns dst, used for residual
// connections.
func addInPlace(dst, src []float32) []float32 {
	for i := range dst {
		dst[i] += src[i]
	}
	return dst
}

// softmaxStable applies a numerically-stable softmax over x: subtract
// the row max before exponentiation, then normalize by the float64 sum
// (accumulated in higher precision, per the numeric contract, via
// gorgonia's vecf64 so the reduction order is fixed across calls).
func softmaxStable(x []float32) []float32 {
	if len(x) == 0 {
		return x
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}

	exps64 := make([]float64, len(x))
	for i, v := range x {
		exps64[i] = float64(math32.Exp(v - max))
	}
	sum := vecf64.Sum(exps64)

	out := make([]float32, len(x))
	for i := range x {
		out[i] = float32(exps64[i] / sum)
	}
	return out
}
