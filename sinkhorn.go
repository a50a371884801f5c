package main

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// SINKHORN-KNOPP - balanced soft cluster assignments
// ===========================================================================
//
// Given the exponentiated similarity scores between a batch of embeddings
// and the cluster prototypes, we want soft assignments that are balanced:
// no prototype should absorb the whole batch. Sinkhorn-Knopp iteration
// alternately rescales rows and columns of the score matrix toward uniform
// marginals, which is an entropy-regularized optimal transport solve.
//
// The matrix Q arrives as (K prototypes x B local samples). The target row
// marginal is uniform 1/K. The target column marginal is uniform
// 1/(worldSize*B): every worker holds a B-column shard of a conceptually
// concatenated global batch, so the normalization must act as if all
// columns were present. Two reductions keep the shards consistent:
//
//   1. the global mass of Q, summed across workers before the initial
//      division, and
//   2. the row sums on every iteration, since a prototype's row spans all
//      workers' columns.
//
// Column sums stay local - each column belongs to exactly one worker.
//
// With worldSize == 1 both reductions are identities and the formulas
// reduce to the plain single-process Sinkhorn, so there is only one code
// path.
//
// No input validation happens here. Degenerate inputs (zero rows, zero
// columns, non-positive entries) divide by zero; callers guarantee K, B > 0
// and strictly positive Q, which upstream achieves by exponentiating a
// temperature-scaled score.
// ===========================================================================

// Sinkhorn balances a strictly positive (K x B) score matrix toward uniform
// row marginals 1/K and column marginals 1/(worldSize*B), running iters
// rounds of row/column rescaling with the Reducer's collective sums. Q is
// mutated in place and should not be reused by the caller.
//
// The result is (B x K): the balanced matrix, normalized once more so each
// sample's assignment sums to 1, then transposed so rows index samples.
func Sinkhorn(q *mat.Dense, iters int, red Reducer) *mat.Dense {
	kDim, bDim := q.Dims()

	total := []float64{mat.Sum(q)}
	red.AllReduceSum(total)
	q.Scale(1/total[0], q)

	world := red.WorldSize()
	r := 1.0 / float64(kDim)
	c := 1.0 / float64(world*bDim)

	raw := q.RawMatrix()
	u := make([]float64, kDim)
	colSum := make([]float64, bDim)

	for it := 0; it < iters; it++ {
		for k := 0; k < kDim; k++ {
			row := raw.Data[k*raw.Stride : k*raw.Stride+bDim]
			s := 0.0
			for _, v := range row {
				s += v
			}
			u[k] = s
		}
		red.AllReduceSum(u)

		for b := range colSum {
			colSum[b] = 0
		}
		for k := 0; k < kDim; k++ {
			row := raw.Data[k*raw.Stride : k*raw.Stride+bDim]
			f := r / u[k]
			for b := 0; b < bDim; b++ {
				row[b] *= f
				colSum[b] += row[b]
			}
		}
		for k := 0; k < kDim; k++ {
			row := raw.Data[k*raw.Stride : k*raw.Stride+bDim]
			for b := 0; b < bDim; b++ {
				row[b] *= c / colSum[b]
			}
		}
	}

	// Final per-sample normalization plus transpose: out[b][k] is sample
	// b's soft weight on prototype k, rows summing to 1.
	for b := range colSum {
		colSum[b] = 0
	}
	for k := 0; k < kDim; k++ {
		row := raw.Data[k*raw.Stride : k*raw.Stride+bDim]
		for b := 0; b < bDim; b++ {
			colSum[b] += row[b]
		}
	}

	out := mat.NewDense(bDim, kDim, nil)
	for k := 0; k < kDim; k++ {
		row := raw.Data[k*raw.Stride : k*raw.Stride+bDim]
		for b := 0; b < bDim; b++ {
			out.Set(b, k, row[b]/colSum[b])
		}
	}
	return out
}

// ExpScaled builds the Sinkhorn input from a (N x K) logits matrix:
// exp(logits/epsilon), transposed to (K x N). Epsilon is the assignment
// regularization constant, distinct from (and smaller than) the contrastive
// temperature; small epsilon sharpens assignments but risks overflow, which
// is the caller's configuration problem.
func ExpScaled(logits *mat.Dense, epsilon float64) *mat.Dense {
	n, kDim := logits.Dims()
	out := mat.NewDense(kDim, n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < kDim; k++ {
			out.Set(k, i, math.Exp(logits.At(i, k)/epsilon))
		}
	}
	return out
}
