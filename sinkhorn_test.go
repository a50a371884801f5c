package main

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func positiveMatrix(rng *rand.Rand, k, b int) *mat.Dense {
	m := mat.NewDense(k, b, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < b; j++ {
			m.Set(i, j, math.Exp(rng.NormFloat64()))
		}
	}
	return m
}

// TestSinkhornShapeAndRowSums verifies the output shape is (B x K) and
// every sample's assignment sums to 1.
func TestSinkhornShapeAndRowSums(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, iters := range []int{1, 3, 12} {
		q := positiveMatrix(rng, 16, 6)
		out := Sinkhorn(q, iters, LocalReducer{})

		rows, cols := out.Dims()
		if rows != 6 || cols != 16 {
			t.Fatalf("iters=%d: expected 6x16, got %dx%d", iters, rows, cols)
		}

		for b := 0; b < rows; b++ {
			sum := 0.0
			for k := 0; k < cols; k++ {
				v := out.At(b, k)
				if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					t.Fatalf("iters=%d: bad assignment value %v at (%d,%d)", iters, v, b, k)
				}
				sum += v
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("iters=%d: sample %d assignment sums to %v, want 1", iters, b, sum)
			}
		}
	}
}

// TestSinkhornScalingInvariance: multiplying the input by any positive
// scalar must not change the output, since the first step divides by the
// global mass. Checked with the iteration loop disabled and enabled.
func TestSinkhornScalingInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	for _, iters := range []int{0, 3} {
		a := positiveMatrix(rng, 8, 4)
		b := mat.NewDense(8, 4, nil)
		b.Scale(7.25, a)
		aCopy := mat.DenseCopyOf(a)

		outA := Sinkhorn(aCopy, iters, LocalReducer{})
		outB := Sinkhorn(b, iters, LocalReducer{})

		if !mat.EqualApprox(outA, outB, 1e-12) {
			t.Errorf("iters=%d: scaled input produced different assignments", iters)
		}
	}
}

// TestSinkhornDeterministic runs the reference end-to-end shape twice:
// K=4 prototypes, B=2 samples, epsilon=0.05, 3 iterations, single worker.
// The two runs must agree exactly.
func TestSinkhornDeterministic(t *testing.T) {
	logits := mat.NewDense(2, 4, []float64{
		0.3, -0.1, 0.05, 0.2,
		-0.2, 0.4, 0.1, -0.05,
	})

	run := func() *mat.Dense {
		return Sinkhorn(ExpScaled(mat.DenseCopyOf(logits), 0.05), 3, LocalReducer{})
	}

	first, second := run(), run()
	if !mat.Equal(first, second) {
		t.Fatal("identical inputs produced different assignments")
	}

	rows, cols := first.Dims()
	if rows != 2 || cols != 4 {
		t.Fatalf("expected 2x4 assignments, got %dx%d", rows, cols)
	}
}

// TestSinkhornGroupOfOneMatchesLocal: the distributed formula must collapse
// to the single-worker formula when the world size is 1.
func TestSinkhornGroupOfOneMatchesLocal(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	q := positiveMatrix(rng, 10, 5)

	local := Sinkhorn(mat.DenseCopyOf(q), 3, LocalReducer{})
	grouped := Sinkhorn(mat.DenseCopyOf(q), 3, NewGroupReducer(1))

	if !mat.EqualApprox(local, grouped, 1e-12) {
		t.Fatal("world size 1 group reducer diverged from local reducer")
	}
}

// TestSinkhornTwoWorkersMatchGathered: two workers balancing column shards
// of a global matrix must each produce the assignments that a single
// worker balancing the full matrix produces for their shard's samples.
func TestSinkhornTwoWorkersMatchGathered(t *testing.T) {
	const k, bLocal, workers = 12, 4, 2
	rng := rand.New(rand.NewSource(4))
	global := positiveMatrix(rng, k, bLocal*workers)

	gathered := Sinkhorn(mat.DenseCopyOf(global), 3, LocalReducer{})

	red := NewGroupReducer(workers)
	results := make([]*mat.Dense, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			shard := mat.DenseCopyOf(global.Slice(0, k, w*bLocal, (w+1)*bLocal))
			results[w] = Sinkhorn(shard, 3, red)
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		want := gathered.Slice(w*bLocal, (w+1)*bLocal, 0, k)
		if !mat.EqualApprox(results[w], want, 1e-9) {
			t.Errorf("worker %d assignments diverged from gathered computation", w)
		}
	}
}

// TestExpScaled checks the transposed exponentiation feeding Sinkhorn.
func TestExpScaled(t *testing.T) {
	logits := mat.NewDense(2, 3, []float64{0.1, 0.2, 0.3, -0.1, 0, 0.05})
	q := ExpScaled(logits, 0.05)

	rows, cols := q.Dims()
	if rows != 3 || cols != 2 {
		t.Fatalf("expected 3x2, got %dx%d", rows, cols)
	}
	want := math.Exp(0.2 / 0.05)
	if got := q.At(1, 0); math.Abs(got-want) > 1e-12*want {
		t.Errorf("q[1,0] = %v, want %v", got, want)
	}
}
