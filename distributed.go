package main

import (
	"fmt"
	"sync"
)

// ===========================================================================
// COLLECTIVE REDUCTION - injected capability, not ambient global state
// ===========================================================================
//
// The Sinkhorn balancer needs two cross-worker sums per call: the global
// mass of the similarity matrix, and the row marginals on every iteration.
// Rather than consulting a process-global "is distributed training active"
// flag, the balancer takes a Reducer. Single-worker training passes
// LocalReducer and pays nothing; tests and in-process multi-worker runs
// pass a GroupReducer backed by goroutines.
//
// Both collective calls are blocking barriers: every worker must reach the
// same call at the same global step. A worker that never shows up hangs the
// whole group. There is deliberately no timeout or cancellation here; a
// dead peer is fatal to the group, and recovery belongs to the surrounding
// training harness, not to this core.
// ===========================================================================

// Reducer is the collective-communication capability the assignment engine
// depends on. AllReduceSum replaces x, in place, with the element-wise sum
// of every worker's x. WorldSize reports the number of workers.
type Reducer interface {
	AllReduceSum(x []float64)
	WorldSize() int
}

// LocalReducer is the single-worker Reducer: reduction is the identity and
// the world size is 1. With it, the distributed Sinkhorn formula collapses
// exactly to the unsynchronized one.
type LocalReducer struct{}

// AllReduceSum is a no-op for a single worker.
func (LocalReducer) AllReduceSum(x []float64) {}

// WorldSize returns 1.
func (LocalReducer) WorldSize() int { return 1 }

// GroupReducer performs an all-reduce sum across n goroutine workers that
// share one process. Each call is a reusable barrier: workers accumulate
// their contribution, the last arrival publishes the total, and everyone
// leaves with the same values.
type GroupReducer struct {
	n int

	mu      sync.Mutex
	cond    *sync.Cond
	sum     []float64
	result  []float64
	arrived int
	round   uint64
}

// NewGroupReducer creates a reducer for a fixed group of n workers.
func NewGroupReducer(n int) *GroupReducer {
	if n <= 0 {
		panic(fmt.Sprintf("distributed: group size must be positive, got %d", n))
	}
	g := &GroupReducer{n: n}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// AllReduceSum blocks until all n workers have called it with slices of the
// same length, then overwrites each worker's slice with the element-wise
// sum. Workers must call in lockstep; interleaving two different reductions
// concurrently from the same group is a protocol violation.
func (g *GroupReducer) AllReduceSum(x []float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.arrived == 0 {
		g.sum = make([]float64, len(x))
	}
	if len(x) != len(g.sum) {
		panic(fmt.Sprintf("distributed: all-reduce length mismatch: %d vs %d", len(x), len(g.sum)))
	}

	for i, v := range x {
		g.sum[i] += v
	}
	g.arrived++

	if g.arrived == g.n {
		// Last worker in: publish and release the barrier.
		g.result = g.sum
		g.arrived = 0
		g.round++
		g.cond.Broadcast()
	} else {
		round := g.round
		for round == g.round {
			g.cond.Wait()
		}
	}

	copy(x, g.result)
}

// WorldSize returns the group size.
func (g *GroupReducer) WorldSize() int { return g.n }
