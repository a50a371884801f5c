package main

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// The convolutional backbone and projection MLP are external collaborators:
// this module only requires something that maps concatenated crops to
// (embeddings, prototype logits). The prototype layer itself lives here
// because the training core reads and writes its weights every step (unit
// normalization before the forward pass, gradient gating after backward).
type Backbone interface {
	// Forward consumes concatenated crop inputs and returns the detached
	// embedding batch and the prototype logits batch, both with one row
	// per crop sample.
	Forward(crops *Tensor) (embedding, output *Tensor)
}

// NamedParam pairs a parameter tensor with its dotted path name. The
// training core identifies the prototype group by the substring
// "prototypes", mirroring the named-parameter contract of the backbone.
type NamedParam struct {
	Name  string
	Param *Tensor
}

// PrototypeHead holds the (K x D) prototype weight matrix and computes
// prototype logits as the inner product of embeddings with the unit-norm
// prototype vectors.
type PrototypeHead struct {
	weight *Tensor // (nmbPrototypes x featDim)
}

// NewPrototypeHead creates a head with randomly initialized prototypes.
func NewPrototypeHead(rng *rand.Rand, featDim, nmbPrototypes int) *PrototypeHead {
	if featDim <= 0 || nmbPrototypes <= 0 {
		panic(fmt.Sprintf("head: invalid dimensions (%d features, %d prototypes)", featDim, nmbPrototypes))
	}
	return &PrototypeHead{weight: NewTensorRand(rng, nmbPrototypes, featDim)}
}

// Weight exposes the prototype weight tensor.
func (h *PrototypeHead) Weight() *Tensor { return h.weight }

// NamedParameters returns the head's parameters with their names.
func (h *PrototypeHead) NamedParameters() []NamedParam {
	return []NamedParam{{Name: "prototypes.weight", Param: h.weight}}
}

// NormalizePrototypes rescales every prototype vector to unit L2 norm, in
// place. Every training step starts with this, before any forward pass, so
// the logits are cosine similarities against points on the unit sphere.
// The write bypasses gradient tracking entirely.
func (h *PrototypeHead) NormalizePrototypes() {
	L2NormalizeRows(h.weight)
}

// PrototypeMatrix returns a detached (K x D) copy of the prototype weights
// for the no-grad assignment path (queue scoring).
func (h *PrototypeHead) PrototypeMatrix() *mat.Dense {
	return DetachRows(h.weight, 0, h.weight.shape[0])
}

// Forward computes prototype logits for a (N x D) embedding batch:
// output = emb @ Wt, shape (N x K).
func (h *PrototypeHead) Forward(emb *Tensor) *Tensor {
	return MatMul(emb, Transpose(h.weight))
}

// Backward accumulates the weight gradient for a forward pass and returns
// the gradient with respect to the embeddings.
//
// With output = emb @ Wt:
//
//	dL/dW   = gradOutputT @ emb    (accumulated into weight.grad)
//	dL/demb = gradOutput @ W
func (h *PrototypeHead) Backward(emb, gradOutput *Tensor) *Tensor {
	n, d := emb.shape[0], emb.shape[1]
	k := h.weight.shape[0]
	if gradOutput.shape[0] != n || gradOutput.shape[1] != k {
		panic(fmt.Sprintf("head: gradient shape %v does not match (%d x %d)", gradOutput.shape, n, k))
	}

	for kk := 0; kk < k; kk++ {
		for dd := 0; dd < d; dd++ {
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += gradOutput.data[i*k+kk] * emb.data[i*d+dd]
			}
			h.weight.grad[kk*d+dd] += sum
		}
	}

	gradEmb := NewTensor(n, d)
	for i := 0; i < n; i++ {
		for dd := 0; dd < d; dd++ {
			sum := 0.0
			for kk := 0; kk < k; kk++ {
				sum += gradOutput.data[i*k+kk] * h.weight.data[kk*d+dd]
			}
			gradEmb.data[i*d+dd] = sum
		}
	}
	return gradEmb
}

// ===========================================================================
// SYNTHETIC BACKBONE (demo)
// ===========================================================================

// SyntheticBackbone stands in for the convolutional encoder in the demo
// command: it treats its input rows as already-projected features, unit
// normalizes them, and scores them against the prototypes. Real training
// replaces this with a ResNet encoder plus projection MLP; nothing in the
// training core cares which it is.
type SyntheticBackbone struct {
	Head *PrototypeHead
}

// Forward normalizes the feature rows and computes prototype logits.
// The returned embedding is detached by construction (its grad is unused).
func (b *SyntheticBackbone) Forward(features *Tensor) (*Tensor, *Tensor) {
	emb := features.Clone()
	L2NormalizeRows(emb)
	return emb, b.Head.Forward(emb)
}

// unit norm sanity helper shared by tests and the demo summary.
func rowNorm(t *Tensor, row int) float64 {
	cols := t.shape[1]
	sum := 0.0
	for _, v := range t.data[row*cols : (row+1)*cols] {
		sum += v * v
	}
	return math.Sqrt(sum)
}
