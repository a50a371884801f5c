package main

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
)

func newTestHead(t *testing.T, cfg Config) *PrototypeHead {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	head := NewPrototypeHead(rng, cfg.FeatDim, cfg.NmbPrototypes)
	head.NormalizePrototypes()
	return head
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Dataset = "cifar10"
	cfg.ApplyDatasetDefaults() // nmb_crops [2, 1]
	cfg.FeatDim = 8
	cfg.NmbPrototypes = 12
	cfg.SinkhornIterations = 3
	cfg.MaxEpochs = 4
	cfg.WarmupEpochs = 1
	return cfg
}

func testBatch(t *testing.T, cfg Config, bs int, seed int64) (*Tensor, *Tensor, *SwAV) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	head := newTestHead(t, cfg)
	core := NewSwAV(cfg, head, LocalReducer{}, 0)
	core.OnTrainEpochStart(0, 10)

	features := NewTensor(cfg.TotalCrops()*bs, cfg.FeatDim)
	for i := range features.data {
		features.data[i] = rng.NormFloat64()
	}
	backbone := &SyntheticBackbone{Head: head}
	emb, output := backbone.Forward(features)
	return emb, output, core
}

// TestComputeLossFinite: a well-formed batch yields a finite, non-negative
// scalar, and the gradient covers the whole logits batch.
func TestComputeLossFinite(t *testing.T) {
	cfg := testConfig()
	const bs = 4

	emb, output, core := testBatch(t, cfg, bs, 21)
	loss, grad := core.ComputeLoss(emb, output, bs)

	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Fatalf("loss = %v, want finite non-negative", loss)
	}
	if !shapeEqual(grad.shape, output.shape) {
		t.Fatalf("gradient shape %v, want %v", grad.shape, output.shape)
	}

	// Assignment crops receive gradient only through the other crops'
	// sublosses; every crop should still have some signal.
	for v := 0; v < cfg.TotalCrops(); v++ {
		sum := 0.0
		for i := bs * v * cfg.NmbPrototypes; i < bs*(v+1)*cfg.NmbPrototypes; i++ {
			sum += math.Abs(grad.data[i])
		}
		if sum == 0 {
			t.Errorf("crop %d received zero gradient", v)
		}
	}
}

// TestComputeLossCropSelection: changing which crops compute assignments
// changes the aggregation but keeps the loss finite and non-negative.
func TestComputeLossCropSelection(t *testing.T) {
	const bs = 4
	for _, assign := range [][]int{{0, 1}, {1, 0}, {1}, {2}} {
		cfg := testConfig()
		cfg.CropsForAssign = assign

		emb, output, core := testBatch(t, cfg, bs, 33)
		loss, _ := core.ComputeLoss(emb, output, bs)
		if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
			t.Errorf("crops_for_assign=%v: loss = %v, want finite non-negative", assign, loss)
		}
	}
}

// TestComputeLossDeterministic: two fresh runs over identical inputs agree
// exactly (single worker, no collectives, no queue).
func TestComputeLossDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.NmbPrototypes = 4
	cfg.FeatDim = 4
	const bs = 2

	run := func() float64 {
		emb, output, core := testBatch(t, cfg, bs, 55)
		loss, _ := core.ComputeLoss(emb, output, bs)
		return loss
	}

	if a, b := run(), run(); math.Float64bits(a) != math.Float64bits(b) {
		t.Fatalf("identical runs produced %v and %v", a, b)
	}
}

// TestComputeLossCropMismatchPanics: a logits batch sized for a different
// crop count is a fatal configuration error.
func TestComputeLossCropMismatchPanics(t *testing.T) {
	cfg := testConfig()
	const bs = 4

	emb, _, core := testBatch(t, cfg, bs, 70)
	badOutput := NewTensor((cfg.TotalCrops()+1)*bs, cfg.NmbPrototypes)

	defer func() {
		if recover() == nil {
			t.Fatal("mismatched crop count did not panic")
		}
	}()
	core.ComputeLoss(emb, badOutput, bs)
}

// TestPrototypeGate: below the freeze threshold, prototype gradients are
// discarded after backward; at the threshold they survive. The transition
// is one-way with the epoch counter.
func TestPrototypeGate(t *testing.T) {
	cfg := testConfig()
	cfg.FreezePrototypesEpochs = 2
	head := newTestHead(t, cfg)
	core := NewSwAV(cfg, head, LocalReducer{}, 0)

	fill := func() {
		for i := range head.Weight().grad {
			head.Weight().grad[i] = 1.5
		}
	}
	gradSum := func() float64 {
		s := 0.0
		for kk := 0; kk < cfg.NmbPrototypes; kk++ {
			for d := 0; d < cfg.FeatDim; d++ {
				s += math.Abs(head.Weight().GradAt(kk, d))
			}
		}
		return s
	}

	for epoch := 0; epoch < 4; epoch++ {
		core.OnTrainEpochStart(epoch, 10)
		fill()
		core.OnAfterBackward()

		frozen := epoch < cfg.FreezePrototypesEpochs
		if frozen && gradSum() != 0 {
			t.Errorf("epoch %d: prototype gradients survived the freeze", epoch)
		}
		if !frozen && gradSum() == 0 {
			t.Errorf("epoch %d: prototype gradients discarded after the freeze", epoch)
		}
	}
}

// TestPrototypeNormalization: every step starts with unit-norm prototypes.
func TestPrototypeNormalization(t *testing.T) {
	cfg := testConfig()
	head := newTestHead(t, cfg)

	// Perturb, then renormalize as the step entry does.
	for i := range head.Weight().data {
		head.Weight().data[i] *= 3.7
	}
	head.NormalizePrototypes()

	for k := 0; k < cfg.NmbPrototypes; k++ {
		if norm := rowNorm(head.Weight(), k); math.Abs(norm-1) > 1e-12 {
			t.Errorf("prototype %d has norm %v after normalization", k, norm)
		}
	}
}

// TestTrainingStepNormalizesPrototypes: the step itself owns prototype
// normalization, so prototypes left at arbitrary norms from an optimizer
// update are back on the unit sphere before the forward pass sees them.
func TestTrainingStepNormalizesPrototypes(t *testing.T) {
	cfg := testConfig()
	const bs = 4

	head := newTestHead(t, cfg)
	core := NewSwAV(cfg, head, LocalReducer{}, 0)
	core.OnTrainEpochStart(0, 10)
	backbone := &SyntheticBackbone{Head: head}

	// A weight update has blown the norms; nobody renormalizes but the step.
	for i := range head.Weight().data {
		head.Weight().data[i] *= 5.0
	}

	rng := rand.New(rand.NewSource(29))
	crops := NewTensorRand(rng, cfg.TotalCrops()*bs, cfg.FeatDim)
	loss, emb, grad := core.TrainingStep(backbone, crops, bs)

	for k := 0; k < cfg.NmbPrototypes; k++ {
		if norm := rowNorm(head.Weight(), k); math.Abs(norm-1) > 1e-12 {
			t.Errorf("prototype %d has norm %v after a training step", k, norm)
		}
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Fatalf("loss = %v, want finite non-negative", loss)
	}
	if emb.shape[0] != cfg.TotalCrops()*bs || !shapeEqual(grad.shape, []int{cfg.TotalCrops() * bs, cfg.NmbPrototypes}) {
		t.Fatalf("embedding %v gradient %v for %d crop rows", emb.shape, grad.shape, cfg.TotalCrops()*bs)
	}
}

// TestQueueActivationThreshold: before the configured start epoch the queue
// is never allocated and the loss runs without it; the allocation happens
// exactly at the threshold epoch.
func TestQueueActivationThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.QueueLength = 8
	cfg.EpochQueueStarts = 2
	const bs = 4

	head := newTestHead(t, cfg)
	core := NewSwAV(cfg, head, LocalReducer{}, 0)
	backbone := &SyntheticBackbone{Head: head}
	rng := rand.New(rand.NewSource(47))

	for epoch := 0; epoch < cfg.EpochQueueStarts; epoch++ {
		core.OnTrainEpochStart(epoch, 10)
		if core.Queue() != nil {
			t.Fatalf("epoch %d: queue allocated before the start epoch %d", epoch, cfg.EpochQueueStarts)
		}

		// With no queue the loss is a plain swapped prediction pass.
		crops := NewTensorRand(rng, cfg.TotalCrops()*bs, cfg.FeatDim)
		loss, _, _ := core.TrainingStep(backbone, crops, bs)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.Fatalf("epoch %d: loss = %v without a queue", epoch, loss)
		}
		if core.QueueInUse() {
			t.Fatalf("epoch %d: in-use latch fired with no queue", epoch)
		}
	}

	core.OnTrainEpochStart(cfg.EpochQueueStarts, 10)
	if core.Queue() == nil {
		t.Fatalf("queue still nil at the start epoch %d", cfg.EpochQueueStarts)
	}
}

// TestEvalLossLeavesStateAlone: evaluation computes the same pipeline but
// never advances the queue, fires the latch, or touches gradients.
func TestEvalLossLeavesStateAlone(t *testing.T) {
	cfg := testConfig()
	cfg.QueueLength = 8
	cfg.EpochQueueStarts = 0
	const bs = 4

	head := newTestHead(t, cfg)
	core := NewSwAV(cfg, head, LocalReducer{}, 0)
	core.OnTrainEpochStart(0, 10)
	backbone := &SyntheticBackbone{Head: head}
	rng := rand.New(rand.NewSource(61))

	// One training step part-fills the queue.
	crops := NewTensorRand(rng, cfg.TotalCrops()*bs, cfg.FeatDim)
	core.TrainingStep(backbone, crops, bs)
	head.Weight().ZeroGrad()

	var snapshot [][]float64
	for _, slot := range core.Queue().slots {
		raw := slot.RawMatrix().Data
		snapshot = append(snapshot, append([]float64(nil), raw...))
	}

	heldOut := NewTensorRand(rng, cfg.TotalCrops()*bs, cfg.FeatDim)
	loss := core.EvalLoss(backbone, heldOut, bs)
	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		t.Fatalf("eval loss = %v, want finite non-negative", loss)
	}

	for si, slot := range core.Queue().slots {
		raw := slot.RawMatrix().Data
		for i := range raw {
			if math.Float64bits(raw[i]) != math.Float64bits(snapshot[si][i]) {
				t.Fatalf("slot %d element %d changed during evaluation", si, i)
			}
		}
	}
	if core.QueueInUse() {
		t.Fatal("in-use latch fired during evaluation")
	}
	for kk := 0; kk < cfg.NmbPrototypes; kk++ {
		for d := 0; d < cfg.FeatDim; d++ {
			if head.Weight().GradAt(kk, d) != 0 {
				t.Fatal("evaluation produced prototype gradients")
			}
		}
	}
}

// TestQueueLatch: once the oldest window is seen nonzero, the queue stays
// in use for the rest of the epoch even if its content goes back to zero;
// the next epoch resets the latch.
func TestQueueLatch(t *testing.T) {
	cfg := testConfig()
	cfg.QueueLength = 8
	cfg.EpochQueueStarts = 0
	const bs = 4

	head := newTestHead(t, cfg)
	core := NewSwAV(cfg, head, LocalReducer{}, 0)
	core.OnTrainEpochStart(0, 10)
	if core.Queue() == nil {
		t.Fatal("queue not allocated")
	}

	rng := rand.New(rand.NewSource(91))
	step := func() float64 {
		features := NewTensor(cfg.TotalCrops()*bs, cfg.FeatDim)
		for i := range features.data {
			features.data[i] = rng.NormFloat64()
		}
		backbone := &SyntheticBackbone{Head: head}
		emb, output := backbone.Forward(features)
		loss, _ := core.ComputeLoss(emb, output, bs)
		return loss
	}

	// Two steps of batch 4 fill the 8-row queue; the latch fires on the
	// third step when the oldest window is nonzero.
	step()
	if core.QueueInUse() {
		t.Fatal("latch fired before the queue wrapped")
	}
	step()
	loss := step()
	if !core.QueueInUse() {
		t.Fatal("latch did not fire on a wrapped queue")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("augmented loss = %v", loss)
	}

	// Zero the buffer; the latch must hold anyway.
	for _, slot := range core.Queue().slots {
		raw := slot.RawMatrix().Data
		for i := range raw {
			raw[i] = 0
		}
	}
	step()
	if !core.QueueInUse() {
		t.Fatal("latch released mid-epoch")
	}

	// Epoch boundary resets it.
	core.OnTrainEpochStart(1, 10)
	if core.QueueInUse() {
		t.Fatal("latch survived the epoch boundary")
	}
}

// TestSwappedPredictionGradient checks the analytic gradient of the
// fixed-target cross-entropy against central finite differences. The
// targets are constants here, exactly as ComputeLoss treats them.
func TestSwappedPredictionGradient(t *testing.T) {
	const bs, k = 2, 3
	const temperature = 0.1

	targets := [][]float64{
		{0.6, 0.3, 0.1},
		{0.2, 0.2, 0.6},
	}
	x := []float64{0.4, -0.2, 0.1, 0.05, 0.3, -0.4}

	lossAt := func(x []float64) float64 {
		z := NewTensor(bs, k)
		copy(z.data, x)
		p := SoftmaxScaled(z, temperature)
		loss := 0.0
		for n := 0; n < bs; n++ {
			for kk := 0; kk < k; kk++ {
				loss -= targets[n][kk] * math.Log(p.data[n*k+kk])
			}
		}
		return loss / bs
	}

	// Analytic: (p - q) / (T * bs), as accumulated by ComputeLoss.
	z := NewTensor(bs, k)
	copy(z.data, x)
	p := SoftmaxScaled(z, temperature)
	analytic := make([]float64, bs*k)
	for n := 0; n < bs; n++ {
		for kk := 0; kk < k; kk++ {
			analytic[n*k+kk] = (p.data[n*k+kk] - targets[n][kk]) / (temperature * bs)
		}
	}

	numeric := fd.Gradient(nil, lossAt, x, &fd.Settings{Formula: fd.Central})
	for i := range analytic {
		if math.Abs(analytic[i]-numeric[i]) > 1e-6 {
			t.Errorf("grad[%d]: analytic %v vs numeric %v", i, analytic[i], numeric[i])
		}
	}
}

// TestHeadBackwardShapes: weight gradients accumulate and the embedding
// gradient chains through.
func TestHeadBackwardShapes(t *testing.T) {
	cfg := testConfig()
	head := newTestHead(t, cfg)

	rng := rand.New(rand.NewSource(17))
	emb := NewTensorRand(rng, 5, cfg.FeatDim)
	gradOut := NewTensorRand(rng, 5, cfg.NmbPrototypes)

	head.Weight().ZeroGrad()
	gradEmb := head.Backward(emb, gradOut)

	if !shapeEqual(gradEmb.shape, emb.shape) {
		t.Fatalf("embedding gradient shape %v, want %v", gradEmb.shape, emb.shape)
	}
	sum := 0.0
	for _, g := range head.Weight().grad {
		sum += math.Abs(g)
	}
	if sum == 0 {
		t.Fatal("weight gradient not accumulated")
	}
}
