package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// ===========================================================================
// SWAV TRAINING CORE - swapped-prediction clustering loss
// ===========================================================================
//
// SwAV learns representations without labels by clustering: each image is
// augmented into several crops at two resolutions, every crop is embedded
// and scored against K learnable prototype vectors, and the scores of the
// high-resolution "assignment" crops are balanced into soft cluster
// assignments by the Sinkhorn engine. The loss is a swapped prediction:
// the assignment computed from crop A becomes the fixed target that every
// OTHER crop's temperature-scaled softmax must predict. Consistency across
// views is what the network is actually trained for.
//
// Per training step:
//
//	1. prototype vectors are unit-normalized in place (no grad),
//	2. the backbone embeds all crops and emits prototype logits,
//	3. for each assignment crop: slice its logits, optionally prepend
//	   queue history, exponentiate by 1/epsilon, balance with Sinkhorn
//	   (no grad), keep the batch's own rows as targets,
//	4. cross-entropy those targets against every other crop's prediction,
//	5. average over other crops, then over assignment crops.
//
// The assignment path never produces gradients; only the prediction
// softmax is differentiated. ComputeLoss therefore returns both the scalar
// loss and the analytic gradient with respect to the full logits batch,
// leaving the backbone's chain rule to the caller.
//
// Epoch-scoped state (LR curve, queue existence, queue in-use latch) lives
// on this struct and is rebuilt at explicit epoch-boundary hooks, mirroring
// the trainer callbacks of the reference system: Setup once per process,
// OnTrainEpochStart / OnTrainEpochEnd per epoch, OnAfterBackward per step.
// ===========================================================================

// SwAV owns the per-run training state of the clustering loss: the
// configuration, the prototype head, the optional feature queue with its
// in-use latch, and the per-epoch learning-rate curve.
type SwAV struct {
	cfg  Config
	head *PrototypeHead
	red  Reducer
	rank int

	queue      *FeatureQueue
	queueInUse bool
	queueFile  string

	lrSchedule   []float64
	currentEpoch int
}

// NewSwAV builds the training core. The reducer decides whether Sinkhorn
// synchronizes across workers; rank scopes the queue file.
func NewSwAV(cfg Config, head *PrototypeHead, red Reducer, rank int) *SwAV {
	return &SwAV{cfg: cfg, head: head, red: red, rank: rank}
}

// Head returns the prototype head.
func (s *SwAV) Head() *PrototypeHead { return s.head }

// Queue returns the feature queue, or nil before allocation.
func (s *SwAV) Queue() *FeatureQueue { return s.queue }

// QueueInUse reports whether the in-use latch has fired this epoch.
func (s *SwAV) QueueInUse() bool { return s.queueInUse }

// Setup prepares the queue directory and reloads a previously persisted
// queue buffer for this worker, if one exists. A missing file means a
// fresh start, not an error.
func (s *SwAV) Setup(logDir string) error {
	if s.cfg.QueueLength <= 0 {
		return nil
	}

	dir := filepath.Join(logDir, s.cfg.QueuePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("swav: create queue dir: %w", err)
	}
	s.queueFile = QueueFilePath(logDir, s.cfg.QueuePath, s.rank)

	if _, err := os.Stat(s.queueFile); err == nil {
		q, err := LoadFeatureQueue(s.queueFile)
		if err != nil {
			return fmt.Errorf("swav: reload queue: %w", err)
		}
		s.queue = q
	}
	return nil
}

// OnTrainEpochStart rebuilds the epoch-scoped state: the LR curve is
// regenerated for the epoch's step count, the queue is allocated once the
// configured start epoch is reached, and the in-use latch resets.
func (s *SwAV) OnTrainEpochStart(epoch, stepsPerEpoch int) {
	s.currentEpoch = epoch
	s.lrSchedule = BuildLRSchedule(s.cfg, stepsPerEpoch)

	if s.cfg.QueueLength > 0 && epoch >= s.cfg.EpochQueueStarts && s.queue == nil {
		s.queue = NewFeatureQueue(
			len(s.cfg.CropsForAssign),
			s.cfg.QueueLength/s.red.WorldSize(),
			s.cfg.FeatDim,
		)
	}

	s.queueInUse = false
}

// OnTrainEpochEnd persists the queue buffer for this worker.
func (s *SwAV) OnTrainEpochEnd() error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Save(s.queueFile)
}

// OnAfterBackward implements the prototype gradient gate: while the epoch
// counter is below the freeze threshold, prototype gradients are discarded
// before the optimizer can consume them. The transition to active is
// monotonic, driven only by the epoch counter.
func (s *SwAV) OnAfterBackward() {
	if s.currentEpoch >= s.cfg.FreezePrototypesEpochs {
		return
	}
	for _, np := range s.head.NamedParameters() {
		if strings.Contains(np.Name, "prototypes") {
			np.Param.ZeroGrad()
		}
	}
}

// LRAt returns the scheduled learning rate for a global step. The curve is
// indexed by step within the current trainer configuration; the caller
// writes this value into every optimizer param group at step time.
func (s *SwAV) LRAt(globalStep int) float64 {
	return s.lrSchedule[globalStep]
}

// TrainingStep runs one full step of the core: prototypes are rescaled to
// unit norm, the backbone embeds the concatenated crops, and the swapped
// prediction loss is aggregated. Every step enters through here, so the
// forward pass never sees prototypes off the unit sphere. Returns the loss,
// the embedding batch, and dL/d(output) for the caller's backward pass.
func (s *SwAV) TrainingStep(backbone Backbone, crops *Tensor, bs int) (float64, *Tensor, *Tensor) {
	s.head.NormalizePrototypes()
	embedding, output := backbone.Forward(crops)
	loss, grad := s.ComputeLoss(embedding, output, bs)
	return loss, embedding, grad
}

// EvalLoss runs the same pipeline on held-out data: prototype normalization,
// backbone forward, swapped-prediction aggregation. No gradient is returned
// and the queue is neither consulted nor advanced, so evaluation never
// perturbs training state.
func (s *SwAV) EvalLoss(backbone Backbone, crops *Tensor, bs int) float64 {
	s.head.NormalizePrototypes()
	embedding, output := backbone.Forward(crops)
	loss, _ := s.swappedLoss(embedding, output, bs, false)
	return loss
}

// ComputeLoss runs the full assignment/prediction aggregation for one
// multi-crop batch.
//
// embedding and output are the backbone's concatenated per-crop results:
// (totalCrops*bs) rows each, crop-major. bs is the per-crop batch size.
// Returns the scalar loss and dL/d(output) for the whole logits batch.
//
// A row-count mismatch between assignments and predictions means the crop
// configuration disagrees between the augmentation pipeline and this
// module; that is a fatal setup error and panics.
func (s *SwAV) ComputeLoss(embedding, output *Tensor, bs int) (float64, *Tensor) {
	return s.swappedLoss(embedding, output, bs, true)
}

// swappedLoss is the shared aggregation body; training selects whether the
// feature queue participates (latch, augmentation, enqueue).
func (s *SwAV) swappedLoss(embedding, output *Tensor, bs int, training bool) (float64, *Tensor) {
	total := s.cfg.TotalCrops()
	nAssign := len(s.cfg.CropsForAssign)
	if nAssign == 0 {
		panic("swav: crops_for_assign is empty")
	}
	if output.shape[0] != total*bs {
		panic(fmt.Sprintf("swav: %d logit rows for %d crops of batch %d; nmb_crops must match the transform pipeline",
			output.shape[0], total, bs))
	}

	k := output.shape[1]
	grad := NewTensor(output.shape[0], k)
	gradScale := 1.0 / (s.cfg.Temperature * float64(bs) * float64(total-1) * float64(nAssign))

	loss := 0.0
	for slot, cropID := range s.cfg.CropsForAssign {
		// Assignment sub-computation: entirely on detached matrices.
		scores := DetachRows(output, bs*cropID, bs*(cropID+1))

		if training && s.queue != nil {
			if s.queueInUse || s.queue.OldestFilled(slot) {
				s.queueInUse = true
				scores = s.queue.Augment(slot, s.head.PrototypeMatrix(), scores)
			}
			// The buffer itself rolls forward every step, used or not.
			s.queue.Enqueue(slot, DetachRows(embedding, bs*cropID, bs*(cropID+1)))
		}

		balanced := Sinkhorn(ExpScaled(scores, s.cfg.Epsilon), s.cfg.SinkhornIterations, s.red)
		rows, _ := balanced.Dims()
		// Queue-contributed rows were context for the balancing only; the
		// batch's own samples are the trailing bs rows.
		targets := balanced.Slice(rows-bs, rows, 0, k)

		subloss := 0.0
		for v := 0; v < total; v++ {
			if v == cropID {
				continue
			}

			pred := SoftmaxScaled(RowSlice(output, bs*v, bs*(v+1)), s.cfg.Temperature)
			tr, tc := targets.Dims()
			if tr != pred.shape[0] || tc != pred.shape[1] {
				panic(fmt.Sprintf("swav: assignment (%d x %d) vs prediction %v; nmb_crops must match the transform pipeline",
					tr, tc, pred.shape))
			}

			for n := 0; n < bs; n++ {
				for kk := 0; kk < k; kk++ {
					q := targets.At(n, kk)
					p := pred.data[n*k+kk]
					subloss -= q * math.Log(p)
					grad.data[(bs*v+n)*k+kk] += (p - q) * gradScale
				}
			}
		}
		loss += subloss / (float64(bs) * float64(total-1))
	}

	return loss / float64(nAssign), grad
}
