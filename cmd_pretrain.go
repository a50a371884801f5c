package main

import (
	"flag"
	"fmt"
	"math/rand"
	"path/filepath"
)

// ===========================================================================
// PRETRAIN CLI - the training core on synthetic multi-crop data
// ===========================================================================
//
// This command runs the full SwAV step loop end to end without any image
// pipeline: each "sample" is a fixed random feature vector, and each crop
// is that vector plus noise, standing in for the augmented views a real
// dataloader would produce. The point is to exercise every moving part of
// the core in seconds: prototype normalization, Sinkhorn balancing,
// swapped prediction, the feature queue with its epoch persistence, the
// LR curve, and the prototype freeze.
//
// Because crops of the same sample share an underlying vector, the
// swapped-prediction loss genuinely decreases as prototypes organize,
// which makes the demo a useful smoke test and not just a type checker.
// ===========================================================================

// RunPretrainCommand runs SwAV pre-training on synthetic crops.
func RunPretrainCommand(args []string) error {
	fs := flag.NewFlagSet("pretrain", flag.ExitOnError)

	dataset := fs.String("dataset", "cifar10", "Dataset preset: stl10, cifar10, imagenet")
	epochs := fs.Int("epochs", 6, "Total training epochs")
	warmup := fs.Int("warmup-epochs", 1, "Linear warmup epochs")
	batch := fs.Int("batch", 8, "Per-crop batch size")
	steps := fs.Int("steps", 25, "Steps per epoch")
	featDim := fs.Int("feat-dim", 16, "Embedding dimension")
	prototypes := fs.Int("prototypes", 32, "Number of cluster prototypes")
	queueLength := fs.Int("queue-length", 0, "Feature queue length (0 disables)")
	queueStarts := fs.Int("queue-starts", 2, "First epoch that uses the queue")
	logDir := fs.String("log-dir", "swav_logs", "Directory for queue and metrics files")
	seed := fs.Int64("seed", 42, "Random seed")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := DefaultConfig()
	cfg.Dataset = *dataset
	cfg.ApplyDatasetDefaults()
	cfg.MaxEpochs = *epochs
	cfg.WarmupEpochs = *warmup
	cfg.FeatDim = *featDim
	cfg.NmbPrototypes = *prototypes
	cfg.QueueLength = *queueLength
	cfg.EpochQueueStarts = *queueStarts
	cfg.NumSamples = *batch * *steps

	red := LocalReducer{}
	if err := cfg.Validate(red.WorldSize()); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(*seed))
	head := NewPrototypeHead(rng, cfg.FeatDim, cfg.NmbPrototypes)
	backbone := &SyntheticBackbone{Head: head}
	core := NewSwAV(cfg, head, red, 0)
	if err := core.Setup(*logDir); err != nil {
		return err
	}

	groups := BuildParamGroups(head.NamedParameters(), cfg.WeightDecay, cfg.ExcludeBNBias)
	opt := NewOptimizer(cfg, groups)

	metrics, err := OpenMetrics(filepath.Join(*logDir, "metrics.db"))
	if err != nil {
		return err
	}
	defer metrics.Close()

	fmt.Printf("SwAV pretrain: %s preset, %d crops %v, %d prototypes, dim %d\n",
		cfg.Dataset, cfg.TotalCrops(), cfg.NmbCrops, cfg.NmbPrototypes, cfg.FeatDim)
	fmt.Printf("Schedule: %d epochs (%d warmup) x %d steps, lr %g -> %g -> %g\n",
		cfg.MaxEpochs, cfg.WarmupEpochs, *steps, cfg.StartLR, cfg.LearningRate, cfg.FinalLR)
	if cfg.QueueLength > 0 {
		fmt.Printf("Queue: %d rows, active from epoch %d, persisted under %s/%s\n",
			cfg.QueueLength, cfg.EpochQueueStarts, *logDir, cfg.QueuePath)
	}
	fmt.Println()

	// Fixed per-sample feature vectors; crops are noisy views of them.
	base := make([][]float64, cfg.NumSamples)
	for i := range base {
		base[i] = make([]float64, cfg.FeatDim)
		for j := range base[i] {
			base[i][j] = rng.NormFloat64()
		}
	}

	globalStep := 0
	for epoch := 0; epoch < cfg.MaxEpochs; epoch++ {
		core.OnTrainEpochStart(epoch, *steps)

		epochLoss := 0.0
		for step := 0; step < *steps; step++ {
			crops := syntheticCrops(rng, base, step, *batch, cfg.TotalCrops(), cfg.FeatDim)

			opt.ZeroGrad()
			loss, emb, gradOutput := core.TrainingStep(backbone, crops, *batch)
			head.Backward(emb, gradOutput)
			core.OnAfterBackward()

			lr := core.LRAt(globalStep)
			for _, g := range opt.ParamGroups() {
				g.LR = lr
			}
			opt.Step(nil)

			if err := metrics.LogStep(epoch, globalStep, loss, lr); err != nil {
				return err
			}
			epochLoss += loss
			globalStep++
		}

		if err := core.OnTrainEpochEnd(); err != nil {
			return err
		}

		queueNote := ""
		if core.Queue() != nil {
			queueNote = "  [queue active]"
		}
		fmt.Printf("epoch %2d  loss %.4f  lr %.6f%s\n",
			epoch, epochLoss/float64(*steps), core.LRAt(globalStep-1), queueNote)
	}

	fmt.Println()
	fmt.Printf("Done. %d steps logged to %s\n", globalStep, filepath.Join(*logDir, "metrics.db"))
	return nil
}

// syntheticCrops builds the concatenated crop-major feature batch for one
// step: row crop*batch+n is crop view `crop` of sample n, which is the
// sample's base vector plus per-view noise.
func syntheticCrops(rng *rand.Rand, base [][]float64, step, batch, totalCrops, featDim int) *Tensor {
	crops := NewTensor(totalCrops*batch, featDim)
	numSamples := len(base)
	for crop := 0; crop < totalCrops; crop++ {
		for n := 0; n < batch; n++ {
			sample := (step*batch + n) % numSamples
			for j := 0; j < featDim; j++ {
				crops.Set(base[sample][j]+0.1*rng.NormFloat64(), crop*batch+n, j)
			}
		}
	}
	return crops
}
