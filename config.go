package main

import "fmt"

// Config is the full recognized option surface for SwAV pre-training.
// Field names track the original hyperparameter names; zero values are not
// meaningful defaults, use DefaultConfig.
type Config struct {
	// Data
	NumSamples int
	Dataset    string // stl10, cifar10, imagenet
	NumNodes   int

	// Encoder (external collaborator; carried for validation and presets)
	Arch      string // resnet18, resnet50
	HiddenMLP int
	FeatDim   int
	FirstConv bool
	Maxpool1  bool

	// Schedule
	WarmupEpochs int
	MaxEpochs    int

	// SwAV core
	NmbPrototypes          int
	FreezePrototypesEpochs int
	Temperature            float64
	SinkhornIterations     int
	QueueLength            int // total across workers; 0 disables the queue
	QueuePath              string
	EpochQueueStarts       int
	CropsForAssign         []int
	NmbCrops               []int

	// Optimization
	Optimizer     string // sgd, adam
	LARSWrapper   bool
	ExcludeBNBias bool
	StartLR       float64
	LearningRate  float64
	FinalLR       float64
	WeightDecay   float64
	Epsilon       float64
}

// DefaultConfig mirrors the reference hyperparameters.
func DefaultConfig() Config {
	return Config{
		Dataset:  "stl10",
		NumNodes: 1,

		Arch:      "resnet50",
		HiddenMLP: 2048,
		FeatDim:   128,
		FirstConv: true,
		Maxpool1:  true,

		WarmupEpochs: 10,
		MaxEpochs:    100,

		NmbPrototypes:          3000,
		FreezePrototypesEpochs: 1,
		Temperature:            0.1,
		SinkhornIterations:     3,
		QueueLength:            0,
		QueuePath:              "queue",
		EpochQueueStarts:       15,
		CropsForAssign:         []int{0, 1},
		NmbCrops:               []int{2, 6},

		Optimizer:     "adam",
		LARSWrapper:   true,
		ExcludeBNBias: false,
		StartLR:       0.0,
		LearningRate:  1e-3,
		FinalLR:       0.0,
		WeightDecay:   1e-6,
		Epsilon:       0.05,
	}
}

// TotalCrops returns the summed crop count across resolutions.
func (c *Config) TotalCrops() int {
	total := 0
	for _, n := range c.NmbCrops {
		total += n
	}
	return total
}

// Validate rejects configurations the training core cannot run. These are
// setup-time fatal errors; nothing here is recoverable mid-training.
func (c *Config) Validate(worldSize int) error {
	switch c.Dataset {
	case "stl10", "cifar10", "imagenet":
	default:
		return fmt.Errorf("config: unknown dataset %q", c.Dataset)
	}

	switch c.Arch {
	case "resnet18", "resnet50":
	default:
		return fmt.Errorf("config: unknown arch %q", c.Arch)
	}

	switch c.Optimizer {
	case "sgd", "adam":
	default:
		return fmt.Errorf("config: unknown optimizer %q", c.Optimizer)
	}

	if c.TotalCrops() == 0 {
		return fmt.Errorf("config: nmb_crops must name at least one crop")
	}
	for _, id := range c.CropsForAssign {
		if id < 0 || id >= c.TotalCrops() {
			return fmt.Errorf("config: assignment crop %d out of range for %d crops", id, c.TotalCrops())
		}
	}

	if c.QueueLength > 0 && c.QueueLength%worldSize != 0 {
		return fmt.Errorf("config: queue_length %d not divisible by %d workers", c.QueueLength, worldSize)
	}

	if c.WarmupEpochs < 0 || c.MaxEpochs <= 0 || c.WarmupEpochs > c.MaxEpochs {
		return fmt.Errorf("config: invalid epoch split (warmup %d, max %d)", c.WarmupEpochs, c.MaxEpochs)
	}
	return nil
}

// ApplyDatasetDefaults adjusts encoder and crop settings to the dataset,
// following the reference training recipes. Call before Validate.
func (c *Config) ApplyDatasetDefaults() {
	switch c.Dataset {
	case "stl10":
		c.Maxpool1 = false
	case "cifar10":
		c.Maxpool1 = false
		c.FirstConv = false
		c.NmbCrops = []int{2, 1}
	case "imagenet":
		c.Maxpool1 = true
		c.FirstConv = true
		c.NmbCrops = []int{2, 6}
		c.MaxEpochs = 800
		c.Optimizer = "sgd"
		c.LARSWrapper = true
		c.LearningRate = 4.8
		c.FinalLR = 0.0048
		c.StartLR = 0.3
		c.NmbPrototypes = 3000
	}
}
