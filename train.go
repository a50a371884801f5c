package main

import (
	"fmt"
	"math"
	"strings"
)

// ===========================================================================
// OPTIMIZATION - param groups, SGD/Adam, LARS, LR schedule
// ===========================================================================
//
// The learning rate follows a precomputed per-step curve: a linear ramp
// from start_lr to the base rate across the warmup epochs, then a cosine
// decay to final_lr across the rest. The curve is a flat array indexed by
// global step and is rebuilt at every epoch start, because the number of
// steps per epoch is only known once the epoch's data is sized. The
// trainer writes lrSchedule[globalStep] straight into every param group
// before each optimizer step; nothing is delegated to a stepped-scheduler
// abstraction, since the LARS wrapper below does not expose one.
//
// Optimizers follow the usual contract: parameters are organized into
// groups, each with a mutable LR and its own weight decay (so batchnorm
// and bias parameters can be excluded from decay), and Step accepts an
// optional closure that re-evaluates the loss.
// ===========================================================================

// BuildLRSchedule computes the step-indexed learning-rate curve for the
// current trainer configuration: stepsPerEpoch*warmupEpochs points ramping
// linearly from StartLR to LearningRate, then cosine decay to FinalLR over
// the remaining epochs. Curve length is stepsPerEpoch*MaxEpochs.
func BuildLRSchedule(cfg Config, stepsPerEpoch int) []float64 {
	if stepsPerEpoch <= 0 {
		panic(fmt.Sprintf("schedule: steps per epoch must be positive, got %d", stepsPerEpoch))
	}

	warmupSteps := stepsPerEpoch * cfg.WarmupEpochs
	decaySteps := stepsPerEpoch * (cfg.MaxEpochs - cfg.WarmupEpochs)

	curve := make([]float64, 0, warmupSteps+decaySteps)
	for t := 0; t < warmupSteps; t++ {
		if warmupSteps == 1 {
			curve = append(curve, cfg.StartLR)
			continue
		}
		frac := float64(t) / float64(warmupSteps-1)
		curve = append(curve, cfg.StartLR+(cfg.LearningRate-cfg.StartLR)*frac)
	}
	for t := 0; t < decaySteps; t++ {
		cos := math.Cos(math.Pi * float64(t) / float64(decaySteps))
		curve = append(curve, cfg.FinalLR+0.5*(cfg.LearningRate-cfg.FinalLR)*(1+cos))
	}
	return curve
}

// ParamGroup is a set of parameters sharing a learning rate and weight
// decay. LR is mutable; the trainer overwrites it from the schedule before
// every step.
type ParamGroup struct {
	Name        string
	Params      []*Tensor
	LR          float64
	WeightDecay float64
}

// BuildParamGroups splits named parameters into optimizer groups. With
// excludeBNBias set, parameters whose names contain "bias" or "bn" go into
// a second group with zero weight decay, matching the reference recipe for
// LARS training.
func BuildParamGroups(named []NamedParam, weightDecay float64, excludeBNBias bool) []*ParamGroup {
	if !excludeBNBias {
		params := make([]*Tensor, len(named))
		for i, np := range named {
			params[i] = np.Param
		}
		return []*ParamGroup{{Name: "default", Params: params, WeightDecay: weightDecay}}
	}

	decay := &ParamGroup{Name: "decay", WeightDecay: weightDecay}
	noDecay := &ParamGroup{Name: "no_decay", WeightDecay: 0}
	for _, np := range named {
		if strings.Contains(np.Name, "bias") || strings.Contains(np.Name, "bn") {
			noDecay.Params = append(noDecay.Params, np.Param)
		} else {
			decay.Params = append(decay.Params, np.Param)
		}
	}
	return []*ParamGroup{decay, noDecay}
}

// Optimizer updates parameters from their accumulated gradients. Step runs
// the optional closure first (it should re-evaluate the loss and populate
// gradients) and returns its value.
type Optimizer interface {
	Step(closure func() float64) float64
	ZeroGrad()
	ParamGroups() []*ParamGroup
}

// NewOptimizer builds the configured optimizer over the given groups.
func NewOptimizer(cfg Config, groups []*ParamGroup) Optimizer {
	var opt Optimizer
	switch cfg.Optimizer {
	case "sgd":
		opt = NewSGD(groups, 0.9)
	case "adam":
		opt = NewAdam(groups, 0.9, 0.999, 1e-8)
	default:
		panic(fmt.Sprintf("train: unknown optimizer %q", cfg.Optimizer))
	}
	if cfg.LARSWrapper {
		opt = NewLARSWrapper(opt, 0.001, false)
	}
	return opt
}

// SGD implements stochastic gradient descent with momentum.
type SGD struct {
	groups   []*ParamGroup
	momentum float64
	velocity map[*Tensor][]float64
}

// NewSGD creates an SGD optimizer over the given param groups.
func NewSGD(groups []*ParamGroup, momentum float64) *SGD {
	return &SGD{groups: groups, momentum: momentum, velocity: make(map[*Tensor][]float64)}
}

// Step applies one momentum-SGD update per parameter:
// v = momentum*v + grad + wd*param; param -= lr * v.
func (opt *SGD) Step(closure func() float64) float64 {
	loss := 0.0
	if closure != nil {
		loss = closure()
	}

	for _, g := range opt.groups {
		for _, p := range g.Params {
			v, ok := opt.velocity[p]
			if !ok {
				v = make([]float64, p.Size())
				opt.velocity[p] = v
			}
			for i := range p.data {
				grad := p.grad[i] + g.WeightDecay*p.data[i]
				v[i] = opt.momentum*v[i] + grad
				p.data[i] -= g.LR * v[i]
			}
		}
	}
	return loss
}

// ZeroGrad clears all gradients.
func (opt *SGD) ZeroGrad() {
	for _, g := range opt.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ParamGroups returns the optimizer's groups.
func (opt *SGD) ParamGroups() []*ParamGroup { return opt.groups }

// Adam implements the Adam update with bias correction.
type Adam struct {
	groups  []*ParamGroup
	beta1   float64
	beta2   float64
	epsilon float64

	m map[*Tensor][]float64
	v map[*Tensor][]float64
	t int
}

// NewAdam creates an Adam optimizer over the given param groups.
func NewAdam(groups []*ParamGroup, beta1, beta2, epsilon float64) *Adam {
	return &Adam{
		groups:  groups,
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		m:       make(map[*Tensor][]float64),
		v:       make(map[*Tensor][]float64),
	}
}

// Step applies one Adam update per parameter.
func (opt *Adam) Step(closure func() float64) float64 {
	loss := 0.0
	if closure != nil {
		loss = closure()
	}

	opt.t++
	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for _, g := range opt.groups {
		for _, p := range g.Params {
			m, ok := opt.m[p]
			if !ok {
				m = make([]float64, p.Size())
				opt.m[p] = m
				opt.v[p] = make([]float64, p.Size())
			}
			v := opt.v[p]

			for i := range p.data {
				grad := p.grad[i] + g.WeightDecay*p.data[i]
				m[i] = opt.beta1*m[i] + (1-opt.beta1)*grad
				v[i] = opt.beta2*v[i] + (1-opt.beta2)*grad*grad
				mHat := m[i] / bias1
				vHat := v[i] / bias2
				p.data[i] -= g.LR * mHat / (math.Sqrt(vHat) + opt.epsilon)
			}
		}
	}
	return loss
}

// ZeroGrad clears all gradients.
func (opt *Adam) ZeroGrad() {
	for _, g := range opt.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ParamGroups returns the optimizer's groups.
func (opt *Adam) ParamGroups() []*ParamGroup { return opt.groups }

// LARSWrapper scales each parameter's gradient by a layer-wise trust
// ratio before delegating to the wrapped optimizer:
//
//	lambda = eta * ||w|| / (||grad|| + wd*||w||)
//
// Large layers with small gradients take proportionally larger steps,
// which is what makes very large batch training stable. The wrapper has no
// schedule interface of its own; the trainer mutates group LRs directly.
type LARSWrapper struct {
	inner Optimizer
	eta   float64
	clip  bool
}

// NewLARSWrapper wraps an optimizer with LARS trust-ratio scaling.
// eta is the trust coefficient; clip caps the ratio at 1.
func NewLARSWrapper(inner Optimizer, eta float64, clip bool) *LARSWrapper {
	return &LARSWrapper{inner: inner, eta: eta, clip: clip}
}

// Step rescales gradients by the per-parameter trust ratio, then runs the
// wrapped optimizer's update. The closure, if any, runs before scaling so
// the gradients it produces are the ones scaled.
func (w *LARSWrapper) Step(closure func() float64) float64 {
	loss := 0.0
	if closure != nil {
		loss = closure()
	}

	for _, g := range w.inner.ParamGroups() {
		for _, p := range g.Params {
			wNorm := l2Norm(p.data)
			gNorm := l2Norm(p.grad)
			if wNorm == 0 || gNorm == 0 {
				continue
			}
			lambda := w.eta * wNorm / (gNorm + g.WeightDecay*wNorm)
			if w.clip && lambda > 1 {
				lambda = 1
			}
			for i := range p.grad {
				p.grad[i] *= lambda
			}
		}
	}

	w.inner.Step(nil)
	return loss
}

// ZeroGrad clears all gradients.
func (w *LARSWrapper) ZeroGrad() { w.inner.ZeroGrad() }

// ParamGroups returns the wrapped optimizer's groups.
func (w *LARSWrapper) ParamGroups() []*ParamGroup { return w.inner.ParamGroups() }

func l2Norm(x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum)
}
