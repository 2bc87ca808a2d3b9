package nn

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Optimizer applies accumulated gradients to parameters.
type Optimizer interface {
	// Step applies gradients to the parameters
	Step(params []*Param, learningRate float64)

	// Reset clears optimizer state (moments, velocities)
	Reset()

	// GetState returns optimizer state for serialization
	GetState() map[string]interface{}

	// LoadState restores optimizer state from serialization
	LoadState(state map[string]interface{}) error

	Name() string
}

// NewOptimizer builds an optimizer by name: "adam" (default) or "sgd".
func NewOptimizer(name string) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "adam":
		return NewAdamOptimizerDefault(), nil
	case "sgd":
		return NewSGDOptimizer(0), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

// ============================================================================
// SGD Optimizer (with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float64
	velocities map[string][]float64
}

func NewSGDOptimizer(momentum float64) *SGDOptimizer {
	return &SGDOptimizer{momentum: momentum, velocities: make(map[string][]float64)}
}

func (opt *SGDOptimizer) Step(params []*Param, learningRate float64) {
	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data

		if opt.momentum == 0 {
			for j := range w {
				w[j] -= learningRate * g[j]
			}
			continue
		}

		v := opt.velocities[p.Name]
		if v == nil {
			v = make([]float64, len(w))
			opt.velocities[p.Name] = v
		}
		// v = momentum*v + grad; w -= lr*v
		for j := range w {
			v[j] = opt.momentum*v[j] + g[j]
			w[j] -= learningRate * v[j]
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float64)
}

func (opt *SGDOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":     "sgd",
		"momentum": opt.momentum,
	}
}

func (opt *SGDOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "sgd" {
		return errors.Errorf("invalid optimizer type: expected sgd, got %v", state["type"])
	}
	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = m
	}
	return nil
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// Adam Optimizer
// ============================================================================

type AdamOptimizer struct {
	beta1   float64
	beta2   float64
	epsilon float64
	step    int

	// First moment estimates
	m map[string][]float64

	// Second moment estimates
	v map[string][]float64
}

func NewAdamOptimizer(beta1, beta2, epsilon float64) *AdamOptimizer {
	return &AdamOptimizer{
		beta1:   beta1,
		beta2:   beta2,
		epsilon: epsilon,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}
}

// NewAdamOptimizerDefault uses beta1 0.9, beta2 0.999, epsilon 1e-7.
func NewAdamOptimizerDefault() *AdamOptimizer {
	return NewAdamOptimizer(0.9, 0.999, 1e-7)
}

func (opt *AdamOptimizer) Step(params []*Param, learningRate float64) {
	opt.step++

	biasCorrection1 := 1 - math.Pow(opt.beta1, float64(opt.step))
	biasCorrection2 := 1 - math.Pow(opt.beta2, float64(opt.step))

	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data

		m, v := opt.m[p.Name], opt.v[p.Name]
		if m == nil {
			m = make([]float64, len(w))
			v = make([]float64, len(w))
			opt.m[p.Name], opt.v[p.Name] = m, v
		}

		for j := range w {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g[j]
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g[j]*g[j]

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			w[j] -= learningRate * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

func (opt *AdamOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float64)
	opt.v = make(map[string][]float64)
}

func (opt *AdamOptimizer) GetState() map[string]interface{} {
	return map[string]interface{}{
		"type":    "adam",
		"beta1":   opt.beta1,
		"beta2":   opt.beta2,
		"epsilon": opt.epsilon,
		"step":    opt.step,
	}
}

func (opt *AdamOptimizer) LoadState(state map[string]interface{}) error {
	if t, ok := state["type"].(string); !ok || t != "adam" {
		return errors.Errorf("invalid optimizer type: expected adam, got %v", state["type"])
	}
	if b1, ok := state["beta1"].(float64); ok {
		opt.beta1 = b1
	}
	if b2, ok := state["beta2"].(float64); ok {
		opt.beta2 = b2
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = eps
	}
	if s, ok := state["step"].(float64); ok {
		opt.step = int(s)
	}
	return nil
}

func (opt *AdamOptimizer) Name() string { return "Adam" }
