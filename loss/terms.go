// Package loss implements the scalar objective terms of the model: count
// likelihoods, the Gaussian KL divergence and the NOTEARS acyclicity
// penalty, each with the analytic partials the backward pass needs.
package loss

import (
	"math"

	"github.com/sirupsen/logrus"
)

// Term names used by the model layers.
const (
	TermKL             = "kl"
	TermReconstruction = "reconstruction"
	TermConstraint     = "constraint"
)

// Term is one named additive contribution to the training objective.
type Term struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Objective is the ordered list of terms produced by one forward pass.
// The trainer differentiates their sum.
type Objective []Term

// Total sums every term.
func (o Objective) Total() float64 {
	total := 0.0
	for _, t := range o {
		total += t.Value
	}
	return total
}

// Get returns the value of the named term and whether it was present.
func (o Objective) Get(name string) (float64, bool) {
	for _, t := range o {
		if t.Name == name {
			return t.Value, true
		}
	}
	return 0, false
}

// Finite reports whether every term is a finite number.
func (o Objective) Finite() bool {
	for _, t := range o {
		if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
			return false
		}
	}
	return true
}

// Fields renders the terms plus their total as logrus fields.
func (o Objective) Fields() logrus.Fields {
	f := logrus.Fields{"loss": o.Total()}
	for _, t := range o {
		f[t.Name] = t.Value
	}
	return f
}
