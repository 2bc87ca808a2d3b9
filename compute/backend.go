// Package compute holds the numeric strategy the model runs on. A Backend is
// resolved once at start-up (see Select) and injected into layers and loss
// functions, so nothing downstream branches on ambient capability flags.
package compute

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// Backend is the numeric strategy used for the heavy and the special-function
// parts of a forward/backward pass.
type Backend interface {
	// Name identifies the backend in logs and saved models.
	Name() string

	// MatMul returns a*b as a new matrix.
	MatMul(a, b mat.Matrix) *mat.Dense

	// Lgamma returns log|Γ(x)|.
	Lgamma(x float64) float64

	// Digamma returns ψ(x) = d/dx log Γ(x).
	Digamma(x float64) float64
}

// CPU is the reference backend built on gonum.
type CPU struct{}

// NewCPU returns the gonum backend.
func NewCPU() CPU { return CPU{} }

func (CPU) Name() string { return "cpu" }

func (CPU) MatMul(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b)
	return &out
}

func (CPU) Lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func (CPU) Digamma(x float64) float64 { return mathext.Digamma(x) }
