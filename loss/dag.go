package loss

import (
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
)

// Multipliers is the augmented-Lagrangian state of the acyclicity
// constraint. It lives in the training loop, not in the optimizer.
type Multipliers struct {
	Lambda  float64 `json:"lambda_a"`
	Penalty float64 `json:"penalty_a"`
}

// InitialMultipliers returns lambda_A = 0, penalty_A = 1.
func InitialMultipliers() Multipliers {
	return Multipliers{Lambda: 0, Penalty: 1}
}

// Step returns the multipliers advanced by the given increments.
func (m Multipliers) Step(dLambda, dPenalty float64) Multipliers {
	return Multipliers{Lambda: m.Lambda + dLambda, Penalty: m.Penalty + dPenalty}
}

// acyclicityBase returns I + alpha*A∘A.
func acyclicityBase(a mat.Matrix, alpha float64) *mat.Dense {
	n, _ := a.Dims()
	b := compute.Identity(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := a.At(i, j)
			b.Set(i, j, b.At(i, j)+alpha*v*v)
		}
	}
	return b
}

// Acyclicity returns h(A) = tr((I + alpha*A∘A)^n) - n. It is zero exactly
// when the weighted graph A has no directed cycle and positive otherwise.
func Acyclicity(b compute.Backend, a mat.Matrix, alpha float64) float64 {
	h, _ := acyclicity(b, a, alpha, false)
	return h
}

// AcyclicityGrad returns h(A) and ∂h/∂A = n * ((I + alpha*A∘A)^(n-1))ᵀ ∘ 2*alpha*A.
func AcyclicityGrad(b compute.Backend, a mat.Matrix, alpha float64) (float64, *mat.Dense) {
	return acyclicity(b, a, alpha, true)
}

func acyclicity(b compute.Backend, a mat.Matrix, alpha float64, withGrad bool) (float64, *mat.Dense) {
	n, c := a.Dims()
	if n != c {
		panic(mat.ErrSquare)
	}

	base := acyclicityBase(a, alpha)
	prev := compute.Pow(b, base, n-1)
	full := b.MatMul(prev, base)
	h := mat.Trace(full) - float64(n)
	if !withGrad {
		return h, nil
	}

	grad := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			grad.Set(i, j, float64(n)*prev.At(j, i)*2*alpha*a.At(i, j))
		}
	}
	return h, grad
}

// Lagrangian combines h(A) with the multipliers: lambda*h + 0.5*penalty*h^2.
func Lagrangian(m Multipliers, h float64) float64 {
	return m.Lambda*h + 0.5*m.Penalty*h*h
}

// LagrangianSlope is dLagrangian/dh.
func LagrangianSlope(m Multipliers, h float64) float64 {
	return m.Lambda + m.Penalty*h
}
