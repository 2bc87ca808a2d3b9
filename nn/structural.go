package nn

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
)

// structural returns I - Aᵀ.
func structural(a mat.Matrix) *mat.Dense {
	n, _ := a.Dims()
	m := compute.Identity(n)
	m.Sub(m, a.T())
	return m
}

// TransMultA owns the adjacency matrix A and left-multiplies every input by
// I - Aᵀ. A starts at zero, so the transform starts as the identity.
type TransMultA struct {
	NNodes int
	A      *Param

	b compute.Backend

	m      *mat.Dense
	inputs []*mat.Dense
}

func NewTransMultA(nNodes int, b compute.Backend) *TransMultA {
	return &TransMultA{
		NNodes: nNodes,
		A:      newParam("trans_mult_a/adj", mat.NewDense(nNodes, nNodes, nil)),
		b:      b,
	}
}

// Forward returns (I - Aᵀ)·x for each x, and A itself.
func (t *TransMultA) Forward(xs ...*mat.Dense) ([]*mat.Dense, *mat.Dense, error) {
	for i, x := range xs {
		if r, _ := x.Dims(); r != t.NNodes {
			return nil, nil, shapeErr("trans_mult_a", "input %d has %d rows, want %d", i, r, t.NNodes)
		}
	}

	t.m = structural(t.A.Value)
	t.inputs = xs
	out := make([]*mat.Dense, len(xs))
	for i, x := range xs {
		out[i] = t.b.MatMul(t.m, x)
	}
	return out, t.A.Value, nil
}

// Backward accumulates ∂/∂A and returns the gradient of each input.
func (t *TransMultA) Backward(dOuts []*mat.Dense) ([]*mat.Dense, error) {
	if t.m == nil {
		return nil, ErrNotForwarded
	}
	if len(dOuts) != len(t.inputs) {
		return nil, shapeErr("trans_mult_a", "%d gradients for %d inputs", len(dOuts), len(t.inputs))
	}

	dX := make([]*mat.Dense, len(dOuts))
	for k, d := range dOuts {
		dX[k] = t.b.MatMul(t.m.T(), d)
		// ∂/∂A = -(dOut·xᵀ)ᵀ = -x·dOutᵀ
		t.A.Grad.Sub(t.A.Grad, t.b.MatMul(t.inputs[k], d.T()))
	}
	return dX, nil
}

func (t *TransMultA) Params() []*Param { return []*Param{t.A} }

// InvTransMultA left-multiplies every input by (I - Aᵀ)⁻¹ for an A it is
// handed, so encoder and decoder share one adjacency parameter.
type InvTransMultA struct {
	NNodes int

	b   compute.Backend
	log *logrus.Entry

	inv     *mat.Dense
	outputs []*mat.Dense
}

func NewInvTransMultA(nNodes int, b compute.Backend, log *logrus.Entry) *InvTransMultA {
	if log == nil {
		log = discardLogger()
	}
	return &InvTransMultA{NNodes: nNodes, b: b, log: log.WithField("layer", "inv_trans_mult_a")}
}

// Invert returns (I - Aᵀ)⁻¹. An ill-conditioned but invertible matrix is
// logged and returned; an exactly singular one is an ErrSingular.
func (t *InvTransMultA) Invert(a mat.Matrix) (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(structural(a)); err != nil {
		cond, ok := err.(mat.Condition)
		if !ok || math.IsInf(float64(cond), 1) {
			return nil, errors.Wrap(ErrSingular, err.Error())
		}
		t.log.WithField("condition", float64(cond)).Warn("I - Aᵀ is ill-conditioned")
	}
	return &inv, nil
}

// Forward returns (I - Aᵀ)⁻¹·x for each x.
func (t *InvTransMultA) Forward(xs []*mat.Dense, a mat.Matrix) ([]*mat.Dense, error) {
	if r, c := a.Dims(); r != t.NNodes || c != t.NNodes {
		return nil, shapeErr("inv_trans_mult_a", "adjacency is %dx%d, want %dx%d", r, c, t.NNodes, t.NNodes)
	}
	for i, x := range xs {
		if r, _ := x.Dims(); r != t.NNodes {
			return nil, shapeErr("inv_trans_mult_a", "input %d has %d rows, want %d", i, r, t.NNodes)
		}
	}

	inv, err := t.Invert(a)
	if err != nil {
		return nil, err
	}
	t.inv = inv
	t.outputs = make([]*mat.Dense, len(xs))
	for i, x := range xs {
		t.outputs[i] = t.b.MatMul(inv, x)
	}
	return t.outputs, nil
}

// Backward returns the gradient of each input and of A.
func (t *InvTransMultA) Backward(dOuts []*mat.Dense) ([]*mat.Dense, *mat.Dense, error) {
	if t.inv == nil {
		return nil, nil, ErrNotForwarded
	}
	if len(dOuts) != len(t.outputs) {
		return nil, nil, shapeErr("inv_trans_mult_a", "%d gradients for %d inputs", len(dOuts), len(t.outputs))
	}

	dA := mat.NewDense(t.NNodes, t.NNodes, nil)
	dX := make([]*mat.Dense, len(dOuts))
	for k, d := range dOuts {
		dX[k] = t.b.MatMul(t.inv.T(), d)
		// ∂/∂M = -dX·yᵀ, and ∂/∂A = -(∂/∂M)ᵀ = y·dXᵀ
		dA.Add(dA, t.b.MatMul(t.outputs[k], dX[k].T()))
	}
	return dX, dA, nil
}
