// Package nn holds the layers and the model of the DAG-structured ZINB
// autoencoder. Every layer implements its own forward and backward pass on
// gonum matrices; heavy products are routed through a compute.Backend.
//
// Loss-producing layers return a named loss.Term next to their pass-through
// output. Nothing is accumulated behind the caller's back: the model collects
// the terms into a loss.Objective and the trainer sums it.
package nn

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrShape reports a dimension mismatch between a layer and its inputs.
	ErrShape = errors.New("shape mismatch")

	// ErrSingular reports that I - Aᵀ could not be inverted.
	ErrSingular = errors.New("structural matrix is singular")

	// ErrNotForwarded is returned by Backward when no forward pass is cached.
	ErrNotForwarded = errors.New("backward called before forward")
)

// Param is one trainable tensor and its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, value *mat.Dense) *Param {
	r, c := value.Dims()
	return &Param{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Size is the number of scalar weights.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func shapeErr(layer string, format string, args ...interface{}) error {
	return errors.Wrapf(ErrShape, layer+": "+format, args...)
}
