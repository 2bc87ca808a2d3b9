package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
)

// Dense is a fully connected layer: out = act(x·W + b).
type Dense struct {
	Name       string
	InputSize  int
	OutputSize int
	Activation Activation

	Kernel *Param // InputSize × OutputSize
	Bias   *Param // 1 × OutputSize

	b compute.Backend

	// forward cache
	input  *mat.Dense
	preAct *mat.Dense
}

// NewDense returns a Glorot-uniform initialised layer with zero bias.
func NewDense(name string, inputSize, outputSize int, act Activation, b compute.Backend, rng *rand.Rand) *Dense {
	limit := math.Sqrt(6 / float64(inputSize+outputSize))
	w := make([]float64, inputSize*outputSize)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
	return &Dense{
		Name:       name,
		InputSize:  inputSize,
		OutputSize: outputSize,
		Activation: act,
		Kernel:     newParam(name+"/kernel", mat.NewDense(inputSize, outputSize, w)),
		Bias:       newParam(name+"/bias", mat.NewDense(1, outputSize, nil)),
		b:          b,
	}
}

// Forward returns act(x·W + b) and caches what Backward needs.
func (d *Dense) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, c := x.Dims()
	if c != d.InputSize {
		return nil, shapeErr(d.Name, "input has %d columns, want %d", c, d.InputSize)
	}

	pre := d.b.MatMul(x, d.Kernel.Value)
	bias := d.Bias.Value.RawRowView(0)
	rows, _ := pre.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(pre.RawRowView(i), bias)
	}

	d.input = x
	d.preAct = pre
	return applyActivation(pre, d.Activation), nil
}

// Backward accumulates dW and db from dOut and returns dX.
func (d *Dense) Backward(dOut *mat.Dense) (*mat.Dense, error) {
	if d.preAct == nil {
		return nil, ErrNotForwarded
	}
	r, c := dOut.Dims()
	if pr, pc := d.preAct.Dims(); r != pr || c != pc {
		return nil, shapeErr(d.Name, "gradient is %dx%d, output is %dx%d", r, c, pr, pc)
	}

	gradPre := mat.NewDense(r, c, nil)
	gradPre.Apply(func(i, j int, v float64) float64 {
		return v * activateDerivative(d.preAct.At(i, j), d.Activation)
	}, dOut)

	dW := d.b.MatMul(d.input.T(), gradPre)
	d.Kernel.Grad.Add(d.Kernel.Grad, dW)

	db := d.Bias.Grad.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(db, gradPre.RawRowView(i))
	}

	return d.b.MatMul(gradPre, d.Kernel.Value.T()), nil
}

func (d *Dense) Params() []*Param { return []*Param{d.Kernel, d.Bias} }
