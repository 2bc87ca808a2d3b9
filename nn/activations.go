package nn

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Activation is the output nonlinearity of a Dense layer.
type Activation int

const (
	ActivationLinear  Activation = iota
	ActivationMean               // clip(exp(v), 1e-5, 1e6)
	ActivationDisp               // clip(softplus(v), 1e-4, 1e4)
	ActivationSigmoid            // 1/(1+e^-v)
)

// Output bounds of the decoder heads.
const (
	MeanMin = 1e-5
	MeanMax = 1e6
	DispMin = 1e-4
	DispMax = 1e4
)

func activationToString(a Activation) string {
	switch a {
	case ActivationLinear:
		return "linear"
	case ActivationMean:
		return "mean"
	case ActivationDisp:
		return "disp"
	case ActivationSigmoid:
		return "sigmoid"
	default:
		return "unknown"
	}
}

func stringToActivation(s string) (Activation, error) {
	switch strings.ToLower(s) {
	case "linear", "":
		return ActivationLinear, nil
	case "mean":
		return ActivationMean, nil
	case "disp":
		return ActivationDisp, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	default:
		return 0, errors.Errorf("unknown activation %q", s)
	}
}

func (a Activation) String() string { return activationToString(a) }

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// softplus is log(1+e^v) without overflow for large v.
func softplus(v float64) float64 {
	if v > 30 {
		return v
	}
	return math.Log1p(math.Exp(v))
}

func activate(v float64, a Activation) float64 {
	switch a {
	case ActivationMean:
		return clip(math.Exp(v), MeanMin, MeanMax)
	case ActivationDisp:
		return clip(softplus(v), DispMin, DispMax)
	case ActivationSigmoid:
		return sigmoid(v)
	default:
		return v
	}
}

// activateDerivative is d activate / dv at the pre-activation v. Clipped
// regions have zero slope.
func activateDerivative(v float64, a Activation) float64 {
	switch a {
	case ActivationMean:
		e := math.Exp(v)
		if e < MeanMin || e > MeanMax {
			return 0
		}
		return e
	case ActivationDisp:
		s := softplus(v)
		if s < DispMin || s > DispMax {
			return 0
		}
		return sigmoid(v)
	case ActivationSigmoid:
		s := sigmoid(v)
		return s * (1 - s)
	default:
		return 1
	}
}

// applyActivation returns activate(pre) elementwise.
func applyActivation(pre *mat.Dense, a Activation) *mat.Dense {
	r, c := pre.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return activate(v, a) }, pre)
	return out
}
