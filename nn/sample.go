package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Sample is the reparameterisation trick: z = mean + exp(0.5·logVar)·ε with
// ε ~ N(0, 1) drawn fresh on every call.
type Sample struct {
	OutputDim int

	rng *rand.Rand

	logVar *mat.Dense
	noise  *mat.Dense
}

func NewSample(outputDim int, rng *rand.Rand) *Sample {
	return &Sample{OutputDim: outputDim, rng: rng}
}

// Forward draws one noise matrix shaped like mean and returns the sample.
func (s *Sample) Forward(mean, logVar *mat.Dense) (*mat.Dense, error) {
	r, c := mean.Dims()
	noise := mat.NewDense(r, c, nil)
	noise.Apply(func(_, _ int, _ float64) float64 { return s.rng.NormFloat64() }, noise)
	return s.ForwardNoise(mean, logVar, noise)
}

// ForwardNoise samples with caller-supplied noise.
func (s *Sample) ForwardNoise(mean, logVar, noise *mat.Dense) (*mat.Dense, error) {
	r, c := mean.Dims()
	if c != s.OutputDim {
		return nil, shapeErr("sample", "mean has %d columns, want %d", c, s.OutputDim)
	}
	if lr, lc := logVar.Dims(); lr != r || lc != c {
		return nil, shapeErr("sample", "log variance is %dx%d, mean is %dx%d", lr, lc, r, c)
	}
	if nr, nc := noise.Dims(); nr != r || nc != c {
		return nil, shapeErr("sample", "noise is %dx%d, mean is %dx%d", nr, nc, r, c)
	}

	z := mat.NewDense(r, c, nil)
	z.Apply(func(i, j int, m float64) float64 {
		return m + math.Exp(0.5*logVar.At(i, j))*noise.At(i, j)
	}, mean)

	s.logVar = logVar
	s.noise = noise
	return z, nil
}

// Backward maps dZ onto the mean and log-variance inputs.
func (s *Sample) Backward(dZ *mat.Dense) (dMean, dLogVar *mat.Dense, err error) {
	if s.noise == nil {
		return nil, nil, ErrNotForwarded
	}
	dMean = mat.DenseCopyOf(dZ)
	r, c := dZ.Dims()
	dLogVar = mat.NewDense(r, c, nil)
	dLogVar.Apply(func(i, j int, g float64) float64 {
		return g * 0.5 * math.Exp(0.5*s.logVar.At(i, j)) * s.noise.At(i, j)
	}, dZ)
	return dMean, dLogVar, nil
}
