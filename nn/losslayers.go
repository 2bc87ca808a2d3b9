package nn

import (
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
	"github.com/openfluke/scdag/loss"
)

// KLDivergence scores the posterior (mean, logVar) against a fixed Gaussian
// reference and forwards z unchanged.
type KLDivergence struct {
	Beta   float64
	Mean   float64 // reference mean, broadcast
	LogVar float64 // reference log variance, broadcast

	mean, logVar *mat.Dense
}

func NewKLDivergence(beta, mean, logVar float64) *KLDivergence {
	return &KLDivergence{Beta: beta, Mean: mean, LogVar: logVar}
}

// Forward returns z and beta times the batch mean of the per-row KL summed
// over latent dimensions.
func (k *KLDivergence) Forward(mean, logVar, z *mat.Dense) (*mat.Dense, loss.Term, error) {
	r, c := mean.Dims()
	if lr, lc := logVar.Dims(); lr != r || lc != c {
		return nil, loss.Term{}, shapeErr("kl_divergence", "log variance is %dx%d, mean is %dx%d", lr, lc, r, c)
	}

	sum := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sum += loss.GaussianKL(mean.At(i, j), logVar.At(i, j), k.Mean, k.LogVar)
		}
	}
	k.mean, k.logVar = mean, logVar
	return z, loss.Term{Name: loss.TermKL, Value: k.Beta * sum / float64(r)}, nil
}

// Backward returns the gradient of the term with respect to mean and logVar.
func (k *KLDivergence) Backward() (dMean, dLogVar *mat.Dense, err error) {
	if k.mean == nil {
		return nil, nil, ErrNotForwarded
	}
	r, c := k.mean.Dims()
	scale := k.Beta / float64(r)
	dMean = mat.NewDense(r, c, nil)
	dLogVar = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			gm, gv := loss.GaussianKLGrad(k.mean.At(i, j), k.logVar.At(i, j), k.Mean, k.LogVar)
			dMean.Set(i, j, scale*gm)
			dLogVar.Set(i, j, scale*gv)
		}
	}
	return dMean, dLogVar, nil
}

// ReconstructionLoss scores the decoder parameters against the observed
// counts and forwards the parameters unchanged.
type ReconstructionLoss struct {
	Kind loss.Kind
	Eps  float64

	lik *loss.Likelihood

	y *mat.Dense
	p loss.Params
}

func NewReconstructionLoss(kind loss.Kind, eps float64, b compute.Backend) (*ReconstructionLoss, error) {
	lik, err := loss.NewLikelihood(kind, eps, b)
	if err != nil {
		return nil, err
	}
	return &ReconstructionLoss{Kind: kind, Eps: eps, lik: lik}, nil
}

func (l *ReconstructionLoss) Forward(y *mat.Dense, p loss.Params) (loss.Params, loss.Term, error) {
	r, c := y.Dims()
	for name, m := range map[string]*mat.Dense{"mu": p.Mu, "disp": p.Disp, "pi": p.Pi} {
		if mr, mc := m.Dims(); mr != r || mc != c {
			return loss.Params{}, loss.Term{}, shapeErr("reconstruction", "%s is %dx%d, counts are %dx%d", name, mr, mc, r, c)
		}
	}
	l.y, l.p = y, p
	return p, loss.Term{Name: loss.TermReconstruction, Value: l.lik.Loss(y, p)}, nil
}

func (l *ReconstructionLoss) Backward() (loss.Params, error) {
	if l.y == nil {
		return loss.Params{}, ErrNotForwarded
	}
	return l.lik.Grad(l.y, l.p), nil
}

// ConstraintLoss applies the augmented Lagrangian of the acyclicity measure.
// The multipliers are handed in on every call by the training loop.
type ConstraintLoss struct {
	Alpha float64

	b compute.Backend

	h     float64
	slope float64
	grad  *mat.Dense
}

func NewConstraintLoss(alpha float64, b compute.Backend) *ConstraintLoss {
	return &ConstraintLoss{Alpha: alpha, b: b}
}

// Forward returns the pass-through value, the constraint term and h(A).
func (c *ConstraintLoss) Forward(a *mat.Dense, m loss.Multipliers, p loss.Params) (loss.Params, loss.Term, float64) {
	h, grad := loss.AcyclicityGrad(c.b, a, c.Alpha)
	c.h, c.grad = h, grad
	c.slope = loss.LagrangianSlope(m, h)
	return p, loss.Term{Name: loss.TermConstraint, Value: loss.Lagrangian(m, h)}, h
}

// H is h(A) from the last forward pass.
func (c *ConstraintLoss) H() float64 { return c.h }

// Backward returns ∂term/∂A.
func (c *ConstraintLoss) Backward() (*mat.Dense, error) {
	if c.grad == nil {
		return nil, ErrNotForwarded
	}
	var dA mat.Dense
	dA.Scale(c.slope, c.grad)
	return &dA, nil
}
