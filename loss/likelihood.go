package loss

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
)

const (
	// DefaultEps floors every log and power argument.
	DefaultEps = 1e-10

	// ZeroThreshold is the count below which an entry takes the
	// structural-zero branch of the ZINB likelihood.
	ZeroThreshold = 1e-8
)

// Kind selects the observation model of the reconstruction term.
type Kind int

const (
	Gaussian Kind = iota // -(y-mu)^2, MSE-equivalent
	NB                   // negative binomial
	ZINB                 // zero-inflated negative binomial
)

// ErrUnknownKind is returned when a likelihood name cannot be parsed.
var ErrUnknownKind = errors.New("unknown likelihood")

func (k Kind) String() string {
	switch k {
	case Gaussian:
		return "gaussian"
	case NB:
		return "nb"
	case ZINB:
		return "zinb"
	default:
		return "unknown"
	}
}

// ParseKind maps a name back to a Kind. "mse" is accepted for Gaussian.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "gaussian", "mse":
		return Gaussian, nil
	case "nb":
		return NB, nil
	case "zinb":
		return ZINB, nil
	default:
		return 0, errors.Wrapf(ErrUnknownKind, "%q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < Gaussian || k > ZINB {
		return nil, errors.Wrapf(ErrUnknownKind, "%d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Params are the per-cell, per-gene outputs of the decoder.
type Params struct {
	Mu   *mat.Dense // mean
	Disp *mat.Dense // dispersion r
	Pi   *mat.Dense // zero-inflation probability
}

// Likelihood evaluates one observation model. The kind is resolved to its
// scalar functions at construction so the configuration stays plain data.
type Likelihood struct {
	kind Kind
	eps  float64
	b    compute.Backend

	logLik   func(y, mu, r, pi float64) float64
	partials func(y, mu, r, pi float64) (dMu, dR, dPi float64)
}

// NewLikelihood resolves kind against the backend's special functions.
func NewLikelihood(kind Kind, eps float64, b compute.Backend) (*Likelihood, error) {
	if eps <= 0 {
		return nil, errors.Errorf("likelihood eps must be positive, got %g", eps)
	}
	l := &Likelihood{kind: kind, eps: eps, b: b}
	switch kind {
	case Gaussian:
		l.logLik = func(y, mu, _, _ float64) float64 { return MeanSquaredError(y, mu) }
		l.partials = func(y, mu, _, _ float64) (float64, float64, float64) { return 2 * (y - mu), 0, 0 }
	case NB:
		l.logLik = func(y, mu, r, _ float64) float64 { return l.NBLogLik(y, mu, r) }
		l.partials = func(y, mu, r, _ float64) (float64, float64, float64) {
			dMu, dR := l.NBGrad(y, mu, r)
			return dMu, dR, 0
		}
	case ZINB:
		l.logLik = l.ZINBLogLik
		l.partials = l.ZINBGrad
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%d", int(kind))
	}
	return l, nil
}

func (l *Likelihood) Kind() Kind   { return l.kind }
func (l *Likelihood) Eps() float64 { return l.eps }

// MeanSquaredError is the Gaussian log-likelihood up to constants: -(y-mu)^2.
func MeanSquaredError(y, mu float64) float64 {
	d := y - mu
	return -d * d
}

// NBLogLik is the negative binomial log-likelihood of count y with mean mu
// and dispersion r.
func (l *Likelihood) NBLogLik(y, mu, r float64) float64 {
	e := l.eps
	s := r + mu + e
	l1 := l.b.Lgamma(y+r+e) - l.b.Lgamma(r+e) - l.b.Lgamma(y+1)
	l2 := y*math.Log((mu+e)/s) + r*math.Log((r+e)/s)
	return l1 + l2
}

// NBGrad returns ∂/∂mu and ∂/∂r of NBLogLik.
func (l *Likelihood) NBGrad(y, mu, r float64) (dMu, dR float64) {
	e := l.eps
	s := r + mu + e
	dMu = y/(mu+e) - (y+r)/s
	dR = l.b.Digamma(y+r+e) - l.b.Digamma(r+e) - y/s + math.Log((r+e)/s) + r/(r+e) - r/s
	return dMu, dR
}

// ZINBLogLik is the zero-inflated NB log-likelihood. Counts below
// ZeroThreshold use the structural-zero mixture; the rest use the NB
// likelihood scaled by (1-pi).
func (l *Likelihood) ZINBLogLik(y, mu, r, pi float64) float64 {
	e := l.eps
	if y < ZeroThreshold {
		p := math.Pow(r/(r+mu+e), r)
		return math.Log(e + pi + (1-pi)*p)
	}
	return math.Log(1-pi+e) + l.NBLogLik(y, mu, r)
}

// ZINBGrad returns ∂/∂mu, ∂/∂r and ∂/∂pi of ZINBLogLik.
func (l *Likelihood) ZINBGrad(y, mu, r, pi float64) (dMu, dR, dPi float64) {
	e := l.eps
	if y >= ZeroThreshold {
		dMu, dR = l.NBGrad(y, mu, r)
		return dMu, dR, -1 / (1 - pi + e)
	}

	s := r + mu + e
	t := r / s
	p := math.Pow(t, r)
	d := e + pi + (1-pi)*p

	dPdMu := -p * r / s
	dPdR := 0.0
	if r > 0 {
		dPdR = p * (math.Log(t) + 1 - r/s)
	}
	return (1 - pi) * dPdMu / d, (1 - pi) * dPdR / d, (1 - p) / d
}

// LogLik evaluates the configured kind at one entry.
func (l *Likelihood) LogLik(y, mu, r, pi float64) float64 {
	return l.logLik(y, mu, r, pi)
}

// Partials evaluates the configured kind's partials at one entry.
func (l *Likelihood) Partials(y, mu, r, pi float64) (dMu, dR, dPi float64) {
	return l.partials(y, mu, r, pi)
}

// Loss is the negated mean log-likelihood over every entry of y.
func (l *Likelihood) Loss(y *mat.Dense, p Params) float64 {
	rows, cols := y.Dims()
	sum := 0.0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			sum += l.logLik(y.At(i, j), p.Mu.At(i, j), p.Disp.At(i, j), p.Pi.At(i, j))
		}
	}
	return -sum / float64(rows*cols)
}

// Grad returns the gradient of Loss with respect to each decoder output.
func (l *Likelihood) Grad(y *mat.Dense, p Params) Params {
	rows, cols := y.Dims()
	scale := -1 / float64(rows*cols)
	g := Params{
		Mu:   mat.NewDense(rows, cols, nil),
		Disp: mat.NewDense(rows, cols, nil),
		Pi:   mat.NewDense(rows, cols, nil),
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dMu, dR, dPi := l.partials(y.At(i, j), p.Mu.At(i, j), p.Disp.At(i, j), p.Pi.At(i, j))
			g.Mu.Set(i, j, scale*dMu)
			g.Disp.Set(i, j, scale*dR)
			g.Pi.Set(i, j, scale*dPi)
		}
	}
	return g
}
