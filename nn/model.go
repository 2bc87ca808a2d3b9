package nn

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
	"github.com/openfluke/scdag/loss"
)

// Config describes the whole autoencoder. Every layer can be rebuilt from it.
type Config struct {
	InputDim   int       `json:"input_dim"`
	NNodes     int       `json:"n_nodes"`
	LatentDim  int       `json:"latent_dim"`
	Likelihood loss.Kind `json:"likelihood"`
	Eps        float64   `json:"eps"`
	Beta       float64   `json:"beta"`
	RefMean    float64   `json:"ref_mean"`
	RefLogVar  float64   `json:"ref_log_var"`
	Alpha      float64   `json:"alpha"` // 0 means 1/NNodes
	Seed       int64     `json:"seed"`
}

// DefaultConfig returns the configuration used for a cells × genes matrix.
func DefaultConfig(inputDim, nNodes int) Config {
	return Config{
		InputDim:   inputDim,
		NNodes:     nNodes,
		LatentDim:  20,
		Likelihood: loss.ZINB,
		Eps:        loss.DefaultEps,
		Beta:       1,
		Seed:       1,
	}
}

// Validate checks the dimensions and fills derived defaults.
func (c *Config) Validate() error {
	switch {
	case c.InputDim <= 0:
		return errors.Errorf("input_dim must be positive, got %d", c.InputDim)
	case c.NNodes <= 0:
		return errors.Errorf("n_nodes must be positive, got %d", c.NNodes)
	case c.LatentDim <= 0:
		return errors.Errorf("latent_dim must be positive, got %d", c.LatentDim)
	case c.Alpha < 0:
		return errors.Errorf("alpha must be positive, got %g", c.Alpha)
	}
	if c.Alpha == 0 {
		c.Alpha = 1 / float64(c.NNodes)
	}
	if c.Eps == 0 {
		c.Eps = loss.DefaultEps
	}
	return nil
}

// EncoderOutput is what the encoder emits for one batch.
type EncoderOutput struct {
	ZMean   *mat.Dense
	ZLogVar *mat.Dense
	Z       *mat.Dense
	A       *mat.Dense
}

// Encoder maps counts to the structural latent posterior and a sample of it.
type Encoder struct {
	ZMean   *Dense
	ZLogVar *Dense
	Trans   *TransMultA
	Sample  *Sample
}

func newEncoder(cfg Config, b compute.Backend, rng *rand.Rand) *Encoder {
	return &Encoder{
		ZMean:   NewDense("z_mean", cfg.InputDim, cfg.LatentDim, ActivationLinear, b, rng),
		ZLogVar: NewDense("z_log_var", cfg.InputDim, cfg.LatentDim, ActivationLinear, b, rng),
		Trans:   NewTransMultA(cfg.NNodes, b),
		Sample:  NewSample(cfg.LatentDim, rng),
	}
}

func (e *Encoder) forward(x, noise *mat.Dense) (EncoderOutput, error) {
	pm, err := e.ZMean.Forward(x)
	if err != nil {
		return EncoderOutput{}, err
	}
	pv, err := e.ZLogVar.Forward(x)
	if err != nil {
		return EncoderOutput{}, err
	}
	out, a, err := e.Trans.Forward(pm, pv)
	if err != nil {
		return EncoderOutput{}, err
	}

	var z *mat.Dense
	if noise == nil {
		z, err = e.Sample.Forward(out[0], out[1])
	} else {
		z, err = e.Sample.ForwardNoise(out[0], out[1], noise)
	}
	if err != nil {
		return EncoderOutput{}, err
	}
	return EncoderOutput{ZMean: out[0], ZLogVar: out[1], Z: z, A: a}, nil
}

// Forward runs the encoder with fresh noise.
func (e *Encoder) Forward(x *mat.Dense) (EncoderOutput, error) { return e.forward(x, nil) }

// Backward takes the gradients reaching z_mean, z_log_var and z from
// downstream and pushes them into the encoder's parameters.
func (e *Encoder) Backward(dMean, dLogVar, dZ *mat.Dense) error {
	sm, sv, err := e.Sample.Backward(dZ)
	if err != nil {
		return err
	}
	sm.Add(sm, dMean)
	sv.Add(sv, dLogVar)

	dx, err := e.Trans.Backward([]*mat.Dense{sm, sv})
	if err != nil {
		return err
	}
	if _, err := e.ZMean.Backward(dx[0]); err != nil {
		return err
	}
	_, err = e.ZLogVar.Backward(dx[1])
	return err
}

func (e *Encoder) Params() []*Param {
	ps := append(e.ZMean.Params(), e.ZLogVar.Params()...)
	return append(ps, e.Trans.Params()...)
}

// Decoder maps (z, A) back to the parameters of the count distribution.
type Decoder struct {
	Inv  *InvTransMultA
	Mu   *Dense
	Disp *Dense
	Pi   *Dense
}

func newDecoder(cfg Config, b compute.Backend, rng *rand.Rand, log *logrus.Entry) *Decoder {
	return &Decoder{
		Inv:  NewInvTransMultA(cfg.NNodes, b, log),
		Mu:   NewDense("mu", cfg.LatentDim, cfg.InputDim, ActivationMean, b, rng),
		Disp: NewDense("disp", cfg.LatentDim, cfg.InputDim, ActivationDisp, b, rng),
		Pi:   NewDense("pi", cfg.LatentDim, cfg.InputDim, ActivationSigmoid, b, rng),
	}
}

func (d *Decoder) Forward(z, a *mat.Dense) (loss.Params, error) {
	xs, err := d.Inv.Forward([]*mat.Dense{z}, a)
	if err != nil {
		return loss.Params{}, err
	}
	x := xs[0]

	var p loss.Params
	if p.Mu, err = d.Mu.Forward(x); err != nil {
		return loss.Params{}, err
	}
	if p.Disp, err = d.Disp.Forward(x); err != nil {
		return loss.Params{}, err
	}
	if p.Pi, err = d.Pi.Forward(x); err != nil {
		return loss.Params{}, err
	}
	return p, nil
}

// Backward returns the gradients reaching z and A.
func (d *Decoder) Backward(g loss.Params) (dZ, dA *mat.Dense, err error) {
	heads := []struct {
		layer *Dense
		grad  *mat.Dense
	}{{d.Mu, g.Mu}, {d.Disp, g.Disp}, {d.Pi, g.Pi}}

	var dX *mat.Dense
	for _, h := range heads {
		dx, err := h.layer.Backward(h.grad)
		if err != nil {
			return nil, nil, err
		}
		if dX == nil {
			dX = dx
		} else {
			dX.Add(dX, dx)
		}
	}

	dzs, dA, err := d.Inv.Backward([]*mat.Dense{dX})
	if err != nil {
		return nil, nil, err
	}
	return dzs[0], dA, nil
}

func (d *Decoder) Params() []*Param {
	ps := append(d.Mu.Params(), d.Disp.Params()...)
	return append(ps, d.Pi.Params()...)
}

// Autoencoder chains encoder → KL → decoder → reconstruction → constraint.
type Autoencoder struct {
	ID     string
	Config Config

	Encoder    *Encoder
	Decoder    *Decoder
	KL         *KLDivergence
	Recon      *ReconstructionLoss
	Constraint *ConstraintLoss

	b   compute.Backend
	log *logrus.Entry
}

// New builds the model. A starts at zero; dense kernels are Glorot-uniform
// from a source seeded with cfg.Seed.
func New(cfg Config, b compute.Backend, log *logrus.Entry) (*Autoencoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = discardLogger()
	}
	recon, err := NewReconstructionLoss(cfg.Likelihood, cfg.Eps, b)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Autoencoder{
		ID:         uuid.NewString(),
		Config:     cfg,
		Encoder:    newEncoder(cfg, b, rng),
		Decoder:    newDecoder(cfg, b, rng, log),
		KL:         NewKLDivergence(cfg.Beta, cfg.RefMean, cfg.RefLogVar),
		Recon:      recon,
		Constraint: NewConstraintLoss(cfg.Alpha, b),
		b:          b,
		log:        log,
	}
	log.WithFields(logrus.Fields{
		"id":         m.ID,
		"input_dim":  cfg.InputDim,
		"n_nodes":    cfg.NNodes,
		"latent_dim": cfg.LatentDim,
		"likelihood": cfg.Likelihood,
		"backend":    b.Name(),
	}).Debug("built autoencoder")
	return m, nil
}

func (m *Autoencoder) checkInput(x *mat.Dense) error {
	if r, c := x.Dims(); r != m.Config.NNodes || c != m.Config.InputDim {
		return shapeErr("autoencoder", "input is %dx%d, want %dx%d", r, c, m.Config.NNodes, m.Config.InputDim)
	}
	return nil
}

// Forward runs the full graph on x, which is both input and target. The
// multipliers parameterise the constraint term for this pass only.
func (m *Autoencoder) Forward(x *mat.Dense, mult loss.Multipliers) (loss.Params, loss.Objective, error) {
	return m.forward(x, mult, nil)
}

func (m *Autoencoder) forward(x *mat.Dense, mult loss.Multipliers, noise *mat.Dense) (loss.Params, loss.Objective, error) {
	if err := m.checkInput(x); err != nil {
		return loss.Params{}, nil, err
	}

	enc, err := m.Encoder.forward(x, noise)
	if err != nil {
		return loss.Params{}, nil, err
	}
	z, kl, err := m.KL.Forward(enc.ZMean, enc.ZLogVar, enc.Z)
	if err != nil {
		return loss.Params{}, nil, err
	}
	p, err := m.Decoder.Forward(z, enc.A)
	if err != nil {
		return loss.Params{}, nil, err
	}
	p, rec, err := m.Recon.Forward(x, p)
	if err != nil {
		return loss.Params{}, nil, err
	}
	p, con, _ := m.Constraint.Forward(enc.A, mult, p)

	return p, loss.Objective{kl, rec, con}, nil
}

// Backward accumulates the gradient of the last Objective's total into every
// parameter. Call ZeroGrad between steps.
func (m *Autoencoder) Backward() error {
	gp, err := m.Recon.Backward()
	if err != nil {
		return errors.Wrap(err, "reconstruction")
	}
	dZ, dADec, err := m.Decoder.Backward(gp)
	if err != nil {
		return errors.Wrap(err, "decoder")
	}
	dMean, dLogVar, err := m.KL.Backward()
	if err != nil {
		return errors.Wrap(err, "kl")
	}
	dACon, err := m.Constraint.Backward()
	if err != nil {
		return errors.Wrap(err, "constraint")
	}
	if err := m.Encoder.Backward(dMean, dLogVar, dZ); err != nil {
		return errors.Wrap(err, "encoder")
	}

	g := m.Encoder.Trans.A.Grad
	g.Add(g, dADec)
	g.Add(g, dACon)
	return nil
}

// Params lists every trainable tensor in a stable order.
func (m *Autoencoder) Params() []*Param {
	return append(m.Encoder.Params(), m.Decoder.Params()...)
}

func (m *Autoencoder) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// Adjacency is the learned A.
func (m *Autoencoder) Adjacency() *mat.Dense { return m.Encoder.Trans.A.Value }

// H is h(A) at the last forward pass.
func (m *Autoencoder) H() float64 { return m.Constraint.H() }

func (m *Autoencoder) Backend() compute.Backend { return m.b }

// Encode runs only the encoder.
func (m *Autoencoder) Encode(x *mat.Dense) (EncoderOutput, error) {
	if err := m.checkInput(x); err != nil {
		return EncoderOutput{}, err
	}
	return m.Encoder.Forward(x)
}

// Reconstruct returns the decoder's distribution parameters for x, decoding
// the posterior mean rather than a sample.
func (m *Autoencoder) Reconstruct(x *mat.Dense) (loss.Params, error) {
	enc, err := m.Encode(x)
	if err != nil {
		return loss.Params{}, err
	}
	return m.Decoder.Forward(enc.ZMean, enc.A)
}
