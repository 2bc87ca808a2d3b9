package nn

import (
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
	"github.com/openfluke/scdag/loss"
)

const (
	bundleType    = "scdag/bundle"
	bundleVersion = 1
	weightsFormat = "jsonModelB64"
)

// Layer type names in saved models and blueprints.
const (
	TypeDense              = "dense"
	TypeTransMultA         = "trans_mult_a"
	TypeInvTransMultA      = "inv_trans_mult_a"
	TypeSample             = "sample"
	TypeKLDivergence       = "kl_divergence"
	TypeReconstructionLoss = "reconstruction_loss"
	TypeConstraintLoss     = "constraint_loss"
)

// ModelBundle is the on-disk container.
type ModelBundle struct {
	Type    string       `json:"type"`
	Version int          `json:"version"`
	Models  []SavedModel `json:"models"`
}

// SavedModel is one autoencoder with its configuration and weights.
type SavedModel struct {
	ID      string         `json:"id"`
	Config  ModelConfig    `json:"cfg"`
	Weights EncodedWeights `json:"weights"`
}

// ModelConfig carries everything needed to rebuild the graph, plus the
// multipliers the training loop had reached.
type ModelConfig struct {
	Model       Config            `json:"model"`
	Backend     string            `json:"backend"`
	Multipliers loss.Multipliers  `json:"multipliers"`
	Layers      []LayerDefinition `json:"layers"`
}

// LayerDefinition holds every constructor argument of one layer.
type LayerDefinition struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`

	// Dense
	InputSize  int `json:"input_size,omitempty"`
	OutputSize int `json:"output_size,omitempty"`

	// TransMultA / InvTransMultA
	NNodes int `json:"n_nodes,omitempty"`

	// Sample
	OutputDim int `json:"output_dim,omitempty"`

	// KLDivergence
	Beta   float64 `json:"beta,omitempty"`
	Mean   float64 `json:"mean,omitempty"`
	LogVar float64 `json:"log_var,omitempty"`

	// ReconstructionLoss
	Likelihood string  `json:"likelihood,omitempty"`
	Eps        float64 `json:"eps,omitempty"`

	// ConstraintLoss
	Alpha float64 `json:"alpha,omitempty"`
}

// EncodedWeights stores weights in base64-encoded JSON format
type EncodedWeights struct {
	Format string `json:"fmt"`
	Data   string `json:"data"`
}

// WeightsData represents the actual weight values
type WeightsData struct {
	Type   string         `json:"type"`
	Layers []LayerWeights `json:"layers"`
}

// LayerWeights stores the weights of one layer; layers without weights
// leave every slice empty.
type LayerWeights struct {
	Kernel    []float64 `json:"kernel,omitempty"`
	Biases    []float64 `json:"biases,omitempty"`
	Adjacency []float64 `json:"adjacency,omitempty"`
}

func denseDefinition(d *Dense) LayerDefinition {
	return LayerDefinition{
		Name:       d.Name,
		Type:       TypeDense,
		Activation: activationToString(d.Activation),
		InputSize:  d.InputSize,
		OutputSize: d.OutputSize,
	}
}

func denseWeights(d *Dense) LayerWeights {
	return LayerWeights{
		Kernel: append([]float64(nil), d.Kernel.Value.RawMatrix().Data...),
		Biases: append([]float64(nil), d.Bias.Value.RawMatrix().Data...),
	}
}

// layers lists the graph in execution order.
func (m *Autoencoder) layers() ([]LayerDefinition, []LayerWeights) {
	e, d := m.Encoder, m.Decoder
	defs := []LayerDefinition{
		denseDefinition(e.ZMean),
		denseDefinition(e.ZLogVar),
		{Name: TypeTransMultA, Type: TypeTransMultA, NNodes: e.Trans.NNodes},
		{Name: TypeSample, Type: TypeSample, OutputDim: e.Sample.OutputDim},
		{Name: TypeKLDivergence, Type: TypeKLDivergence, Beta: m.KL.Beta, Mean: m.KL.Mean, LogVar: m.KL.LogVar},
		{Name: TypeInvTransMultA, Type: TypeInvTransMultA, NNodes: d.Inv.NNodes},
		denseDefinition(d.Mu),
		denseDefinition(d.Disp),
		denseDefinition(d.Pi),
		{Name: TypeReconstructionLoss, Type: TypeReconstructionLoss, Likelihood: m.Recon.Kind.String(), Eps: m.Recon.Eps},
		{Name: TypeConstraintLoss, Type: TypeConstraintLoss, Alpha: m.Constraint.Alpha},
	}
	weights := []LayerWeights{
		denseWeights(e.ZMean),
		denseWeights(e.ZLogVar),
		{Adjacency: append([]float64(nil), e.Trans.A.Value.RawMatrix().Data...)},
		{}, {}, {},
		denseWeights(d.Mu),
		denseWeights(d.Disp),
		denseWeights(d.Pi),
		{}, {},
	}
	return defs, weights
}

// SerializeModel converts the model and the current multipliers to their
// saved form.
func SerializeModel(m *Autoencoder, mult loss.Multipliers) (SavedModel, error) {
	defs, lw := m.layers()

	weightsJSON, err := json.Marshal(WeightsData{Type: "float64", Layers: lw})
	if err != nil {
		return SavedModel{}, errors.Wrap(err, "failed to marshal weights")
	}

	return SavedModel{
		ID: m.ID,
		Config: ModelConfig{
			Model:       m.Config,
			Backend:     m.b.Name(),
			Multipliers: mult,
			Layers:      defs,
		},
		Weights: EncodedWeights{
			Format: weightsFormat,
			Data:   base64.StdEncoding.EncodeToString(weightsJSON),
		},
	}, nil
}

// SaveModel writes a single-model bundle to filename, creating its directory.
func SaveModel(filename string, m *Autoencoder, mult loss.Multipliers) error {
	saved, err := SerializeModel(m, mult)
	if err != nil {
		return errors.Wrap(err, "failed to serialize model")
	}
	bundle := ModelBundle{Type: bundleType, Version: bundleVersion, Models: []SavedModel{saved}}
	return bundle.SaveToFile(filename)
}

// SaveToFile saves the bundle to a file
func (b *ModelBundle) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal bundle")
	}
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create model directory")
		}
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write file")
	}
	return nil
}

// LoadBundle loads a model bundle from a file
func LoadBundle(filename string) (*ModelBundle, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}

	var bundle ModelBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal bundle")
	}
	if bundle.Type != bundleType {
		return nil, errors.Errorf("invalid bundle type: %s", bundle.Type)
	}
	return &bundle, nil
}

// LoadModel restores the first model in filename along with the multipliers
// it was saved with.
func LoadModel(filename string, b compute.Backend, log *logrus.Entry) (*Autoencoder, loss.Multipliers, error) {
	bundle, err := LoadBundle(filename)
	if err != nil {
		return nil, loss.Multipliers{}, err
	}
	if len(bundle.Models) == 0 {
		return nil, loss.Multipliers{}, errors.Errorf("bundle %s holds no models", filename)
	}
	return DeserializeModel(bundle.Models[0], b, log)
}

// DeserializeModel rebuilds every layer from its definition and restores
// the weights.
func DeserializeModel(saved SavedModel, b compute.Backend, log *logrus.Entry) (*Autoencoder, loss.Multipliers, error) {
	cfg := saved.Config.Model
	if err := cfg.Validate(); err != nil {
		return nil, loss.Multipliers{}, err
	}
	if log == nil {
		log = discardLogger()
	}

	if saved.Weights.Format != weightsFormat {
		return nil, loss.Multipliers{}, errors.Errorf("unsupported weights format %q", saved.Weights.Format)
	}
	weightsJSON, err := base64.StdEncoding.DecodeString(saved.Weights.Data)
	if err != nil {
		return nil, loss.Multipliers{}, errors.Wrap(err, "failed to decode weights")
	}
	var wd WeightsData
	if err := json.Unmarshal(weightsJSON, &wd); err != nil {
		return nil, loss.Multipliers{}, errors.Wrap(err, "failed to unmarshal weights")
	}
	if len(saved.Config.Layers) != len(wd.Layers) {
		return nil, loss.Multipliers{}, errors.Errorf("layer count mismatch: config=%d, weights=%d",
			len(saved.Config.Layers), len(wd.Layers))
	}

	m := &Autoencoder{
		ID:      saved.ID,
		Config:  cfg,
		Encoder: &Encoder{},
		Decoder: &Decoder{},
		b:       b,
		log:     log,
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	for i, def := range saved.Config.Layers {
		if err := m.restoreLayer(def, wd.Layers[i], rng); err != nil {
			return nil, loss.Multipliers{}, errors.Wrapf(err, "layer %d (%s)", i, def.Name)
		}
	}
	if err := m.complete(); err != nil {
		return nil, loss.Multipliers{}, err
	}
	return m, saved.Config.Multipliers, nil
}

func (m *Autoencoder) restoreLayer(def LayerDefinition, lw LayerWeights, rng *rand.Rand) error {
	switch def.Type {
	case TypeDense:
		d, err := restoreDense(def, lw, m.b)
		if err != nil {
			return err
		}
		switch def.Name {
		case "z_mean":
			m.Encoder.ZMean = d
		case "z_log_var":
			m.Encoder.ZLogVar = d
		case "mu":
			m.Decoder.Mu = d
		case "disp":
			m.Decoder.Disp = d
		case "pi":
			m.Decoder.Pi = d
		default:
			return errors.Errorf("unexpected dense layer %q", def.Name)
		}

	case TypeTransMultA:
		t := NewTransMultA(def.NNodes, m.b)
		if len(lw.Adjacency) != def.NNodes*def.NNodes {
			return shapeErr(def.Name, "adjacency has %d values, want %d", len(lw.Adjacency), def.NNodes*def.NNodes)
		}
		copy(t.A.Value.RawMatrix().Data, lw.Adjacency)
		m.Encoder.Trans = t

	case TypeInvTransMultA:
		m.Decoder.Inv = NewInvTransMultA(def.NNodes, m.b, m.log)

	case TypeSample:
		m.Encoder.Sample = NewSample(def.OutputDim, rng)

	case TypeKLDivergence:
		m.KL = NewKLDivergence(def.Beta, def.Mean, def.LogVar)

	case TypeReconstructionLoss:
		kind, err := loss.ParseKind(def.Likelihood)
		if err != nil {
			return err
		}
		r, err := NewReconstructionLoss(kind, def.Eps, m.b)
		if err != nil {
			return err
		}
		m.Recon = r

	case TypeConstraintLoss:
		m.Constraint = NewConstraintLoss(def.Alpha, m.b)

	default:
		return errors.Errorf("unknown layer type %q", def.Type)
	}
	return nil
}

func restoreDense(def LayerDefinition, lw LayerWeights, b compute.Backend) (*Dense, error) {
	act, err := stringToActivation(def.Activation)
	if err != nil {
		return nil, err
	}
	if len(lw.Kernel) != def.InputSize*def.OutputSize || len(lw.Biases) != def.OutputSize {
		return nil, shapeErr(def.Name, "got %d kernel and %d bias values for %dx%d",
			len(lw.Kernel), len(lw.Biases), def.InputSize, def.OutputSize)
	}
	return &Dense{
		Name:       def.Name,
		InputSize:  def.InputSize,
		OutputSize: def.OutputSize,
		Activation: act,
		Kernel:     newParam(def.Name+"/kernel", mat.NewDense(def.InputSize, def.OutputSize, lw.Kernel)),
		Bias:       newParam(def.Name+"/bias", mat.NewDense(1, def.OutputSize, lw.Biases)),
		b:          b,
	}, nil
}

// complete checks that every slot of the graph was restored and agrees with
// the model configuration.
func (m *Autoencoder) complete() error {
	e, d := m.Encoder, m.Decoder
	if e.ZMean == nil || e.ZLogVar == nil || e.Trans == nil || e.Sample == nil ||
		d.Inv == nil || d.Mu == nil || d.Disp == nil || d.Pi == nil ||
		m.KL == nil || m.Recon == nil || m.Constraint == nil {
		return errors.New("saved model is missing layers")
	}
	cfg := m.Config
	if e.Trans.NNodes != cfg.NNodes || d.Inv.NNodes != cfg.NNodes {
		return shapeErr("autoencoder", "structural layers sized for %d nodes, config has %d", e.Trans.NNodes, cfg.NNodes)
	}
	if e.ZMean.InputSize != cfg.InputDim || e.ZMean.OutputSize != cfg.LatentDim ||
		d.Mu.InputSize != cfg.LatentDim || d.Mu.OutputSize != cfg.InputDim {
		return shapeErr("autoencoder", "dense layers disagree with config %+v", cfg)
	}
	return nil
}
