package nn

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// NetworkBlueprint contains the structural information of the encoder, the
// decoder and the full autoencoder.
type NetworkBlueprint struct {
	Models []ModelTelemetry `json:"models"`
}

// ModelTelemetry represents a single graph's structure
type ModelTelemetry struct {
	ID          string           `json:"id"`
	TotalLayers int              `json:"total_layers"`
	TotalParams int              `json:"total_parameters"`
	Layers      []LayerTelemetry `json:"layers"`
}

// LayerTelemetry contains metadata about a specific layer
type LayerTelemetry struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Activation string `json:"activation,omitempty"`
	Parameters int    `json:"parameters"`

	// Names of the layers or graph inputs this one reads.
	Inputs []string `json:"inputs"`

	InputShape  [][]int `json:"input_shape,omitempty"`
	OutputShape [][]int `json:"output_shape,omitempty"`
}

// Graph inputs.
const (
	inputCounts = "count_input"
	inputLatent = "latent_input"
	inputAdj    = "adjacency_input"
)

// ExtractBlueprint describes the three graphs of m.
func ExtractBlueprint(m *Autoencoder) NetworkBlueprint {
	cfg := m.Config
	n, g, l := cfg.NNodes, cfg.InputDim, cfg.LatentDim
	nl := []int{n, l}
	nxn := []int{n, n}
	ng := []int{n, g}

	dense := func(d *Dense, in string) LayerTelemetry {
		return LayerTelemetry{
			Name:        d.Name,
			Type:        TypeDense,
			Activation:  activationToString(d.Activation),
			Parameters:  d.Kernel.Size() + d.Bias.Size(),
			Inputs:      []string{in},
			InputShape:  [][]int{{n, d.InputSize}},
			OutputShape: [][]int{{n, d.OutputSize}},
		}
	}

	encoder := []LayerTelemetry{
		dense(m.Encoder.ZMean, inputCounts),
		dense(m.Encoder.ZLogVar, inputCounts),
		{
			Name: TypeTransMultA, Type: TypeTransMultA,
			Parameters:  m.Encoder.Trans.A.Size(),
			Inputs:      []string{"z_mean", "z_log_var"},
			InputShape:  [][]int{nl, nl},
			OutputShape: [][]int{nl, nl, nxn},
		},
		{
			Name: TypeSample, Type: TypeSample,
			Inputs:      []string{TypeTransMultA},
			InputShape:  [][]int{nl, nl},
			OutputShape: [][]int{nl},
		},
	}

	decoder := []LayerTelemetry{
		{
			Name: TypeInvTransMultA, Type: TypeInvTransMultA,
			Inputs:      []string{inputLatent, inputAdj},
			InputShape:  [][]int{nl, nxn},
			OutputShape: [][]int{nl},
		},
		dense(m.Decoder.Mu, TypeInvTransMultA),
		dense(m.Decoder.Disp, TypeInvTransMultA),
		dense(m.Decoder.Pi, TypeInvTransMultA),
	}

	auto := []LayerTelemetry{
		{Name: "encoder", Type: "model", Inputs: []string{inputCounts}, InputShape: [][]int{ng}, OutputShape: [][]int{nl, nl, nl, nxn}},
		{Name: TypeKLDivergence, Type: TypeKLDivergence, Inputs: []string{"encoder"}, InputShape: [][]int{nl, nl, nl}, OutputShape: [][]int{nl}},
		{Name: "decoder", Type: "model", Inputs: []string{TypeKLDivergence, "encoder"}, InputShape: [][]int{nl, nxn}, OutputShape: [][]int{ng, ng, ng}},
		{Name: TypeReconstructionLoss, Type: TypeReconstructionLoss, Inputs: []string{inputCounts, "decoder"}, InputShape: [][]int{ng, ng, ng, ng}, OutputShape: [][]int{ng, ng, ng}},
		{Name: TypeConstraintLoss, Type: TypeConstraintLoss, Inputs: []string{"encoder", TypeReconstructionLoss}, InputShape: [][]int{nxn, ng, ng, ng}, OutputShape: [][]int{ng, ng, ng}},
	}

	enc := summarize(m.ID+"/encoder", encoder)
	dec := summarize(m.ID+"/decoder", decoder)
	ae := summarize(m.ID+"/autoencoder", auto)
	ae.TotalParams = enc.TotalParams + dec.TotalParams
	return NetworkBlueprint{Models: []ModelTelemetry{enc, dec, ae}}
}

func summarize(id string, layers []LayerTelemetry) ModelTelemetry {
	t := ModelTelemetry{ID: id, TotalLayers: len(layers), Layers: layers}
	for _, l := range layers {
		t.TotalParams += l.Parameters
	}
	return t
}

// WriteBlueprint writes the blueprint of m as indented JSON.
func WriteBlueprint(filename string, m *Autoencoder) error {
	data, err := json.MarshalIndent(ExtractBlueprint(m), "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal blueprint")
	}
	return errors.Wrap(os.WriteFile(filename, data, 0o644), "failed to write blueprint")
}
