package train

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/openfluke/scdag/nn"
)

// EnvBackend overrides Config.Backend when set.
const EnvBackend = "SCDAG_BACKEND"

// Config drives one training run. Model.InputDim and Model.NNodes may be
// left zero and filled from the data.
type Config struct {
	Model nn.Config `json:"model"`

	Rounds         int     `json:"rounds"`
	EpochsPerRound int     `json:"epochs_per_round"`
	Optimizer      string  `json:"optimizer"`
	LearningRate   float64 `json:"learning_rate"`

	Schedule ScheduleConfig `json:"schedule"`

	LambdaStep  float64 `json:"lambda_step"`
	PenaltyStep float64 `json:"penalty_step"`

	// HTolerance stops the loop once h(A) drops to it after a round.
	// Zero keeps the fixed round count.
	HTolerance float64 `json:"h_tolerance"`

	Backend   string `json:"backend"`
	ModelPath string `json:"model_path"`
	LogDir    string `json:"log_dir"`
}

// DefaultConfig returns 10 rounds of 5 full-batch Adam epochs at 1e-3 with
// unit multiplier steps.
func DefaultConfig() Config {
	return Config{
		Model:          nn.DefaultConfig(0, 0),
		Rounds:         10,
		EpochsPerRound: 5,
		Optimizer:      "adam",
		LearningRate:   1e-3,
		LambdaStep:     1,
		PenaltyStep:    1,
		Backend:        "auto",
		ModelPath:      "DAG_AE.json",
		LogDir:         "logs",
	}
}

// LoadConfig reads a JSON file over the defaults. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = v
	}
}

// Validate checks the loop settings. Model dimensions are checked when the
// model is built.
func (c Config) Validate() error {
	switch {
	case c.Rounds <= 0:
		return errors.Errorf("rounds must be positive, got %d", c.Rounds)
	case c.EpochsPerRound <= 0:
		return errors.Errorf("epochs_per_round must be positive, got %d", c.EpochsPerRound)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.HTolerance < 0:
		return errors.Errorf("h_tolerance must not be negative, got %g", c.HTolerance)
	}
	_, err := NewSchedule(c.Schedule, c.LearningRate, c.Rounds*c.EpochsPerRound)
	return err
}
