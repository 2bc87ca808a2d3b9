package train

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Schedule maps a global step to a learning rate.
type Schedule interface {
	LR(step int) float64
	Name() string
}

// ScheduleConfig selects a schedule. Unused fields are ignored by the
// schedule that does not read them.
type ScheduleConfig struct {
	// Kind is "constant" (default), "cosine", "exponential" or "step".
	Kind string `json:"kind"`

	// MinLR is the cosine floor.
	MinLR float64 `json:"min_lr,omitempty"`

	// DecayRate is the factor applied every DecaySteps steps.
	DecayRate  float64 `json:"decay_rate,omitempty"`
	DecaySteps int     `json:"decay_steps,omitempty"`
}

// NewSchedule builds the configured schedule around base. totalSteps is the
// length of the run and sets the cosine period.
func NewSchedule(cfg ScheduleConfig, base float64, totalSteps int) (Schedule, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "constant":
		return constant(base), nil
	case "cosine":
		if totalSteps <= 0 {
			return nil, errors.New("cosine schedule needs a positive step count")
		}
		return &cosine{initial: base, min: cfg.MinLR, total: totalSteps}, nil
	case "exponential", "step":
		if cfg.DecaySteps <= 0 || cfg.DecayRate <= 0 {
			return nil, errors.Errorf("%s schedule needs positive decay_rate and decay_steps", cfg.Kind)
		}
		return &decay{initial: base, rate: cfg.DecayRate, every: cfg.DecaySteps, staircase: strings.EqualFold(cfg.Kind, "step")}, nil
	default:
		return nil, errors.Errorf("unknown schedule %q", cfg.Kind)
	}
}

type constant float64

func (c constant) LR(int) float64 { return float64(c) }
func (constant) Name() string     { return "constant" }

type cosine struct {
	initial, min float64
	total        int
}

func (s *cosine) LR(step int) float64 {
	if step >= s.total {
		return s.min
	}
	progress := float64(step) / float64(s.total)
	return s.min + (s.initial-s.min)*(1+math.Cos(math.Pi*progress))/2
}

func (*cosine) Name() string { return "cosine" }

// decay is initial * rate^(step/every), with the exponent floored when
// staircase is set.
type decay struct {
	initial, rate float64
	every         int
	staircase     bool
}

func (s *decay) LR(step int) float64 {
	exp := float64(step) / float64(s.every)
	if s.staircase {
		exp = math.Floor(exp)
	}
	return s.initial * math.Pow(s.rate, exp)
}

func (s *decay) Name() string {
	if s.staircase {
		return "step"
	}
	return "exponential"
}
