// Package train runs the augmented-Lagrangian schedule: rounds of full-batch
// gradient fitting with the multipliers held fixed, each followed by a fixed
// increment of the multipliers.
package train

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/loss"
	"github.com/openfluke/scdag/nn"
)

// ErrDiverged is returned when the objective stops being finite.
var ErrDiverged = errors.New("training diverged")

// BlueprintFile is written into the run directory next to the scalar log.
const BlueprintFile = "blueprint.json"

// Trainer owns the model, the optimizer and the Lagrangian state.
type Trainer struct {
	Config      Config
	Model       *nn.Autoencoder
	Multipliers loss.Multipliers

	opt   nn.Optimizer
	sched Schedule
	steps int
	run   *RunLog
	log   *logrus.Entry
}

// Result summarises a finished run.
type Result struct {
	Rounds      int
	Objective   loss.Objective
	H           float64
	Multipliers loss.Multipliers
	ModelPath   string
	RunDir      string
}

// New prepares a trainer with the initial multipliers.
func New(cfg Config, m *nn.Autoencoder, log *logrus.Entry) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opt, err := nn.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	sched, err := NewSchedule(cfg.Schedule, cfg.LearningRate, cfg.Rounds*cfg.EpochsPerRound)
	if err != nil {
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Trainer{
		Config:      cfg,
		Model:       m,
		Multipliers: loss.InitialMultipliers(),
		opt:         opt,
		sched:       sched,
		log:         log.WithField("component", "train"),
	}, nil
}

// Step runs one forward/backward pass over the whole of x and applies it.
func (t *Trainer) Step(x *mat.Dense) (loss.Objective, error) {
	_, obj, err := t.Model.Forward(x, t.Multipliers)
	if err != nil {
		return nil, err
	}
	if !obj.Finite() {
		return obj, errors.Wrapf(ErrDiverged, "step %d: %v", t.steps, obj)
	}

	t.Model.ZeroGrad()
	if err := t.Model.Backward(); err != nil {
		return obj, err
	}
	t.opt.Step(t.Model.Params(), t.sched.LR(t.steps))
	t.steps++
	return obj, nil
}

// FitRound runs EpochsPerRound full-batch steps. The multipliers are not
// touched.
func (t *Trainer) FitRound(x *mat.Dense, round int) (loss.Objective, error) {
	var obj loss.Objective
	for epoch := 0; epoch < t.Config.EpochsPerRound; epoch++ {
		var err error
		obj, err = t.Step(x)
		if err != nil {
			return obj, errors.Wrapf(err, "round %d epoch %d", round, epoch)
		}

		h := t.Model.H()
		t.log.WithFields(obj.Fields()).WithFields(logrus.Fields{
			"round": round,
			"epoch": epoch,
			"h":     h,
		}).Debug("epoch")
		if t.run != nil {
			if err := t.run.Write(newRecord(round, epoch, t.steps, obj, h, t.Multipliers)); err != nil {
				return obj, err
			}
		}
	}
	return obj, nil
}

// UpdateMultipliers advances lambda_A and penalty_A by the configured steps.
func (t *Trainer) UpdateMultipliers() {
	t.Multipliers = t.Multipliers.Step(t.Config.LambdaStep, t.Config.PenaltyStep)
}

// Run executes every round, then saves the model with its final multipliers.
func (t *Trainer) Run(x *mat.Dense) (Result, error) {
	var res Result

	if t.Config.LogDir != "" {
		run, err := OpenRunLog(t.Config.LogDir, time.Now())
		if err != nil {
			return res, err
		}
		defer run.Close()
		t.run = run
		defer func() { t.run = nil }()
		res.RunDir = run.Dir

		if err := nn.WriteBlueprint(filepath.Join(run.Dir, BlueprintFile), t.Model); err != nil {
			return res, err
		}
	}

	cfg := t.Config
	t.log.WithFields(logrus.Fields{
		"rounds":    cfg.Rounds,
		"epochs":    cfg.EpochsPerRound,
		"lr":        cfg.LearningRate,
		"schedule":  t.sched.Name(),
		"optimizer": t.opt.Name(),
		"run_dir":   res.RunDir,
	}).Info("training started")

	for round := 0; round < cfg.Rounds; round++ {
		obj, err := t.FitRound(x, round)
		if err != nil {
			return res, err
		}

		h := loss.Acyclicity(t.Model.Backend(), t.Model.Adjacency(), t.Model.Config.Alpha)
		t.UpdateMultipliers()
		res.Rounds, res.Objective, res.H, res.Multipliers = round+1, obj, h, t.Multipliers

		t.log.WithFields(obj.Fields()).WithFields(logrus.Fields{
			"round":   round,
			"h":       h,
			"lambda":  t.Multipliers.Lambda,
			"penalty": t.Multipliers.Penalty,
		}).Info("round finished")

		if cfg.HTolerance > 0 && h <= cfg.HTolerance {
			t.log.WithField("h", h).Info("acyclicity within tolerance, stopping")
			break
		}
	}

	if cfg.ModelPath != "" {
		if err := nn.SaveModel(cfg.ModelPath, t.Model, t.Multipliers); err != nil {
			return res, errors.Wrap(err, "save model")
		}
		res.ModelPath = cfg.ModelPath
		t.log.WithField("path", cfg.ModelPath).Info("model saved")
	}
	return res, nil
}
