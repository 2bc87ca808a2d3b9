// Command scdag trains the DAG-structured ZINB autoencoder on a count matrix
// and writes the trained model.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/scdag/compute"
	"github.com/openfluke/scdag/dataset"
	"github.com/openfluke/scdag/detector"
	"github.com/openfluke/scdag/gpu"
	"github.com/openfluke/scdag/nn"
	"github.com/openfluke/scdag/train"
)

type options struct {
	config      string
	data        string
	header      bool
	rowNames    bool
	synthetic   string
	seed        int64
	backend     string
	out         string
	logDir      string
	logLevel    string
	safetensors string
	detect      bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("scdag", flag.ContinueOnError)
	fs.StringVar(&o.config, "config", "", "JSON training config (defaults apply when empty)")
	fs.StringVar(&o.data, "data", "", "CSV count matrix, cells x genes")
	fs.BoolVar(&o.header, "header", false, "first CSV row holds gene names")
	fs.BoolVar(&o.rowNames, "rownames", false, "first CSV column holds cell names")
	fs.StringVar(&o.synthetic, "synthetic", "", "train on generated counts, e.g. 50x20")
	fs.Int64Var(&o.seed, "seed", 1, "seed for -synthetic")
	fs.StringVar(&o.backend, "backend", "", "auto, cpu or webgpu (overrides config)")
	fs.StringVar(&o.out, "out", "", "model output path (overrides config)")
	fs.StringVar(&o.logDir, "logdir", "", "scalar log directory (overrides config)")
	fs.StringVar(&o.logLevel, "log-level", "info", "logrus level")
	fs.StringVar(&o.safetensors, "safetensors", "", "also export weights to this safetensors file")
	fs.BoolVar(&o.detect, "detect", false, "print the GPU capability report and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if !o.detect && (o.data == "") == (o.synthetic == "") {
		return o, errors.New("exactly one of -data or -synthetic is required")
	}
	return o, nil
}

// parseShape reads "CELLSxGENES".
func parseShape(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(s), "x")
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("shape %q is not CELLSxGENES", s)
	}
	cells, err1 := strconv.Atoi(parts[0])
	genes, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || cells <= 0 || genes <= 0 {
		return 0, 0, errors.Errorf("shape %q is not CELLSxGENES", s)
	}
	return cells, genes, nil
}

func loadCounts(o options) (*dataset.Matrix, error) {
	if o.synthetic != "" {
		cells, genes, err := parseShape(o.synthetic)
		if err != nil {
			return nil, err
		}
		return dataset.Synthetic(cells, genes, o.seed, dataset.DefaultSyntheticOptions()), nil
	}
	return dataset.LoadCSV(o.data, dataset.CSVOptions{Header: o.header, RowNames: o.rowNames})
}

func run(o options, log *logrus.Entry) error {
	cfg := train.DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = train.LoadConfig(o.config); err != nil {
			return err
		}
	}
	cfg.ApplyEnv()
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.out != "" {
		cfg.ModelPath = o.out
	}
	if o.logDir != "" {
		cfg.LogDir = o.logDir
	}

	counts, err := loadCounts(o)
	if err != nil {
		return err
	}
	cells, genes := counts.Dims()
	cfg.Model.NNodes, cfg.Model.InputDim = cells, genes
	log.WithFields(logrus.Fields{"cells": cells, "genes": genes}).Info("counts loaded")

	pref, err := compute.ParsePreference(cfg.Backend)
	if err != nil {
		return err
	}
	backend, err := compute.Select(pref, log)
	if err != nil {
		return err
	}
	if w, ok := backend.(*compute.WebGPU); ok {
		defer w.Release()
	}

	model, err := nn.New(cfg.Model, backend, log)
	if err != nil {
		return err
	}
	tr, err := train.New(cfg, model, log)
	if err != nil {
		return err
	}
	res, err := tr.Run(counts.X)
	if err != nil {
		return err
	}

	if o.safetensors != "" {
		if err := nn.SaveSafetensors(o.safetensors, model, "F32"); err != nil {
			return err
		}
	}

	log.WithFields(res.Objective.Fields()).WithFields(logrus.Fields{
		"rounds":  res.Rounds,
		"h":       res.H,
		"lambda":  res.Multipliers.Lambda,
		"penalty": res.Multipliers.Penalty,
		"model":   res.ModelPath,
		"run_dir": res.RunDir,
	}).Info("done")
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger.SetLevel(level)
	log := logrus.NewEntry(logger)
	gpu.SetLogger(log)

	if o.detect {
		out, err := detector.DetectJSON()
		if err != nil {
			log.WithError(err).Fatal("detection failed")
		}
		fmt.Println(string(out))
		return
	}

	if err := run(o, log); err != nil {
		log.WithError(err).Error("training failed")
		os.Exit(1)
	}
}
