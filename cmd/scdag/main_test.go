package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/openfluke/scdag/nn"
)

func TestParseShape(t *testing.T) {
	tests := []struct {
		in           string
		cells, genes int
		wantErr      bool
	}{
		{"50x20", 50, 20, false},
		{"3X4", 3, 4, false},
		{"50", 0, 0, true},
		{"0x3", 0, 0, true},
		{"ax3", 0, 0, true},
	}
	for _, tt := range tests {
		c, g, err := parseShape(tt.in)
		if (err != nil) != tt.wantErr || c != tt.cells || g != tt.genes {
			t.Errorf("parseShape(%q) = %d, %d, %v", tt.in, c, g, err)
		}
	}
}

func TestParseFlags(t *testing.T) {
	if _, err := parseFlags([]string{}); err == nil {
		t.Error("no data source accepted")
	}
	if _, err := parseFlags([]string{"-data", "x.csv", "-synthetic", "5x5"}); err == nil {
		t.Error("two data sources accepted")
	}
	o, err := parseFlags([]string{"-synthetic", "8x3", "-backend", "cpu"})
	if err != nil {
		t.Fatal(err)
	}
	if o.synthetic != "8x3" || o.backend != "cpu" || o.logLevel != "info" {
		t.Errorf("options = %+v", o)
	}
	if _, err := parseFlags([]string{"-detect"}); err != nil {
		t.Errorf("-detect alone: %v", err)
	}
}

func TestRunSynthetic(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "cfg.json")
	body := `{"rounds": 2, "epochs_per_round": 1, "model": {"latent_dim": 3}}`
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	o := options{
		config:      cfg,
		synthetic:   "12x6",
		seed:        2,
		backend:     "cpu",
		out:         filepath.Join(dir, "model.json"),
		logDir:      filepath.Join(dir, "logs"),
		safetensors: filepath.Join(dir, "model.safetensors"),
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	if err := run(o, logrus.NewEntry(l)); err != nil {
		t.Fatal(err)
	}

	bundle, err := nn.LoadBundle(o.out)
	if err != nil {
		t.Fatal(err)
	}
	saved := bundle.Models[0]
	if saved.Config.Model.NNodes != 12 || saved.Config.Model.InputDim != 6 || saved.Config.Model.LatentDim != 3 {
		t.Errorf("saved config = %+v", saved.Config.Model)
	}
	if saved.Config.Multipliers.Lambda != 2 || saved.Config.Backend != "cpu" {
		t.Errorf("saved = %+v / %s", saved.Config.Multipliers, saved.Config.Backend)
	}
	if _, err := nn.LoadSafetensors(o.safetensors); err != nil {
		t.Error(err)
	}
}
