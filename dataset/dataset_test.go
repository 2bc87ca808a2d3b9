package dataset

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func TestReadCSV(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		opts  CSVOptions
		want  *mat.Dense
		cells []string
		genes []string
	}{
		{
			name: "bare",
			in:   "0,1,2\n3,4,5\n",
			want: mat.NewDense(2, 3, []float64{0, 1, 2, 3, 4, 5}),
		},
		{
			name:  "header and row names",
			in:    "cell,a,b\nc1,1,0\nc2,0.5,7\n",
			opts:  CSVOptions{Header: true, RowNames: true},
			want:  mat.NewDense(2, 2, []float64{1, 0, 0.5, 7}),
			cells: []string{"c1", "c2"},
			genes: []string{"a", "b"},
		},
		{
			name: "tabs",
			in:   "1\t2\n3\t4\n",
			opts: CSVOptions{Comma: '\t'},
			want: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ReadCSV(strings.NewReader(tt.in), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if !mat.Equal(m.X, tt.want) {
				t.Errorf("X = %v, want %v", mat.Formatted(m.X), mat.Formatted(tt.want))
			}
			if strings.Join(m.Cells, ",") != strings.Join(tt.cells, ",") || strings.Join(m.Genes, ",") != strings.Join(tt.genes, ",") {
				t.Errorf("names = %v %v, want %v %v", m.Cells, m.Genes, tt.cells, tt.genes)
			}
		})
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		opts CSVOptions
	}{
		{"empty", "", CSVOptions{}},
		{"ragged", "1,2\n3\n", CSVOptions{}},
		{"not a number", "1,x\n", CSVOptions{}},
		{"negative", "1,-2\n", CSVOptions{}},
		{"nan", "1,NaN\n", CSVOptions{}},
		{"header width", "a,b,c\n1,2\n", CSVOptions{Header: true}},
	}
	for _, tt := range tests {
		if _, err := ReadCSV(strings.NewReader(tt.in), tt.opts); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := ReadCSV(strings.NewReader("1,-2\n"), CSVOptions{}); !errors.Is(err, ErrNegative) {
		t.Errorf("err = %v, want ErrNegative", err)
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counts.csv")
	if err := os.WriteFile(path, []byte("g1,g2\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadCSV(path, CSVOptions{Header: true})
	if err != nil {
		t.Fatal(err)
	}
	if r, c := m.Dims(); r != 1 || c != 2 {
		t.Errorf("dims = %d x %d", r, c)
	}
	if _, err := LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), CSVOptions{}); err == nil {
		t.Error("missing file accepted")
	}
}

func TestSynthetic(t *testing.T) {
	a := Synthetic(50, 20, 7, DefaultSyntheticOptions())
	b := Synthetic(50, 20, 7, DefaultSyntheticOptions())
	if !mat.Equal(a.X, b.X) {
		t.Error("same seed must give the same counts")
	}
	if r, c := a.Dims(); r != 50 || c != 20 || len(a.Cells) != 50 || len(a.Genes) != 20 {
		t.Fatalf("dims = %d x %d, names %d/%d", r, c, len(a.Cells), len(a.Genes))
	}

	zeros, positive := 0, 0
	for _, v := range a.X.RawMatrix().Data {
		if v < 0 || v != math.Trunc(v) {
			t.Fatalf("count %g is not a non-negative integer", v)
		}
		if v == 0 {
			zeros++
		} else {
			positive++
		}
	}
	if zeros == 0 || positive == 0 {
		t.Errorf("zeros = %d, positive = %d; want both", zeros, positive)
	}
}

func TestSamplerMeans(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 20000
	for _, shape := range []float64{0.5, 2, 9} {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += gamma(rng, shape)
		}
		if mean := sum / n; math.Abs(mean-shape) > 0.05*shape+0.02 {
			t.Errorf("Gamma(%g) mean = %g", shape, mean)
		}
	}
	for _, lambda := range []float64{0.3, 4, 800} {
		sum := 0
		for i := 0; i < n; i++ {
			sum += poisson(rng, lambda)
		}
		if mean := float64(sum) / n; math.Abs(mean-lambda) > 0.05*lambda+0.02 {
			t.Errorf("Poisson(%g) mean = %g", lambda, mean)
		}
	}
}
