// Package dataset loads the cells × genes count matrix the model trains on.
package dataset

import (
	"encoding/csv"
	"io"
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrNegative is returned for a count below zero.
var ErrNegative = errors.New("negative count")

// Matrix is a count matrix with optional row and column names.
type Matrix struct {
	X     *mat.Dense
	Cells []string
	Genes []string
}

// Dims returns (cells, genes).
func (m *Matrix) Dims() (int, int) { return m.X.Dims() }

// CSVOptions describes the layout of a delimited count file.
type CSVOptions struct {
	Comma    rune // defaults to ','
	Header   bool // first row holds gene names
	RowNames bool // first column holds cell names
}

// LoadCSV reads a delimited count file.
func LoadCSV(path string, opts CSVOptions) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open counts")
	}
	defer f.Close()

	m, err := ReadCSV(f, opts)
	return m, errors.Wrapf(err, "read %s", path)
}

// ReadCSV parses counts from r. Every row must have the same width and
// every value must be a finite non-negative number.
func ReadCSV(r io.Reader, opts CSVOptions) (*Matrix, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	out := &Matrix{}
	var data []float64
	width := -1
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if line == 1 && opts.Header {
			cols := rec
			if opts.RowNames && len(cols) > 0 {
				cols = cols[1:]
			}
			out.Genes = append([]string(nil), cols...)
			continue
		}

		if opts.RowNames {
			if len(rec) == 0 {
				return nil, errors.Errorf("line %d: missing row name", line)
			}
			out.Cells = append(out.Cells, rec[0])
			rec = rec[1:]
		}
		if width < 0 {
			width = len(rec)
		}
		if len(rec) != width {
			return nil, errors.Errorf("line %d: %d values, want %d", line, len(rec), width)
		}
		for j, s := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d column %d", line, j+1)
			}
			if v < 0 {
				return nil, errors.Wrapf(ErrNegative, "line %d column %d: %g", line, j+1, v)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("line %d column %d: non-finite value", line, j+1)
			}
			data = append(data, v)
		}
	}

	if width <= 0 || len(data) == 0 {
		return nil, errors.New("no counts")
	}
	if out.Genes != nil && len(out.Genes) != width {
		return nil, errors.Errorf("header names %d genes, rows have %d", len(out.Genes), width)
	}
	out.X = mat.NewDense(len(data)/width, width, data)
	return out, nil
}

// SyntheticOptions shapes the generated counts.
type SyntheticOptions struct {
	Dispersion float64 // NB dispersion r, shared by all genes
	MinDropout float64 // per-gene zero-inflation drawn from [MinDropout, MaxDropout)
	MaxDropout float64
}

// DefaultSyntheticOptions gives r = 2 and dropout between 0.1 and 0.5.
func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{Dispersion: 2, MinDropout: 0.1, MaxDropout: 0.5}
}

// Synthetic draws a zero-inflated negative binomial count matrix. Gene means
// are log-normal; each count is Poisson(Gamma(r, mu/r)) and is zeroed with
// the gene's dropout probability.
func Synthetic(cells, genes int, seed int64, opts SyntheticOptions) *Matrix {
	rng := rand.New(rand.NewSource(seed))

	mu := make([]float64, genes)
	pi := make([]float64, genes)
	names := make([]string, genes)
	for g := range mu {
		mu[g] = math.Exp(1 + rng.NormFloat64())
		pi[g] = opts.MinDropout + rng.Float64()*(opts.MaxDropout-opts.MinDropout)
		names[g] = "gene" + strconv.Itoa(g)
	}

	x := mat.NewDense(cells, genes, nil)
	cellNames := make([]string, cells)
	for c := 0; c < cells; c++ {
		cellNames[c] = "cell" + strconv.Itoa(c)
		for g := 0; g < genes; g++ {
			if rng.Float64() < pi[g] {
				continue
			}
			lambda := gamma(rng, opts.Dispersion) * mu[g] / opts.Dispersion
			x.Set(c, g, float64(poisson(rng, lambda)))
		}
	}
	return &Matrix{X: x, Cells: cellNames, Genes: names}
}

// gamma draws Gamma(shape, 1) by Marsaglia and Tsang.
func gamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		return gamma(rng, shape+1) * math.Pow(rng.Float64(), 1/shape)
	}
	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if math.Log(u) < 0.5*x*x+d-d*v+d*math.Log(v) {
			return d * v
		}
	}
}

// poisson draws by inversion for small rates and a rounded normal otherwise.
func poisson(rng *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	if lambda > 500 {
		k := math.Round(lambda + math.Sqrt(lambda)*rng.NormFloat64())
		return int(math.Max(k, 0))
	}
	l := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}
