package compute

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/detector"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestCPUMatMul(t *testing.T) {
	a := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	b := mat.NewDense(3, 2, []float64{7, 8, 9, 10, 11, 12})
	got := NewCPU().MatMul(a, b)
	want := mat.NewDense(2, 2, []float64{58, 64, 139, 154})
	if !mat.Equal(got, want) {
		t.Errorf("MatMul = %v, want %v", mat.Formatted(got), mat.Formatted(want))
	}
}

func TestPowMatchesRepeatedProduct(t *testing.T) {
	a := mat.NewDense(3, 3, []float64{
		1, 0.1, 0,
		0, 1, 0.2,
		0.3, 0, 1,
	})
	b := NewCPU()

	naive := Identity(3)
	for p := 0; p <= 9; p++ {
		got := Pow(b, a, p)
		if !mat.EqualApprox(got, naive, 1e-12) {
			t.Errorf("Pow(a, %d) = %v, want %v", p, mat.Formatted(got), mat.Formatted(naive))
		}
		var next mat.Dense
		next.Mul(naive, a)
		naive = &next
	}
}

func TestPowDoesNotAliasInput(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 1, 0, 1})
	p := Pow(NewCPU(), a, 1)
	p.Set(0, 0, 42)
	if a.At(0, 0) != 1 {
		t.Fatal("Pow(a, 1) must return a copy")
	}
}

func TestSpecialFunctions(t *testing.T) {
	b := NewCPU()
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"lgamma(1)", b.Lgamma(1), 0},
		{"lgamma(5)", b.Lgamma(5), math.Log(24)},
		{"digamma(1)", b.Digamma(1), -0.5772156649015329},
		{"digamma(2)", b.Digamma(2), 1 - 0.5772156649015329},
	}
	for _, tt := range tests {
		if math.Abs(tt.got-tt.want) > 1e-10 {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestParsePreference(t *testing.T) {
	tests := []struct {
		in      string
		want    Preference
		wantErr bool
	}{
		{"", Auto, false},
		{"auto", Auto, false},
		{"CPU", ForceCPU, false},
		{" webgpu ", ForceWebGPU, false},
		{"cuda", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePreference(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePreference(%q) err = %v", tt.in, err)
			continue
		}
		if tt.wantErr && !errors.Is(err, ErrUnknownPreference) {
			t.Errorf("ParsePreference(%q) err = %v, want ErrUnknownPreference", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePreference(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func withDetect(t *testing.T, fn func() (*detector.Report, error)) {
	t.Helper()
	orig := detect
	detect = fn
	t.Cleanup(func() { detect = orig })
}

func TestSelectFallsBackToCPU(t *testing.T) {
	withDetect(t, func() (*detector.Report, error) { return nil, errors.New("no adapter") })

	b, err := Select(Auto, quietLog())
	if err != nil {
		t.Fatalf("Select(auto): %v", err)
	}
	if b.Name() != "cpu" {
		t.Errorf("backend = %s, want cpu", b.Name())
	}

	if _, err := Select(ForceWebGPU, quietLog()); err == nil {
		t.Error("Select(webgpu) without adapter should fail")
	}
}

func TestSelectSkipsSoftwareAdapter(t *testing.T) {
	withDetect(t, func() (*detector.Report, error) {
		return &detector.Report{Name: "llvmpipe", AdapterType: "CPU"}, nil
	})

	b, err := Select(Auto, quietLog())
	if err != nil {
		t.Fatalf("Select(auto): %v", err)
	}
	if b.Name() != "cpu" {
		t.Errorf("backend = %s, want cpu", b.Name())
	}
	if _, err := Select(ForceWebGPU, quietLog()); err == nil {
		t.Error("Select(webgpu) on a software adapter should fail")
	}
}

func TestSelectForceCPUNeverProbes(t *testing.T) {
	withDetect(t, func() (*detector.Report, error) {
		t.Fatal("detector must not run for the cpu preference")
		return nil, nil
	})
	if _, err := Select(ForceCPU, quietLog()); err != nil {
		t.Fatal(err)
	}
}

func TestWebGPUSmallProductsStayOnCPU(t *testing.T) {
	w := NewWebGPU(&detector.Report{
		AdapterType: "DiscreteGPU",
		Recommended: detector.Recommendations{WorkgroupX: 64, BudgetBytes: 1 << 30},
	}, quietLog())

	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	got := w.MatMul(a, a)
	want := mat.NewDense(2, 2, []float64{7, 10, 15, 22})
	if !mat.Equal(got, want) {
		t.Errorf("MatMul = %v, want %v", mat.Formatted(got), mat.Formatted(want))
	}
	if w.Name() != "webgpu" {
		t.Errorf("Name = %s", w.Name())
	}
}
