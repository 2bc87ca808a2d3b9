package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/scdag/compute"
)

var central = &fd.Settings{Formula: fd.Central, Step: 1e-6}

func randDense(rng *rand.Rand, r, c int, scale float64) *mat.Dense {
	d := make([]float64, r*c)
	for i := range d {
		d[i] = scale * rng.NormFloat64()
	}
	return mat.NewDense(r, c, d)
}

// weightedSum is Σ x∘w, a scalar probe whose gradient w.r.t. x is w.
func weightedSum(x, w *mat.Dense) float64 {
	var p mat.Dense
	p.MulElem(x, w)
	return mat.Sum(&p)
}

func closeEnough(got, want float64) bool {
	return math.Abs(got-want) <= 1e-6+1e-4*math.Abs(want)
}

func TestActivationDerivatives(t *testing.T) {
	for _, a := range []Activation{ActivationLinear, ActivationMean, ActivationDisp, ActivationSigmoid} {
		for _, v := range []float64{-3, -0.5, 0, 0.7, 4} {
			want := fd.Derivative(func(x float64) float64 { return activate(x, a) }, v, central)
			if got := activateDerivative(v, a); !closeEnough(got, want) {
				t.Errorf("%v'(%g) = %g, finite difference %g", a, v, got, want)
			}
		}
	}
}

func TestActivationBounds(t *testing.T) {
	tests := []struct {
		a      Activation
		v      float64
		want   float64
		ddZero bool
	}{
		{ActivationMean, -50, MeanMin, true},
		{ActivationMean, 50, MeanMax, true},
		{ActivationDisp, -50, DispMin, true},
		{ActivationDisp, 2e4, DispMax, true},
		{ActivationSigmoid, -800, 0, false},
		{ActivationSigmoid, 800, 1, false},
	}
	for _, tt := range tests {
		if got := activate(tt.v, tt.a); got != tt.want {
			t.Errorf("%v(%g) = %g, want %g", tt.a, tt.v, got, tt.want)
		}
		if tt.ddZero && activateDerivative(tt.v, tt.a) != 0 {
			t.Errorf("%v'(%g) must be zero in the clipped region", tt.a, tt.v)
		}
	}
}

func TestActivationNames(t *testing.T) {
	for _, a := range []Activation{ActivationLinear, ActivationMean, ActivationDisp, ActivationSigmoid} {
		back, err := stringToActivation(activationToString(a))
		if err != nil || back != a {
			t.Errorf("%v round trip = %v, %v", a, back, err)
		}
	}
	if _, err := stringToActivation("relu"); err == nil {
		t.Error("unknown activation accepted")
	}
}

func TestDenseGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	b := compute.NewCPU()
	for _, act := range []Activation{ActivationLinear, ActivationMean, ActivationDisp, ActivationSigmoid} {
		d := NewDense("probe", 3, 2, act, b, rng)
		x := randDense(rng, 4, 3, 0.5)
		w := randDense(rng, 4, 2, 1)

		if _, err := d.Forward(x); err != nil {
			t.Fatal(err)
		}
		dx, err := d.Backward(w)
		if err != nil {
			t.Fatal(err)
		}

		f := func() float64 {
			out, err := d.Forward(x)
			if err != nil {
				t.Fatal(err)
			}
			return weightedSum(out, w)
		}
		for _, p := range d.Params() {
			checkParamGrad(t, act.String()+"/"+p.Name, p.Value.RawMatrix().Data, p.Grad.RawMatrix().Data, f)
		}
		checkParamGrad(t, act.String()+"/input", x.RawMatrix().Data, dx.RawMatrix().Data, f)
	}
}

// checkParamGrad perturbs every entry of values and compares the slope of f
// with grad.
func checkParamGrad(t *testing.T, name string, values, grad []float64, f func() float64) {
	t.Helper()
	for j := range values {
		orig := values[j]
		want := fd.Derivative(func(v float64) float64 {
			values[j] = v
			return f()
		}, orig, central)
		values[j] = orig
		if !closeEnough(grad[j], want) {
			t.Errorf("%s[%d]: grad = %g, finite difference %g", name, j, grad[j], want)
		}
	}
}

func TestDenseRejectsWrongWidth(t *testing.T) {
	d := NewDense("probe", 3, 2, ActivationLinear, compute.NewCPU(), rand.New(rand.NewSource(1)))
	if _, err := d.Forward(mat.NewDense(2, 4, nil)); !errors.Is(err, ErrShape) {
		t.Fatalf("err = %v, want ErrShape", err)
	}
	if _, err := NewDense("fresh", 3, 2, ActivationLinear, compute.NewCPU(), rand.New(rand.NewSource(1))).Backward(mat.NewDense(2, 2, nil)); !errors.Is(err, ErrNotForwarded) {
		t.Fatalf("err = %v, want ErrNotForwarded", err)
	}
}

func TestStructuralRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	b := compute.NewCPU()
	for _, n := range []int{1, 2, 5, 9} {
		trans := NewTransMultA(n, b)
		trans.A.Value.Copy(randDense(rng, n, n, 0.1))
		inv := NewInvTransMultA(n, b, nil)

		ts := []*mat.Dense{randDense(rng, n, 3, 1), randDense(rng, n, 3, 1)}
		fwd, a, err := trans.Forward(ts...)
		if err != nil {
			t.Fatal(err)
		}
		if a != trans.A.Value {
			t.Fatal("Forward must hand back the layer's own A")
		}
		back, err := inv.Forward(fwd, a)
		if err != nil {
			t.Fatal(err)
		}
		for k := range ts {
			if !mat.EqualApprox(back[k], ts[k], 1e-10) {
				t.Errorf("n=%d tensor %d: inverse(forward(T)) = %v, want %v", n, k, mat.Formatted(back[k]), mat.Formatted(ts[k]))
			}
		}
	}
}

func TestTransMultAStartsAsIdentity(t *testing.T) {
	trans := NewTransMultA(4, compute.NewCPU())
	x := randDense(rand.New(rand.NewSource(2)), 4, 2, 1)
	out, _, err := trans.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(out[0], x) {
		t.Error("zero adjacency must leave inputs unchanged")
	}
}

func TestStructuralGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	b := compute.NewCPU()
	n := 4
	trans := NewTransMultA(n, b)
	trans.A.Value.Copy(randDense(rng, n, n, 0.2))
	inv := NewInvTransMultA(n, b, nil)
	x := randDense(rng, n, 2, 1)
	w := randDense(rng, n, 2, 1)

	t.Run("trans", func(t *testing.T) {
		f := func() float64 {
			out, _, err := trans.Forward(x)
			if err != nil {
				t.Fatal(err)
			}
			return weightedSum(out[0], w)
		}
		f()
		trans.A.ZeroGrad()
		dx, err := trans.Backward([]*mat.Dense{w})
		if err != nil {
			t.Fatal(err)
		}
		checkParamGrad(t, "A", trans.A.Value.RawMatrix().Data, trans.A.Grad.RawMatrix().Data, f)
		checkParamGrad(t, "x", x.RawMatrix().Data, dx[0].RawMatrix().Data, f)
	})

	t.Run("inverse", func(t *testing.T) {
		a := trans.A.Value
		f := func() float64 {
			out, err := inv.Forward([]*mat.Dense{x}, a)
			if err != nil {
				t.Fatal(err)
			}
			return weightedSum(out[0], w)
		}
		f()
		dx, dA, err := inv.Backward([]*mat.Dense{w})
		if err != nil {
			t.Fatal(err)
		}
		checkParamGrad(t, "A", a.RawMatrix().Data, dA.RawMatrix().Data, f)
		checkParamGrad(t, "x", x.RawMatrix().Data, dx[0].RawMatrix().Data, f)
	})
}

func TestInvTransMultASingular(t *testing.T) {
	inv := NewInvTransMultA(3, compute.NewCPU(), nil)
	// I - Iᵀ is the zero matrix.
	_, err := inv.Forward([]*mat.Dense{mat.NewDense(3, 1, nil)}, compute.Identity(3))
	if !errors.Is(err, ErrSingular) {
		t.Fatalf("err = %v, want ErrSingular", err)
	}
}

func TestStructuralShapeErrors(t *testing.T) {
	b := compute.NewCPU()
	if _, _, err := NewTransMultA(3, b).Forward(mat.NewDense(4, 2, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("trans: err = %v, want ErrShape", err)
	}
	inv := NewInvTransMultA(3, b, nil)
	if _, err := inv.Forward([]*mat.Dense{mat.NewDense(3, 2, nil)}, mat.NewDense(4, 4, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("inverse adjacency: err = %v, want ErrShape", err)
	}
	if _, err := inv.Forward([]*mat.Dense{mat.NewDense(2, 2, nil)}, mat.NewDense(3, 3, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("inverse input: err = %v, want ErrShape", err)
	}
}

func TestSampleIsStochastic(t *testing.T) {
	s := NewSample(3, rand.New(rand.NewSource(4)))
	mean := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	logVar := mat.NewDense(2, 3, nil)

	z1, err := s.Forward(mean, logVar)
	if err != nil {
		t.Fatal(err)
	}
	z2, err := s.Forward(mean, logVar)
	if err != nil {
		t.Fatal(err)
	}
	if mat.Equal(z1, z2) {
		t.Error("two draws with identical inputs must differ")
	}

	z, err := s.ForwardNoise(mean, logVar, mat.NewDense(2, 3, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(z, mean) {
		t.Error("zero noise must return the mean")
	}

	lv := mat.NewDense(1, 3, []float64{0, 2 * math.Log(2), 2 * math.Log(3)})
	z, _ = s.ForwardNoise(mat.NewDense(1, 3, nil), lv, mat.NewDense(1, 3, []float64{1, 1, 1}))
	if !mat.EqualApprox(z, mat.NewDense(1, 3, []float64{1, 2, 3}), 1e-12) {
		t.Errorf("z = %v, want standard deviations 1 2 3", mat.Formatted(z))
	}

	if _, err := s.Forward(mat.NewDense(2, 4, nil), mat.NewDense(2, 4, nil)); !errors.Is(err, ErrShape) {
		t.Errorf("err = %v, want ErrShape", err)
	}
}

func TestKLDivergenceLayer(t *testing.T) {
	k := NewKLDivergence(2, 0, 0)
	mean := mat.NewDense(2, 2, []float64{0, 0, 1, 0})
	logVar := mat.NewDense(2, 2, nil)
	z := mat.NewDense(2, 2, []float64{9, 9, 9, 9})

	out, term, err := k.Forward(mean, logVar, z)
	if err != nil {
		t.Fatal(err)
	}
	if out != z {
		t.Error("z must pass through unchanged")
	}
	// Only the (1,0) entry differs from the reference: KL = 0.5, summed per
	// row and averaged over 2 rows, times beta 2.
	if term.Name != "kl" || math.Abs(term.Value-0.5) > 1e-12 {
		t.Errorf("term = %+v, want kl 0.5", term)
	}

	self := NewKLDivergence(1, 0.3, -0.2)
	_, term, _ = self.Forward(mat.NewDense(1, 2, []float64{0.3, 0.3}), mat.NewDense(1, 2, []float64{-0.2, -0.2}), z)
	if math.Abs(term.Value) > 1e-12 {
		t.Errorf("KL against itself = %g", term.Value)
	}
}
