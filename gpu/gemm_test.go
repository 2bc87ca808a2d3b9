package gpu

import (
	"strings"
	"testing"
)

func TestGenerateShaderBakesShape(t *testing.T) {
	g := NewGEMM(0)
	if g.WorkgroupX != 64 {
		t.Fatalf("default workgroup = %d, want 64", g.WorkgroupX)
	}

	src := g.GenerateShader(3, 5, 7)
	for _, want := range []string{"@workgroup_size(64)", "let m = 3u;", "let k = 5u;", "let n = 7u;", "idx % n"} {
		if !strings.Contains(src, want) {
			t.Errorf("shader missing %q", want)
		}
	}
}

func TestMatMulRejectsBadOperands(t *testing.T) {
	g := NewGEMM(32)
	if _, err := g.MatMul(make([]float32, 5), make([]float32, 6), 2, 3, 2); err == nil {
		t.Fatal("expected operand length error")
	}
}

func TestMatMulOnDevice(t *testing.T) {
	if _, err := GetContext(); err != nil {
		t.Skipf("no WebGPU device: %v", err)
	}

	g := NewGEMM(64)
	defer g.Release()

	a := []float32{1, 2, 3, 4, 5, 6}    // 2x3
	b := []float32{7, 8, 9, 10, 11, 12} // 3x2
	got, err := g.MatMul(a, b, 2, 3, 2)
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	want := []float32{58, 64, 139, 154}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("c[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
