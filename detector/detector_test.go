package detector

import (
	"testing"

	"github.com/openfluke/webgpu/wgpu"
)

func TestChooseWorkgroup(t *testing.T) {
	tests := []struct {
		name   string
		maxX   uint32
		maxTot uint32
		want   uint32
	}{
		{"roomy", 1024, 1024, 256},
		{"capped by invocations", 1024, 64, 64},
		{"capped by x", 32, 256, 32},
		{"degenerate", 0, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l wgpu.SupportedLimits
			l.Limits.MaxComputeWorkgroupSizeX = tt.maxX
			l.Limits.MaxComputeInvocationsPerWorkgroup = tt.maxTot
			if got := chooseWorkgroup(l); got != tt.want {
				t.Errorf("chooseWorkgroup = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBudgetEnvOverride(t *testing.T) {
	t.Setenv(BudgetEnv, "")
	if got := budgetBytes(); got != 128*1024*1024 {
		t.Errorf("default budget = %d", got)
	}

	t.Setenv(BudgetEnv, "16")
	if got := budgetBytes(); got != 16*1024*1024 {
		t.Errorf("override budget = %d", got)
	}

	t.Setenv(BudgetEnv, "garbage")
	if got := budgetBytes(); got != 128*1024*1024 {
		t.Errorf("invalid override should keep default, got %d", got)
	}
}

func TestReportFitsAndHardware(t *testing.T) {
	r := &Report{
		AdapterType: "DiscreteGPU",
		Limits:      Limits{MaxStorageBufferBindingSize: 1 << 20},
		Recommended: Recommendations{BudgetBytes: 1 << 30},
	}
	if !r.Hardware() {
		t.Error("discrete GPU should count as hardware")
	}
	if !r.Fits(1024) {
		t.Error("4KiB operand should fit")
	}
	if r.Fits(1 << 20) {
		t.Error("4MiB operand exceeds the 1MiB binding limit")
	}

	r.AdapterType = "CPU"
	if r.Hardware() {
		t.Error("software adapter reported as hardware")
	}
}
