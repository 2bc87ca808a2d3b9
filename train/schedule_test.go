package train

import (
	"math"
	"testing"
)

func TestSchedules(t *testing.T) {
	tests := []struct {
		cfg  ScheduleConfig
		step int
		want float64
	}{
		{ScheduleConfig{}, 7, 0.1},
		{ScheduleConfig{Kind: "cosine", MinLR: 0.01}, 0, 0.1},
		{ScheduleConfig{Kind: "cosine", MinLR: 0.01}, 5, 0.055},
		{ScheduleConfig{Kind: "cosine", MinLR: 0.01}, 10, 0.01},
		{ScheduleConfig{Kind: "exponential", DecayRate: 0.5, DecaySteps: 2}, 1, 0.1 * math.Sqrt(0.5)},
		{ScheduleConfig{Kind: "step", DecayRate: 0.5, DecaySteps: 2}, 3, 0.05},
		{ScheduleConfig{Kind: "step", DecayRate: 0.5, DecaySteps: 2}, 4, 0.025},
	}
	for _, tt := range tests {
		s, err := NewSchedule(tt.cfg, 0.1, 10)
		if err != nil {
			t.Fatalf("%+v: %v", tt.cfg, err)
		}
		if got := s.LR(tt.step); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("%s LR(%d) = %g, want %g", s.Name(), tt.step, got, tt.want)
		}
	}
}

func TestScheduleErrors(t *testing.T) {
	bad := []ScheduleConfig{
		{Kind: "warmup"},
		{Kind: "exponential"},
		{Kind: "step", DecayRate: 0.5},
	}
	for _, cfg := range bad {
		if _, err := NewSchedule(cfg, 0.1, 10); err == nil {
			t.Errorf("%+v accepted", cfg)
		}
	}
	if _, err := NewSchedule(ScheduleConfig{Kind: "cosine"}, 0.1, 0); err == nil {
		t.Error("cosine with no steps accepted")
	}

	cfg := DefaultConfig()
	cfg.Schedule.Kind = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted an unknown schedule")
	}
}
