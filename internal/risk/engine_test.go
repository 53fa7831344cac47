package risk

import (
	"reflect"
	"testing"

	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/timing"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func intPtr(v int) *int { return &v }

func confirmed(ear models.Ear, hz, threshold int) models.PerFrequencyState {
	return models.PerFrequencyState{
		Ear:         ear,
		FrequencyHz: hz,
		Status:      models.StatusThresholdConfirmed,
		Threshold:   intPtr(threshold),
	}
}

// audiogram builds confirmed pairs from hz -> threshold maps.
func audiogram(right, left map[int]int) []models.PerFrequencyState {
	var out []models.PerFrequencyState
	for hz, t := range right {
		out = append(out, confirmed(models.EarRight, hz, t))
	}
	for hz, t := range left {
		out = append(out, confirmed(models.EarLeft, hz, t))
	}
	return out
}

func factorScore(t *testing.T, a models.RiskAssessment, name string) float64 {
	t.Helper()
	f, ok := a.Factor(name)
	if !ok {
		t.Fatalf("factor %s missing", name)
	}
	return f.Score
}

func TestAnticipatoryLatenciesReachHigh(t *testing.T) {
	analyzer, err := timing.New(timing.DefaultConfig())
	if err != nil {
		t.Fatalf("timing.New: %v", err)
	}
	for i := 0; i < 25; i++ {
		analyzer.Observe(100)
	}

	plausible := audiogram(
		map[int]int{500: 10, 1000: 10, 2000: 15, 4000: 20},
		map[int]int{500: 15, 1000: 10, 2000: 10, 4000: 25},
	)
	a := newEngine(t).Assess(Input{Frequencies: plausible, Reliability: analyzer.Reliability()})

	if got := factorScore(t, a, FactorTiming); got != 100 {
		t.Errorf("timing sub-score = %v, want saturated 100", got)
	}
	if a.Category < models.RiskHigh {
		t.Errorf("category = %s, want at least High", a.Category)
	}
}

func TestCatchBreachEscalates(t *testing.T) {
	e := newEngine(t)
	freqs := audiogram(map[int]int{1000: 10}, map[int]int{1000: 15})

	clean := e.Assess(Input{Frequencies: freqs, Catch: models.CatchTrialSummary{CatchTrialsPresented: 5}})
	if clean.Category != models.RiskLow || len(clean.Escalations) != 0 {
		t.Fatalf("clean session = %s %v, want Low without escalation", clean.Category, clean.Escalations)
	}

	breached := e.Assess(Input{Frequencies: freqs, Catch: models.CatchTrialSummary{
		CatchTrialsPresented: 4,
		FalsePositives:       2,
		FalsePositiveRate:    0.5,
	}})
	if breached.BaseCategory != models.RiskLow {
		t.Errorf("base category = %s, want Low", breached.BaseCategory)
	}
	if breached.Category != models.RiskModerate {
		t.Errorf("category = %s, want Moderate", breached.Category)
	}
	if len(breached.Escalations) != 1 {
		t.Errorf("escalations = %v, want one", breached.Escalations)
	}
	if breached.Score != clean.Score {
		t.Errorf("escalation changed the score: %v vs %v", breached.Score, clean.Score)
	}
}

func TestEscalationCapsAtVeryHigh(t *testing.T) {
	if got := escalate(models.RiskVeryHigh); got != models.RiskVeryHigh {
		t.Errorf("escalate(VeryHigh) = %s", got)
	}
	if got := escalate(models.RiskHigh); got != models.RiskVeryHigh {
		t.Errorf("escalate(High) = %s", got)
	}
}

func TestSymmetry(t *testing.T) {
	tests := []struct {
		name  string
		right map[int]int
		left  map[int]int
		want  float64
	}{
		{
			name:  "natural variability",
			right: map[int]int{500: 30, 1000: 35, 2000: 40, 4000: 45},
			left:  map[int]int{500: 35, 1000: 30, 2000: 50, 4000: 40},
			want:  0,
		},
		{
			name:  "gross asymmetry",
			right: map[int]int{500: 70, 1000: 70, 2000: 70, 4000: 70},
			left:  map[int]int{500: 10, 1000: 10, 2000: 10, 4000: 10},
			want:  100,
		},
		{
			name:  "identical elevated ears",
			right: map[int]int{500: 50, 1000: 50, 2000: 50, 4000: 50},
			left:  map[int]int{500: 50, 1000: 50, 2000: 50, 4000: 50},
			want:  100,
		},
		{
			name:  "identical but too few pairs",
			right: map[int]int{500: 50, 1000: 50, 2000: 50},
			left:  map[int]int{500: 50, 1000: 50, 2000: 50},
			want:  0,
		},
		{
			name:  "identical normal hearing",
			right: map[int]int{500: 10, 1000: 10, 2000: 10, 4000: 10},
			left:  map[int]int{500: 10, 1000: 10, 2000: 10, 4000: 10},
			want:  0,
		},
	}
	e := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := e.Assess(Input{Frequencies: audiogram(tt.right, tt.left)})
			if got := factorScore(t, a, FactorSymmetry); got != tt.want {
				t.Errorf("symmetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCrossFrequencyPlausibility(t *testing.T) {
	tests := []struct {
		name  string
		right map[int]int
		want  float64
	}{
		{"sloping loss", map[int]int{250: 10, 500: 15, 1000: 20, 2000: 35, 4000: 50}, 0},
		{"isolated peak", map[int]int{250: 10, 500: 40, 1000: 10}, 40},
		{"noise notch", map[int]int{2000: 10, 4000: 45, 8000: 10}, 0},
		{"isolated valley", map[int]int{1000: 50, 2000: 20, 4000: 50}, 40},
		{"saw tooth", map[int]int{250: 10, 500: 40, 750: 10, 1000: 40, 1500: 10}, 100},
	}
	e := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := e.Assess(Input{Frequencies: audiogram(tt.right, nil)})
			if got := factorScore(t, a, FactorPlausibility); got != tt.want {
				t.Errorf("plausibility = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestThresholdConsistency(t *testing.T) {
	e := newEngine(t)

	within := confirmed(models.EarRight, 1000, 20)
	within.RetestThreshold = intPtr(30)
	a := e.Assess(Input{Frequencies: []models.PerFrequencyState{within}})
	if got := factorScore(t, a, FactorConsistency); got != 0 {
		t.Errorf("10 dB retest difference scored %v, want 0", got)
	}

	beyond := confirmed(models.EarRight, 1000, 20)
	beyond.RetestThreshold = intPtr(35)
	a = e.Assess(Input{Frequencies: []models.PerFrequencyState{beyond}})
	if got := factorScore(t, a, FactorConsistency); got != 75 {
		t.Errorf("15 dB retest difference scored %v, want 75", got)
	}
}

func TestAssessIsPure(t *testing.T) {
	e := newEngine(t)
	in := Input{
		Frequencies: audiogram(
			map[int]int{250: 10, 500: 40, 1000: 10},
			map[int]int{250: 60, 500: 65, 1000: 70},
		),
		Catch:       models.CatchTrialSummary{CatchTrialsPresented: 3, FalsePositives: 1, FalsePositiveRate: 1.0 / 3},
		Reliability: models.ReliabilityScore{ResponseCount: 20, AnticipatoryCount: 2, AnticipatoryFraction: 0.1, UniformLatencies: true},
	}
	first := e.Assess(in)
	second := e.Assess(in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Assess is not deterministic:\n%+v\n%+v", first, second)
	}
	if first.Score < 0 || first.Score > 100 {
		t.Errorf("score %v outside [0, 100]", first.Score)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative weight", func(c *Config) { c.TimingWeight = -1 }},
		{"bands out of order", func(c *Config) { c.HighFrom = 10 }},
		{"band above max", func(c *Config) { c.VeryHighFrom = 120 }},
		{"saturation zero", func(c *Config) { c.AnticipatorySaturation = 0 }},
		{"catch ceiling", func(c *Config) { c.Catch.FalsePositiveCeiling = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); !models.IsConfigurationError(err) {
				t.Errorf("error = %v, want ConfigurationError", err)
			}
		})
	}
}
