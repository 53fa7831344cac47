package catchtrial

import (
	"testing"

	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/models"
)

func newDetector(t *testing.T) (*Detector, *audit.Log) {
	t.Helper()
	log := audit.New(nil, nil)
	d, err := New(DefaultConfig(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, log
}

func catchTrial(id int64) models.Trial {
	return models.Trial{ID: id, Ear: models.EarRight, FrequencyHz: 1000, LevelDbHL: 30, Kind: models.TrialCatch, IsCatchTrial: true}
}

func TestRecordCatchRates(t *testing.T) {
	d, log := newDetector(t)

	steps := []struct {
		responded bool
		wantRate  float64
		breached  bool
	}{
		{false, 0, false},
		{false, 0, false},
		{true, 1.0 / 3, true},
		{false, 0.25, true},
		{false, 0.2, false},
	}
	for i, s := range steps {
		sum := d.RecordCatch(catchTrial(int64(i+1)), s.responded)
		if sum.FalsePositiveRate != s.wantRate {
			t.Errorf("step %d: rate = %v, want %v", i, sum.FalsePositiveRate, s.wantRate)
		}
		if d.CeilingBreached() != s.breached {
			t.Errorf("step %d: breached = %v, want %v", i, d.CeilingBreached(), s.breached)
		}
	}

	if got := len(log.OfKind(models.KindCatchTrialScored)); got != len(steps) {
		t.Errorf("logged %d catch decisions, want %d", got, len(steps))
	}
}

func TestRecordProbeFalseNegatives(t *testing.T) {
	d, _ := newDetector(t)
	probe := models.Trial{ID: 1, Ear: models.EarLeft, FrequencyHz: 2000, LevelDbHL: 35, Kind: models.TrialProbe}

	d.RecordProbe(probe, true)
	sum := d.RecordProbe(probe, false)

	if sum.ProbesPresented != 2 || sum.ProbeMisses != 1 {
		t.Errorf("probes = %d/%d, want 2 presented, 1 miss", sum.ProbesPresented, sum.ProbeMisses)
	}
	if sum.FalseNegativeRate != 0.5 {
		t.Errorf("false negative rate = %v, want 0.5", sum.FalseNegativeRate)
	}
	if sum.CatchTrialsPresented != 0 {
		t.Error("probes must not count as catch trials")
	}
}

func TestConfigValidate(t *testing.T) {
	bad := []Config{
		{FalsePositiveCeiling: 0, MinCatchTrials: 1},
		{FalsePositiveCeiling: 1, MinCatchTrials: 1},
		{FalsePositiveCeiling: 0.2, MinCatchTrials: 0},
	}
	for _, c := range bad {
		if _, err := New(c, nil); !models.IsConfigurationError(err) {
			t.Errorf("New(%+v) error = %v, want ConfigurationError", c, err)
		}
	}
}
