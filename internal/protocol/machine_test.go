package protocol

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/models"
)

func newMachine(t *testing.T, cfg Config) (*Machine, *audit.Log) {
	t.Helper()
	log := audit.New(nil, nil)
	m, err := New(models.EarRight, 1000, cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, log
}

// drive feeds scripted answers until the machine finalizes or the script
// runs out, returning the presented levels.
func drive(t *testing.T, m *Machine, answers []bool) []int {
	t.Helper()
	var levels []int
	for i, yes := range answers {
		if m.Final() {
			break
		}
		trial, err := m.PresentNextStimulus(int64(i+1), time.Time{})
		if err != nil {
			t.Fatalf("PresentNextStimulus #%d: %v", i+1, err)
		}
		levels = append(levels, trial.LevelDbHL)
		_, err = m.RecordResponse(Response{TrialID: trial.ID, Responded: yes, LatencyMs: 500, ValidTiming: true})
		if err != nil && !errors.Is(err, models.ErrProtocolExceeded) {
			t.Fatalf("RecordResponse #%d: %v", i+1, err)
		}
	}
	return levels
}

// respondAbove answers like a noiseless listener with the given threshold.
func respondAbove(t *testing.T, m *Machine, threshold, maxTrials int) []int {
	t.Helper()
	var levels []int
	for i := 0; i < maxTrials && !m.Final(); i++ {
		trial, err := m.PresentNextStimulus(int64(i+1), time.Time{})
		if err != nil {
			t.Fatalf("PresentNextStimulus: %v", err)
		}
		levels = append(levels, trial.LevelDbHL)
		_, err = m.RecordResponse(Response{TrialID: trial.ID, Responded: trial.LevelDbHL >= threshold, ValidTiming: true})
		if err != nil && !errors.Is(err, models.ErrProtocolExceeded) {
			t.Fatalf("RecordResponse: %v", err)
		}
	}
	return levels
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAlternatingResponsesConfirmAfterSixReversals(t *testing.T) {
	m, log := newMachine(t, DefaultConfig())

	// Confirms at 20 dB HL, not 5: see "Reversal counting" in DESIGN.md.
	answers := []bool{true, false, true, false, true, false, true, false, true}
	levels := drive(t, m, answers)

	wantLevels := []int{30, 20, 25, 15, 20, 10}
	if !equalInts(levels, wantLevels) {
		t.Fatalf("levels = %v, want %v", levels, wantLevels)
	}
	st := m.State()
	if st.Status != models.StatusThresholdConfirmed {
		t.Fatalf("status = %s, want THRESHOLD_CONFIRMED", st.Status)
	}
	if st.ReversalCount != 6 {
		t.Errorf("reversals = %d, want 6", st.ReversalCount)
	}
	if st.Threshold == nil || *st.Threshold != 20 {
		t.Errorf("threshold = %v, want 20", st.Threshold)
	}
	if st.Confidence == nil || *st.Confidence <= 0 || *st.Confidence > 1 {
		t.Errorf("confidence = %v, want in (0, 1]", st.Confidence)
	}

	if _, err := m.PresentNextStimulus(99, time.Time{}); !errors.Is(err, ErrFinalized) {
		t.Errorf("PresentNextStimulus after confirmation error = %v, want ErrFinalized", err)
	}
	if got := len(log.OfKind(models.KindReversalCounted)); got != 6 {
		t.Errorf("logged %d reversals, want 6", got)
	}
	if got := len(log.OfKind(models.KindThresholdConfirmed)); got != 1 {
		t.Errorf("logged %d confirmations, want 1", got)
	}
}

func TestSeekingAscendsAndAbandonsAtMaximum(t *testing.T) {
	m, log := newMachine(t, DefaultConfig())

	var levels []int
	var lastErr error
	for i := 0; i < 50 && !m.Final(); i++ {
		trial, err := m.PresentNextStimulus(int64(i+1), time.Time{})
		if err != nil {
			t.Fatalf("PresentNextStimulus: %v", err)
		}
		levels = append(levels, trial.LevelDbHL)
		_, lastErr = m.RecordResponse(Response{TrialID: trial.ID})
	}

	want := []int{30, 40, 50, 60, 70, 80, 90, 100, 110, 120}
	if !equalInts(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	if !errors.Is(lastErr, models.ErrProtocolExceeded) {
		t.Errorf("final error = %v, want ErrProtocolExceeded", lastErr)
	}
	st := m.State()
	if st.Status != models.StatusAbandoned {
		t.Errorf("status = %s, want ABANDONED", st.Status)
	}
	if st.Note != UndeterminedNote {
		t.Errorf("note = %q, want %q", st.Note, UndeterminedNote)
	}
	if st.Threshold != nil {
		t.Error("abandoned frequency must not carry a threshold")
	}
	if len(log.OfKind(models.KindFrequencyAbandoned)) != 1 {
		t.Error("abandonment was not logged")
	}
}

func TestBracketingAbandonsAtMaximum(t *testing.T) {
	m, _ := newMachine(t, DefaultConfig())

	answers := make([]bool, 40)
	answers[0] = true
	levels := drive(t, m, answers)

	want := []int{30}
	for l := 20; l <= 120; l += 5 {
		want = append(want, l)
	}
	if !equalInts(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	st := m.State()
	if st.Status != models.StatusAbandoned {
		t.Errorf("status = %s, want ABANDONED", st.Status)
	}
	if st.Threshold != nil {
		t.Error("abandoned frequency must not carry a threshold")
	}
}

func TestReversalsCountedAtClampFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartLevel = 0
	m, _ := newMachine(t, cfg)

	levels := drive(t, m, []bool{true, true, false})

	if want := []int{0, -10, -10}; !equalInts(levels, want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	st := m.State()
	if st.ReversalCount != 2 {
		t.Errorf("reversals = %d, want 2", st.ReversalCount)
	}
	if h := st.TrialHistory; h[1].Reversal || !h[2].Reversal {
		t.Errorf("reversal flags = %v, %v, want false, true", h[1].Reversal, h[2].Reversal)
	}
}

func TestTrialCeilingAbandons(t *testing.T) {
	m, _ := newMachine(t, DefaultConfig())

	answers := make([]bool, 40)
	for i := range answers {
		answers[i] = true
	}
	levels := drive(t, m, answers)

	if len(levels) != 30 {
		t.Fatalf("presented %d trials, want 30", len(levels))
	}
	for _, l := range levels {
		if l < models.MinLevelDbHL {
			t.Fatalf("level %d below floor", l)
		}
	}
	st := m.State()
	if st.Status != models.StatusAbandoned {
		t.Errorf("status = %s, want ABANDONED", st.Status)
	}
	if st.ReversalCount != 1 {
		t.Errorf("reversals = %d, want 1", st.ReversalCount)
	}
}

func TestThresholdRules(t *testing.T) {
	answers := []bool{true, true, false, true, false, true, true, false}

	tests := []struct {
		rule ThresholdRule
		want int
	}{
		{RuleLowestResponse, 0},
		{RuleLastReversal, 10},
		{RuleAscendingMajority, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.rule), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ThresholdRule = tt.rule
			m, _ := newMachine(t, cfg)

			levels := drive(t, m, answers)
			wantLevels := []int{30, 20, 10, 15, 5, 10, 0, -10}
			if !equalInts(levels, wantLevels) {
				t.Fatalf("levels = %v, want %v", levels, wantLevels)
			}
			st := m.State()
			if st.Status != models.StatusThresholdConfirmed {
				t.Fatalf("status = %s, want confirmed", st.Status)
			}
			if *st.Threshold != tt.want {
				t.Errorf("threshold = %d, want %d", *st.Threshold, tt.want)
			}
		})
	}
}

func TestAscendingMajorityNeedsRepeatedAscents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThresholdRule = RuleAscendingMajority
	cfg.RequiredReversals = 10
	m, _ := newMachine(t, cfg)

	respondAbove(t, m, 25, cfg.MaxTrials)

	st := m.State()
	if st.Status != models.StatusThresholdConfirmed {
		t.Fatalf("status = %s, want confirmed", st.Status)
	}
	if *st.Threshold != 25 {
		t.Errorf("threshold = %d, want 25", *st.Threshold)
	}
}

func TestNoiselessListenerConverges(t *testing.T) {
	for _, threshold := range []int{0, 15, 25, 40, 75, 110} {
		m, _ := newMachine(t, DefaultConfig())
		respondAbove(t, m, threshold, 40)
		st := m.State()
		if st.Status != models.StatusThresholdConfirmed {
			t.Errorf("threshold %d: status = %s, want confirmed", threshold, st.Status)
			continue
		}
		if *st.Threshold != threshold {
			t.Errorf("threshold %d: measured %d", threshold, *st.Threshold)
		}
	}
}

func TestSpuriousAndDuplicateTrials(t *testing.T) {
	m, _ := newMachine(t, DefaultConfig())

	if _, err := m.RecordResponse(Response{TrialID: 1, Responded: true}); !errors.Is(err, models.ErrSpuriousResponse) {
		t.Errorf("response without outstanding trial: error = %v, want ErrSpuriousResponse", err)
	}

	trial, err := m.PresentNextStimulus(5, time.Time{})
	if err != nil {
		t.Fatalf("PresentNextStimulus: %v", err)
	}
	if _, err := m.PresentNextStimulus(6, time.Time{}); !errors.Is(err, ErrTrialOutstanding) {
		t.Errorf("second PresentNextStimulus error = %v, want ErrTrialOutstanding", err)
	}
	if _, err := m.RecordResponse(Response{TrialID: trial.ID + 1, Responded: true}); !errors.Is(err, models.ErrSpuriousResponse) {
		t.Errorf("mismatched trial ID error = %v, want ErrSpuriousResponse", err)
	}

	st := m.State()
	if st.CurrentLevel != 30 || st.ReversalCount != 0 || len(st.TrialHistory) != 0 {
		t.Errorf("spurious responses changed state: %+v", st)
	}
	if _, err := m.RecordResponse(Response{TrialID: trial.ID, Responded: true}); err != nil {
		t.Errorf("matching response rejected: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"start above clamp", func(c *Config) { c.StartLevel = 130 }},
		{"start below clamp", func(c *Config) { c.StartLevel = -20 }},
		{"range beyond audiometer", func(c *Config) { c.MaxLevel = 125 }},
		{"inverted range", func(c *Config) { c.MinLevel, c.MaxLevel = 50, 40 }},
		{"zero ascend step", func(c *Config) { c.AscendStepDb = 0 }},
		{"no reversals", func(c *Config) { c.RequiredReversals = 0 }},
		{"ceiling below reversals", func(c *Config) { c.MaxTrials = 3 }},
		{"unknown rule", func(c *Config) { c.ThresholdRule = "median" }},
		{"zero weights", func(c *Config) { c.ReversalWeight, c.TimingWeight, c.SpreadWeight = 0, 0, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(models.EarLeft, 500, cfg, nil)
			if !models.IsConfigurationError(err) {
				t.Errorf("error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestTimingValidityLowersConfidence(t *testing.T) {
	run := func(valid bool) float64 {
		m, _ := newMachine(t, DefaultConfig())
		for i := 0; !m.Final(); i++ {
			trial, _ := m.PresentNextStimulus(int64(i+1), time.Time{})
			_, _ = m.RecordResponse(Response{TrialID: trial.ID, Responded: trial.LevelDbHL >= 25, ValidTiming: valid})
		}
		return *m.State().Confidence
	}
	good, bad := run(true), run(false)
	if good <= bad {
		t.Errorf("confidence with valid timing %.3f should exceed invalid timing %.3f", good, bad)
	}
}

// TestStaircaseInvariants drives the machine with random answers and checks
// the clamp, reversal and bracketing invariants on every run.
func TestStaircaseInvariants(t *testing.T) {
	cfg := DefaultConfig()
	for seed := int64(1); seed <= 300; seed++ {
		rng := rand.New(rand.NewSource(seed))
		m, _ := newMachine(t, cfg)
		pYes := rng.Float64()

		for i := 0; !m.Final(); i++ {
			trial, err := m.PresentNextStimulus(int64(i+1), time.Time{})
			if err != nil {
				t.Fatalf("seed %d: %v", seed, err)
			}
			if trial.LevelDbHL < cfg.MinLevel || trial.LevelDbHL > cfg.MaxLevel {
				t.Fatalf("seed %d: level %d outside clamp", seed, trial.LevelDbHL)
			}
			_, _ = m.RecordResponse(Response{TrialID: trial.ID, Responded: rng.Float64() < pYes, ValidTiming: true})
		}

		st := m.State()
		if len(st.TrialHistory) > cfg.MaxTrials {
			t.Fatalf("seed %d: %d trials exceed ceiling", seed, len(st.TrialHistory))
		}

		// Recount reversals from the history.
		reversals := 0
		seenResponse := false
		for i, tr := range st.TrialHistory {
			want := false
			if !seenResponse {
				want = tr.Responded
			} else {
				for j := i - 1; j >= 0; j-- {
					if prev := st.TrialHistory[j]; prev.LevelDbHL != tr.LevelDbHL {
						want = prev.Responded != tr.Responded
						break
					}
				}
			}
			if tr.Reversal != want {
				t.Fatalf("seed %d: trial %d reversal = %v, want %v", seed, i, tr.Reversal, want)
			}
			if tr.Responded {
				seenResponse = true
			}
			if want {
				reversals++
			}
		}
		if reversals != st.ReversalCount {
			t.Fatalf("seed %d: reversal count %d, history has %d", seed, st.ReversalCount, reversals)
		}
		for i, tr := range st.TrialHistory[:len(st.TrialHistory)-1] {
			if !tr.Responded && tr.LevelDbHL == cfg.MaxLevel {
				t.Fatalf("seed %d: trial %d went unanswered at %d dB HL without abandoning", seed, i, cfg.MaxLevel)
			}
		}

		if st.Status == models.StatusThresholdConfirmed {
			if st.ReversalCount != cfg.RequiredReversals {
				t.Fatalf("seed %d: confirmed with %d reversals", seed, st.ReversalCount)
			}
			for _, tr := range st.TrialHistory {
				if tr.Responded && tr.LevelDbHL < *st.Threshold {
					t.Fatalf("seed %d: response at %d below threshold %d", seed, tr.LevelDbHL, *st.Threshold)
				}
			}
		}
	}
}
