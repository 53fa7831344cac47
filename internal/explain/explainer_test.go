package explain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/models"
)

type unknownPayload struct{}

func (unknownPayload) Kind() models.DecisionKind { return "unknown" }

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		payload models.Payload
		want    []string
	}{
		{
			name:    "scored trial",
			payload: models.TrialPresented{TrialID: 7, Ear: models.EarRight, FrequencyHz: 1000, LevelDbHL: 30, TrialKind: models.TrialScored},
			want:    []string{"Trial 7", "Right ear 1000 Hz", "30 dB HL"},
		},
		{
			name:    "catch trial",
			payload: models.TrialPresented{TrialID: 8, Ear: models.EarLeft, FrequencyHz: 2000, TrialKind: models.TrialCatch},
			want:    []string{"Catch trial 8", "silence"},
		},
		{
			name:    "descending step",
			payload: models.LevelChanged{Ear: models.EarRight, FrequencyHz: 1000, FromLevel: 30, ToLevel: 20, Responded: true, Direction: models.Descending, DirectionChanged: true},
			want:    []string{"Lowered", "from 30 to 20", "a response", "now descending"},
		},
		{
			name:    "clamped step",
			payload: models.LevelChanged{Ear: models.EarLeft, FrequencyHz: 250, FromLevel: 120, ToLevel: 120, Clamped: true},
			want:    []string{"Kept", "120 dB HL", "output range"},
		},
		{
			name:    "reversal",
			payload: models.ReversalCounted{Ear: models.EarLeft, FrequencyHz: 4000, LevelDbHL: 25, Number: 3, Required: 6},
			want:    []string{"Reversal 3 of 6", "Left ear 4000 Hz", "no response"},
		},
		{
			name:    "confirmed",
			payload: models.ThresholdConfirmed{Ear: models.EarRight, FrequencyHz: 500, ThresholdDbHL: 15, Confidence: 0.82, Reversals: 6, Trials: 11, Rule: "lowest_response"},
			want:    []string{"Threshold", "15 dB HL", "6 reversals", "0.82"},
		},
		{
			name:    "retest",
			payload: models.ThresholdConfirmed{Ear: models.EarRight, FrequencyHz: 1000, ThresholdDbHL: 20, Retest: true},
			want:    []string{"Retest threshold"},
		},
		{
			name:    "abandoned",
			payload: models.FrequencyAbandoned{Ear: models.EarLeft, FrequencyHz: 8000, Trials: 10, LastLevel: 120, Reason: "no response at maximum output level"},
			want:    []string{"abandoned", "follow-up required"},
		},
		{
			name:    "false positive",
			payload: models.CatchTrialScored{TrialID: 3, Responded: true, FalsePositives: 1, Presented: 3, Rate: 1.0 / 3, CeilingBreached: true},
			want:    []string{"false positive", "1/3", "33%", "ceiling"},
		},
		{
			name:    "probe miss",
			payload: models.ProbeScored{TrialID: 40, Ear: models.EarRight, FrequencyHz: 2000, LevelDbHL: 35, Misses: 1, Presented: 2},
			want:    []string{"missed", "1 of 2"},
		},
		{
			name:    "beyond ceiling",
			payload: models.ResponseRecorded{TrialID: 4, Responded: true, LatencyMs: 3400, LatencyClass: "delayed", BeyondCeiling: true, TreatedAsNoResponse: true},
			want:    []string{"3400 ms", "scored as no response"},
		},
		{
			name: "escalated risk",
			payload: models.RiskAssessed{Assessment: models.RiskAssessment{
				Score:        12,
				Category:     models.RiskModerate,
				BaseCategory: models.RiskLow,
				ContributingFactors: []models.RiskFactor{
					{Name: "timing_anomaly", Score: 26.7, Detail: "7% anticipatory responses"},
					{Name: "bilateral_symmetry"},
				},
				Escalations: []string{"catch-trial false-positive rate 50% exceeds 20% ceiling"},
			}},
			want: []string{"Moderate", "timing anomaly 27", "Escalated from Low"},
		},
		{
			name:    "timeout",
			payload: models.TrialTimedOut{TrialID: 9, WaitedMs: 5000},
			want:    []string{"trial 9", "5000 ms"},
		},
		{
			name:    "audio gave up",
			payload: models.CollaboratorFailed{TrialID: 5, Attempt: 2, Error: "device busy", GaveUp: true},
			want:    []string{"failed again", "device busy"},
		},
		{
			name:    "session status",
			payload: models.SessionStatusChanged{SessionID: "abc", From: models.SessionInProgress, To: models.SessionIncomplete, Reason: "operator abort"},
			want:    []string{"abc", "INCOMPLETE", "operator abort"},
		},
	}

	e := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render(models.DecisionLogEntry{Kind: tt.payload.Kind(), Payload: tt.payload})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("Render() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestRenderUnknownPayload(t *testing.T) {
	_, err := New().Render(models.DecisionLogEntry{Kind: "unknown", Payload: unknownPayload{}})
	if !errors.Is(err, ErrUnknownPayload) {
		t.Errorf("error = %v, want ErrUnknownPayload", err)
	}
}

func TestRenderStoredPayload(t *testing.T) {
	live := models.ReversalCounted{Ear: models.EarRight, FrequencyHz: 1000, LevelDbHL: 20, Number: 2, Required: 6, Responded: true}
	data, err := json.Marshal(live)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	e := New()
	want, _ := e.Render(models.DecisionLogEntry{Kind: live.Kind(), Payload: live})
	got, err := e.Render(models.DecisionLogEntry{
		Kind:    models.KindReversalCounted,
		Payload: models.RawPayload{DecisionKind: models.KindReversalCounted, Data: data},
	})
	if err != nil {
		t.Fatalf("Render stored: %v", err)
	}
	if got != want {
		t.Errorf("stored rationale %q differs from live %q", got, want)
	}

	_, err = e.Render(models.DecisionLogEntry{
		Kind:    "future_kind",
		Payload: models.RawPayload{DecisionKind: "future_kind", Data: json.RawMessage(`{}`)},
	})
	if !errors.Is(err, ErrUnknownPayload) {
		t.Errorf("unknown stored kind error = %v, want ErrUnknownPayload", err)
	}
}

func TestExplainerAsLogRenderer(t *testing.T) {
	log := audit.New(New(), nil)

	ok := log.Append(models.SourceOrchestrator, models.TrialAborted{TrialID: 12})
	if !strings.Contains(ok.Rationale, "Trial 12 aborted") {
		t.Errorf("rationale = %q", ok.Rationale)
	}

	bad := log.Append(models.SourceOrchestrator, unknownPayload{})
	if bad.Rationale != audit.RationaleUnavailable {
		t.Errorf("rationale = %q, want %q", bad.Rationale, audit.RationaleUnavailable)
	}
	if log.Len() != 2 {
		t.Errorf("log has %d entries, want 2", log.Len())
	}
}
