package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }

func confirmed(ear Ear, hz, threshold int) PerFrequencyState {
	return PerFrequencyState{
		Ear:         ear,
		FrequencyHz: hz,
		Status:      StatusThresholdConfirmed,
		Threshold:   intPtr(threshold),
		Confidence:  floatPtr(0.8),
	}
}

func TestSessionStateValidate(t *testing.T) {
	start := time.Now()
	base := func() SessionState {
		return SessionState{
			ID:        "session-1",
			Status:    SessionComplete,
			StartedAt: start,
			EndedAt:   start.Add(time.Minute),
			Frequencies: []PerFrequencyState{
				confirmed(EarRight, 1000, 20),
			},
			Trials: []Trial{
				{ID: 1, Ear: EarRight, FrequencyHz: 1000, LevelDbHL: 30, Kind: TrialScored},
				{ID: 2, Ear: EarRight, FrequencyHz: 1000, LevelDbHL: 20, Kind: TrialScored},
			},
			Responses: []ResponseEvent{{TrialID: 1, Responded: true}, {TrialID: 2}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(s *SessionState)
		wantErr bool
	}{
		{name: "valid complete session", mutate: func(s *SessionState) {}},
		{name: "empty ID", mutate: func(s *SessionState) { s.ID = "" }, wantErr: true},
		{name: "still in progress", mutate: func(s *SessionState) { s.Status = SessionInProgress }, wantErr: true},
		{name: "ended before start", mutate: func(s *SessionState) { s.EndedAt = start.Add(-time.Second) }, wantErr: true},
		{name: "non-monotonic trial IDs", mutate: func(s *SessionState) { s.Trials[1].ID = 1 }, wantErr: true},
		{name: "level above clamp", mutate: func(s *SessionState) { s.Trials[0].LevelDbHL = 125 }, wantErr: true},
		{name: "orphaned response", mutate: func(s *SessionState) { s.Responses[0].TrialID = 99 }, wantErr: true},
		{
			name:    "confirmed without threshold",
			mutate:  func(s *SessionState) { s.Frequencies[0].Threshold = nil },
			wantErr: true,
		},
		{
			name:    "confidence out of range",
			mutate:  func(s *SessionState) { s.Frequencies[0].Confidence = floatPtr(1.5) },
			wantErr: true,
		},
		{
			name: "not tested in complete session",
			mutate: func(s *SessionState) {
				s.Frequencies = append(s.Frequencies, PerFrequencyState{Ear: EarLeft, FrequencyHz: 1000, Status: StatusNotTested})
			},
			wantErr: true,
		},
		{
			name: "not tested in incomplete session",
			mutate: func(s *SessionState) {
				s.Status = SessionIncomplete
				s.Frequencies = append(s.Frequencies, PerFrequencyState{Ear: EarLeft, FrequencyHz: 1000, Status: StatusNotTested})
			},
		},
		{
			name: "pair left bracketing",
			mutate: func(s *SessionState) {
				s.Frequencies[0].Status = StatusBracketing
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := &SessionState{
		ID:          "s",
		Frequencies: []PerFrequencyState{confirmed(EarRight, 1000, 20)},
		RiskHistory: []RiskAssessment{{Score: 10, ContributingFactors: []RiskFactor{{Name: "timing", Score: 1}}}},
	}
	s.Frequencies[0].TrialHistory = []ScoredTrial{{TrialID: 1, LevelDbHL: 30}}

	snap := s.Snapshot()
	*snap.Frequencies[0].Threshold = 99
	snap.Frequencies[0].TrialHistory[0].LevelDbHL = 99
	snap.RiskHistory[0].ContributingFactors[0].Score = 99

	if *s.Frequencies[0].Threshold != 20 {
		t.Errorf("threshold leaked through snapshot: %d", *s.Frequencies[0].Threshold)
	}
	if s.Frequencies[0].TrialHistory[0].LevelDbHL != 30 {
		t.Errorf("trial history leaked through snapshot")
	}
	if s.RiskHistory[0].ContributingFactors[0].Score != 1 {
		t.Errorf("risk factors leaked through snapshot")
	}
}

func TestPureToneAverage(t *testing.T) {
	s := &SessionState{Frequencies: []PerFrequencyState{
		confirmed(EarRight, 500, 10),
		confirmed(EarRight, 1000, 20),
		confirmed(EarRight, 2000, 30),
		confirmed(EarLeft, 500, 10),
	}}

	pta, ok := s.PureToneAverage(EarRight)
	if !ok || pta != 20 {
		t.Errorf("PureToneAverage(right) = %v, %v; want 20, true", pta, ok)
	}
	if _, ok := s.PureToneAverage(EarLeft); ok {
		t.Error("expected no PTA for left ear with missing thresholds")
	}
}

func TestRiskCategoryText(t *testing.T) {
	for c := RiskLow; c <= RiskVeryHigh; c++ {
		b, err := c.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText: %v", err)
		}
		var back RiskCategory
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if back != c {
			t.Errorf("round trip %s -> %s", c, back)
		}
	}

	var c RiskCategory
	if err := c.UnmarshalText([]byte("Extreme")); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestRawPayloadMarshal(t *testing.T) {
	entry := DecisionLogEntry{
		Seq:     1,
		Kind:    KindReversalCounted,
		Payload: RawPayload{DecisionKind: KindReversalCounted, Data: json.RawMessage(`{"number":2}`)},
	}
	b, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Payload struct {
			Number int `json:"number"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Payload.Number != 2 {
		t.Errorf("payload number = %d, want 2", decoded.Payload.Number)
	}
}

func TestConfigurationError(t *testing.T) {
	err := error(&ConfigurationError{Field: "protocol.start_level", Reason: "outside clamp range"})
	wrapped := errors.Join(errors.New("setup"), err)
	if !IsConfigurationError(wrapped) {
		t.Error("expected wrapped ConfigurationError to be detected")
	}
	if IsConfigurationError(ErrProtocolExceeded) {
		t.Error("ErrProtocolExceeded is not a configuration error")
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(KindReversalCounted, json.RawMessage(`{"ear":"left","frequency_hz":2000,"number":3,"required":6}`))
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	rc, ok := p.(ReversalCounted)
	if !ok {
		t.Fatalf("payload type = %T, want ReversalCounted", p)
	}
	if rc.Ear != EarLeft || rc.FrequencyHz != 2000 || rc.Number != 3 || rc.Required != 6 {
		t.Errorf("decoded %+v", rc)
	}

	p, err = DecodePayload("masking_applied", json.RawMessage(`{"db":40}`))
	if err != nil {
		t.Fatalf("DecodePayload unknown kind: %v", err)
	}
	if raw, ok := p.(RawPayload); !ok || raw.DecisionKind != "masking_applied" {
		t.Errorf("unknown kind decoded as %T %+v", p, p)
	}

	if _, err := DecodePayload(KindReversalCounted, json.RawMessage(`{"number":"three"}`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}
