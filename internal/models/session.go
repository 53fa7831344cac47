// Package models defines the core domain entities: trials, responses,
// per-frequency protocol state, and the session aggregate.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Clinical presentation limits in dB HL.
const (
	MinLevelDbHL = -10
	MaxLevelDbHL = 120
)

// Ear identifies the test ear.
type Ear string

const (
	EarRight Ear = "right"
	EarLeft  Ear = "left"
)

// FrequencyStatus is the lifecycle status of one (ear, frequency) pair.
type FrequencyStatus string

const (
	StatusSeekingFirstResponse FrequencyStatus = "SEEKING_FIRST_RESPONSE"
	StatusBracketing           FrequencyStatus = "BRACKETING"
	StatusThresholdConfirmed   FrequencyStatus = "THRESHOLD_CONFIRMED"
	StatusAbandoned            FrequencyStatus = "ABANDONED"
	StatusNotTested            FrequencyStatus = "NOT_TESTED"
)

// Final reports whether the status can no longer change.
func (s FrequencyStatus) Final() bool {
	return s == StatusThresholdConfirmed || s == StatusAbandoned
}

// Direction is the current stepping direction of the staircase.
type Direction string

const (
	Ascending  Direction = "ascending"
	Descending Direction = "descending"
)

// SessionStatus is the overall status of a session.
type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionComplete   SessionStatus = "COMPLETE"
	SessionIncomplete SessionStatus = "INCOMPLETE"
)

// TrialKind distinguishes scored trials from the trials that never enter the
// adaptive loop.
type TrialKind string

const (
	TrialScored          TrialKind = "scored"
	TrialCatch           TrialKind = "catch"
	TrialFamiliarization TrialKind = "familiarization"
	TrialProbe           TrialKind = "probe"
)

// Stimulus is what the audio collaborator is asked to play.
type Stimulus struct {
	TrialID     int64 `json:"trial_id"`
	Ear         Ear   `json:"ear"`
	FrequencyHz int   `json:"frequency_hz"`
	LevelDbHL   int   `json:"level_db_hl"`
	IsCatch     bool  `json:"is_catch"`
}

// Trial is a single stimulus presentation. Immutable once appended to the
// session's trial history, except for the Aborted flag set on operator abort.
type Trial struct {
	ID           int64     `json:"id"`
	Ear          Ear       `json:"ear"`
	FrequencyHz  int       `json:"frequency_hz"`
	LevelDbHL    int       `json:"level_db_hl"`
	Kind         TrialKind `json:"kind"`
	IsCatchTrial bool      `json:"is_catch_trial"`
	PresentedAt  time.Time `json:"presented_at"`
	Aborted      bool      `json:"aborted,omitempty"`
}

// Stimulus returns the audio request for this trial.
func (t Trial) Stimulus() Stimulus {
	return Stimulus{
		TrialID:     t.ID,
		Ear:         t.Ear,
		FrequencyHz: t.FrequencyHz,
		LevelDbHL:   t.LevelDbHL,
		IsCatch:     t.IsCatchTrial,
	}
}

// ResponseEvent is the patient's answer to one trial. Responded=false events
// are emitted by collaborators that know the patient did not react, and are
// synthesized by the orchestrator when the wait window elapses.
type ResponseEvent struct {
	TrialID    int64     `json:"trial_id"`
	Responded  bool      `json:"responded"`
	LatencyMs  float64   `json:"latency_ms"`
	ObservedAt time.Time `json:"observed_at"`
	TimedOut   bool      `json:"timed_out,omitempty"`
}

// ScoredTrial is one entry of a frequency's adaptive history.
type ScoredTrial struct {
	TrialID        int64     `json:"trial_id"`
	LevelDbHL      int       `json:"level_db_hl"`
	Responded      bool      `json:"responded"`
	LatencyMs      float64   `json:"latency_ms"`
	Direction      Direction `json:"direction"`
	Reversal       bool      `json:"reversal"`
	ReversalNumber int       `json:"reversal_number,omitempty"`
}

// PerFrequencyState is the protocol state of one (ear, frequency) pair.
type PerFrequencyState struct {
	Ear             Ear             `json:"ear"`
	FrequencyHz     int             `json:"frequency_hz"`
	CurrentLevel    int             `json:"current_level"`
	Direction       Direction       `json:"direction"`
	ReversalCount   int             `json:"reversal_count"`
	TrialHistory    []ScoredTrial   `json:"trial_history"`
	Status          FrequencyStatus `json:"status"`
	Threshold       *int            `json:"threshold,omitempty"`
	Confidence      *float64        `json:"confidence,omitempty"`
	RetestThreshold *int            `json:"retest_threshold,omitempty"`
	Note            string          `json:"note,omitempty"`
}

// Key returns the "ear/frequency" identifier used in logs and storage.
func (p *PerFrequencyState) Key() string {
	return PairKey(p.Ear, p.FrequencyHz)
}

// PairKey formats an (ear, frequency) identifier.
func PairKey(ear Ear, hz int) string {
	return fmt.Sprintf("%s/%dHz", ear, hz)
}

// Clone deep-copies the pair state.
func (p PerFrequencyState) Clone() PerFrequencyState {
	out := p
	out.TrialHistory = append([]ScoredTrial(nil), p.TrialHistory...)
	if p.Threshold != nil {
		v := *p.Threshold
		out.Threshold = &v
	}
	if p.Confidence != nil {
		v := *p.Confidence
		out.Confidence = &v
	}
	if p.RetestThreshold != nil {
		v := *p.RetestThreshold
		out.RetestThreshold = &v
	}
	return out
}

// SessionState aggregates everything one audiometry session produced. It is
// owned by the orchestrator; collaborators only ever see Snapshot copies.
type SessionState struct {
	ID           string              `json:"id"`
	Seed         int64               `json:"seed"`
	Status       SessionStatus       `json:"status"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at"`
	Familiarized bool                `json:"familiarized"`
	Frequencies  []PerFrequencyState `json:"frequencies"`
	Trials       []Trial             `json:"trials"`
	Responses    []ResponseEvent     `json:"responses"`
	CatchSummary CatchTrialSummary   `json:"catch_summary"`
	Reliability  ReliabilityScore    `json:"reliability"`
	RiskHistory  []RiskAssessment    `json:"risk_history"`
	DecisionLog  []DecisionLogEntry  `json:"decision_log"`
}

// Frequency returns the state for the given pair, or nil.
func (s *SessionState) Frequency(ear Ear, hz int) *PerFrequencyState {
	for i := range s.Frequencies {
		if s.Frequencies[i].Ear == ear && s.Frequencies[i].FrequencyHz == hz {
			return &s.Frequencies[i]
		}
	}
	return nil
}

// LatestRisk returns the most recent risk assessment, if any.
func (s *SessionState) LatestRisk() (RiskAssessment, bool) {
	if len(s.RiskHistory) == 0 {
		return RiskAssessment{}, false
	}
	return s.RiskHistory[len(s.RiskHistory)-1], true
}

// PureToneAverage averages the confirmed 500, 1000 and 2000 Hz thresholds of
// one ear. ok is false when any of them is missing.
func (s *SessionState) PureToneAverage(ear Ear) (pta float64, ok bool) {
	var sum int
	for _, hz := range []int{500, 1000, 2000} {
		f := s.Frequency(ear, hz)
		if f == nil || f.Threshold == nil {
			return 0, false
		}
		sum += *f.Threshold
	}
	return float64(sum) / 3, true
}

// Snapshot returns a deep copy safe to hand to collaborators.
func (s *SessionState) Snapshot() *SessionState {
	out := *s
	out.Frequencies = make([]PerFrequencyState, len(s.Frequencies))
	for i, f := range s.Frequencies {
		out.Frequencies[i] = f.Clone()
	}
	out.Trials = append([]Trial(nil), s.Trials...)
	out.Responses = append([]ResponseEvent(nil), s.Responses...)
	out.RiskHistory = make([]RiskAssessment, len(s.RiskHistory))
	for i, r := range s.RiskHistory {
		out.RiskHistory[i] = r.Clone()
	}
	out.DecisionLog = append([]DecisionLogEntry(nil), s.DecisionLog...)
	return &out
}

// Validate checks the invariants a finalized session must satisfy before it
// is handed to persistence.
func (s *SessionState) Validate() error {
	if s.ID == "" {
		return errors.New("session ID must not be empty")
	}
	if s.Status != SessionComplete && s.Status != SessionIncomplete {
		return fmt.Errorf("session status must be final, got %s", s.Status)
	}
	if s.EndedAt.Before(s.StartedAt) {
		return errors.New("ended at must be >= started at")
	}

	trials := make(map[int64]bool, len(s.Trials))
	var lastID int64
	for _, t := range s.Trials {
		if t.ID <= lastID {
			return fmt.Errorf("trial IDs must be strictly increasing (trial %d after %d)", t.ID, lastID)
		}
		lastID = t.ID
		if t.LevelDbHL < MinLevelDbHL || t.LevelDbHL > MaxLevelDbHL {
			return fmt.Errorf("trial %d level %d dB HL outside [%d, %d]", t.ID, t.LevelDbHL, MinLevelDbHL, MaxLevelDbHL)
		}
		trials[t.ID] = true
	}
	for _, r := range s.Responses {
		if !trials[r.TrialID] {
			return fmt.Errorf("response references unknown trial %d", r.TrialID)
		}
	}

	for _, f := range s.Frequencies {
		switch f.Status {
		case StatusThresholdConfirmed:
			if f.Threshold == nil || f.Confidence == nil {
				return fmt.Errorf("%s confirmed without threshold or confidence", f.Key())
			}
			if *f.Confidence < 0 || *f.Confidence > 1 {
				return fmt.Errorf("%s confidence %.3f outside [0, 1]", f.Key(), *f.Confidence)
			}
		case StatusAbandoned:
			if f.Threshold != nil {
				return fmt.Errorf("%s abandoned but carries a threshold", f.Key())
			}
		case StatusNotTested:
			if s.Status == SessionComplete {
				return fmt.Errorf("%s not tested in a complete session", f.Key())
			}
		default:
			return fmt.Errorf("%s still in progress (%s)", f.Key(), f.Status)
		}
	}
	return nil
}
