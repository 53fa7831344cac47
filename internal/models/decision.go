package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecisionKind tags a decision log entry.
type DecisionKind string

const (
	KindTrialPresented       DecisionKind = "trial_presented"
	KindResponseRecorded     DecisionKind = "response_recorded"
	KindLevelChanged         DecisionKind = "level_changed"
	KindReversalCounted      DecisionKind = "reversal_counted"
	KindStatusChanged        DecisionKind = "status_changed"
	KindThresholdConfirmed   DecisionKind = "threshold_confirmed"
	KindFrequencyAbandoned   DecisionKind = "frequency_abandoned"
	KindCatchTrialScored     DecisionKind = "catch_trial_scored"
	KindProbeScored          DecisionKind = "probe_scored"
	KindFatigueFlagged       DecisionKind = "fatigue_flagged"
	KindRiskAssessed         DecisionKind = "risk_assessed"
	KindSpuriousResponse     DecisionKind = "spurious_response"
	KindTrialTimedOut        DecisionKind = "trial_timeout"
	KindCollaboratorFailure  DecisionKind = "collaborator_failure"
	KindFamiliarization      DecisionKind = "familiarization"
	KindSessionStatusChanged DecisionKind = "session_status_changed"
	KindTrialAborted         DecisionKind = "trial_aborted"
)

// Decision sources.
const (
	SourceProtocol     = "protocol"
	SourceOrchestrator = "orchestrator"
	SourceTiming       = "timing"
	SourceCatchTrial   = "catchtrial"
	SourceRisk         = "risk"
)

// Payload is the structured body of a decision.
type Payload interface {
	Kind() DecisionKind
}

// DecisionLogEntry is one append-only audit record.
type DecisionLogEntry struct {
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Source    string       `json:"source"`
	Kind      DecisionKind `json:"kind"`
	Payload   Payload      `json:"payload"`
	Rationale string       `json:"rationale"`
}

// RawPayload carries a payload loaded back from storage.
type RawPayload struct {
	DecisionKind DecisionKind
	Data         json.RawMessage
}

func (p RawPayload) Kind() DecisionKind { return p.DecisionKind }

// MarshalJSON emits the stored JSON unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

type TrialPresented struct {
	TrialID     int64     `json:"trial_id"`
	Ear         Ear       `json:"ear"`
	FrequencyHz int       `json:"frequency_hz"`
	LevelDbHL   int       `json:"level_db_hl"`
	TrialKind   TrialKind `json:"trial_kind"`
}

func (TrialPresented) Kind() DecisionKind { return KindTrialPresented }

type ResponseRecorded struct {
	TrialID             int64   `json:"trial_id"`
	Responded           bool    `json:"responded"`
	LatencyMs           float64 `json:"latency_ms"`
	LatencyClass        string  `json:"latency_class,omitempty"`
	BeyondCeiling       bool    `json:"beyond_ceiling,omitempty"`
	TreatedAsNoResponse bool    `json:"treated_as_no_response,omitempty"`
}

func (ResponseRecorded) Kind() DecisionKind { return KindResponseRecorded }

type LevelChanged struct {
	Ear              Ear       `json:"ear"`
	FrequencyHz      int       `json:"frequency_hz"`
	FromLevel        int       `json:"from_level"`
	ToLevel          int       `json:"to_level"`
	Responded        bool      `json:"responded"`
	Direction        Direction `json:"direction"`
	DirectionChanged bool      `json:"direction_changed"`
	Clamped          bool      `json:"clamped,omitempty"`
}

func (LevelChanged) Kind() DecisionKind { return KindLevelChanged }

type ReversalCounted struct {
	Ear         Ear  `json:"ear"`
	FrequencyHz int  `json:"frequency_hz"`
	LevelDbHL   int  `json:"level_db_hl"`
	Number      int  `json:"number"`
	Required    int  `json:"required"`
	Responded   bool `json:"responded"`
}

func (ReversalCounted) Kind() DecisionKind { return KindReversalCounted }

type StatusChanged struct {
	Ear         Ear             `json:"ear"`
	FrequencyHz int             `json:"frequency_hz"`
	From        FrequencyStatus `json:"from"`
	To          FrequencyStatus `json:"to"`
	Reason      string          `json:"reason"`
}

func (StatusChanged) Kind() DecisionKind { return KindStatusChanged }

type ThresholdConfirmed struct {
	Ear           Ear     `json:"ear"`
	FrequencyHz   int     `json:"frequency_hz"`
	ThresholdDbHL int     `json:"threshold_db_hl"`
	Confidence    float64 `json:"confidence"`
	Reversals     int     `json:"reversals"`
	Trials        int     `json:"trials"`
	Rule          string  `json:"rule"`
	Retest        bool    `json:"retest,omitempty"`
}

func (ThresholdConfirmed) Kind() DecisionKind { return KindThresholdConfirmed }

type FrequencyAbandoned struct {
	Ear         Ear    `json:"ear"`
	FrequencyHz int    `json:"frequency_hz"`
	Trials      int    `json:"trials"`
	LastLevel   int    `json:"last_level"`
	Reason      string `json:"reason"`
}

func (FrequencyAbandoned) Kind() DecisionKind { return KindFrequencyAbandoned }

type CatchTrialScored struct {
	TrialID         int64   `json:"trial_id"`
	Ear             Ear     `json:"ear"`
	FrequencyHz     int     `json:"frequency_hz"`
	Responded       bool    `json:"responded"`
	FalsePositives  int     `json:"false_positives"`
	Presented       int     `json:"presented"`
	Rate            float64 `json:"rate"`
	CeilingBreached bool    `json:"ceiling_breached"`
}

func (CatchTrialScored) Kind() DecisionKind { return KindCatchTrialScored }

type ProbeScored struct {
	TrialID     int64 `json:"trial_id"`
	Ear         Ear   `json:"ear"`
	FrequencyHz int   `json:"frequency_hz"`
	LevelDbHL   int   `json:"level_db_hl"`
	Responded   bool  `json:"responded"`
	Misses      int   `json:"misses"`
	Presented   int   `json:"presented"`
}

func (ProbeScored) Kind() DecisionKind { return KindProbeScored }

type FatigueFlagged struct {
	MovingAverageMs float64 `json:"moving_average_ms"`
	BaselineMs      float64 `json:"baseline_ms"`
	Magnitude       float64 `json:"magnitude"`
}

func (FatigueFlagged) Kind() DecisionKind { return KindFatigueFlagged }

type RiskAssessed struct {
	Assessment RiskAssessment `json:"assessment"`
}

func (RiskAssessed) Kind() DecisionKind { return KindRiskAssessed }

type SpuriousResponse struct {
	TrialID            int64 `json:"trial_id"`
	OutstandingTrialID int64 `json:"outstanding_trial_id"`
}

func (SpuriousResponse) Kind() DecisionKind { return KindSpuriousResponse }

type TrialTimedOut struct {
	TrialID  int64 `json:"trial_id"`
	WaitedMs int64 `json:"waited_ms"`
}

func (TrialTimedOut) Kind() DecisionKind { return KindTrialTimedOut }

type CollaboratorFailed struct {
	TrialID int64  `json:"trial_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
	GaveUp  bool   `json:"gave_up"`
}

func (CollaboratorFailed) Kind() DecisionKind { return KindCollaboratorFailure }

type Familiarization struct {
	TrialID      int64 `json:"trial_id"`
	LevelDbHL    int   `json:"level_db_hl"`
	Attempt      int   `json:"attempt"`
	Acknowledged bool  `json:"acknowledged"`
}

func (Familiarization) Kind() DecisionKind { return KindFamiliarization }

type SessionStatusChanged struct {
	SessionID string        `json:"session_id"`
	From      SessionStatus `json:"from"`
	To        SessionStatus `json:"to"`
	Reason    string        `json:"reason"`
}

func (SessionStatusChanged) Kind() DecisionKind { return KindSessionStatusChanged }

type TrialAborted struct {
	TrialID int64 `json:"trial_id"`
}

func (TrialAborted) Kind() DecisionKind { return KindTrialAborted }

var payloadDecoders = map[DecisionKind]func(json.RawMessage) (Payload, error){
	KindTrialPresented:       decodePayload[TrialPresented],
	KindResponseRecorded:     decodePayload[ResponseRecorded],
	KindLevelChanged:         decodePayload[LevelChanged],
	KindReversalCounted:      decodePayload[ReversalCounted],
	KindStatusChanged:        decodePayload[StatusChanged],
	KindThresholdConfirmed:   decodePayload[ThresholdConfirmed],
	KindFrequencyAbandoned:   decodePayload[FrequencyAbandoned],
	KindCatchTrialScored:     decodePayload[CatchTrialScored],
	KindProbeScored:          decodePayload[ProbeScored],
	KindFatigueFlagged:       decodePayload[FatigueFlagged],
	KindRiskAssessed:         decodePayload[RiskAssessed],
	KindSpuriousResponse:     decodePayload[SpuriousResponse],
	KindTrialTimedOut:        decodePayload[TrialTimedOut],
	KindCollaboratorFailure:  decodePayload[CollaboratorFailed],
	KindFamiliarization:      decodePayload[Familiarization],
	KindSessionStatusChanged: decodePayload[SessionStatusChanged],
	KindTrialAborted:         decodePayload[TrialAborted],
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodePayload restores a typed payload from stored JSON. Unknown kinds come
// back as RawPayload so newer logs still load.
func DecodePayload(kind DecisionKind, data json.RawMessage) (Payload, error) {
	decode, ok := payloadDecoders[kind]
	if !ok {
		return RawPayload{DecisionKind: kind, Data: data}, nil
	}
	p, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
