package models

import "fmt"

// CatchTrialSummary accumulates catch-trial and probe outcomes for a session.
type CatchTrialSummary struct {
	CatchTrialsPresented int     `json:"catch_trials_presented"`
	FalsePositives       int     `json:"false_positives"`
	FalsePositiveRate    float64 `json:"false_positive_rate"`
	ProbesPresented      int     `json:"probes_presented"`
	ProbeMisses          int     `json:"probe_misses"`
	FalseNegativeRate    float64 `json:"false_negative_rate"`
}

// ReliabilityScore summarizes response timing quality.
type ReliabilityScore struct {
	ResponseCount           int     `json:"response_count"`
	ValidCount              int     `json:"valid_count"`
	AnticipatoryCount       int     `json:"anticipatory_count"`
	ValidLatencyConsistency float64 `json:"valid_latency_consistency"`
	AnticipatoryFraction    float64 `json:"anticipatory_fraction"`
	FatigueTrendMagnitude   float64 `json:"fatigue_trend_magnitude"`
	BaselineMs              float64 `json:"baseline_ms"`
	MovingAverageMs         float64 `json:"moving_average_ms"`
	FatigueDetected         bool    `json:"fatigue_detected"`
	UniformLatencies        bool    `json:"uniform_latencies"`
}

// ValidFraction is the share of responses with a valid latency, 1 when no
// response has been observed yet.
func (r ReliabilityScore) ValidFraction() float64 {
	if r.ResponseCount == 0 {
		return 1
	}
	return float64(r.ValidCount) / float64(r.ResponseCount)
}

// RiskCategory buckets the combined malingering risk score.
type RiskCategory int

const (
	RiskLow RiskCategory = iota
	RiskModerate
	RiskHigh
	RiskVeryHigh
)

func (c RiskCategory) String() string {
	switch c {
	case RiskLow:
		return "Low"
	case RiskModerate:
		return "Moderate"
	case RiskHigh:
		return "High"
	case RiskVeryHigh:
		return "VeryHigh"
	default:
		return "Unknown"
	}
}

// MarshalText keeps the category readable in JSON and the database.
func (c RiskCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the names produced by MarshalText.
func (c *RiskCategory) UnmarshalText(b []byte) error {
	parsed, ok := ParseRiskCategory(string(b))
	if !ok {
		return fmt.Errorf("unknown risk category %q", string(b))
	}
	*c = parsed
	return nil
}

// ParseRiskCategory is the inverse of RiskCategory.String.
func ParseRiskCategory(s string) (RiskCategory, bool) {
	for c := RiskLow; c <= RiskVeryHigh; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return RiskLow, false
}

// RiskFactor is one named, weighted sub-score.
type RiskFactor struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Weighted float64 `json:"weighted"`
	Detail   string  `json:"detail,omitempty"`
}

// RiskAssessment is the malingering risk computed after a finalized pair.
type RiskAssessment struct {
	Score               float64      `json:"score"`
	Category            RiskCategory `json:"category"`
	BaseCategory        RiskCategory `json:"base_category"`
	ContributingFactors []RiskFactor `json:"contributing_factors"`
	Escalations         []string     `json:"escalations,omitempty"`
	AfterPairs          int          `json:"after_pairs"`
	Ear                 Ear          `json:"ear,omitempty"`
	FrequencyHz         int          `json:"frequency_hz,omitempty"`
}

// Factor returns the named factor, if present.
func (r RiskAssessment) Factor(name string) (RiskFactor, bool) {
	for _, f := range r.ContributingFactors {
		if f.Name == name {
			return f, true
		}
	}
	return RiskFactor{}, false
}

func (r RiskAssessment) Clone() RiskAssessment {
	out := r
	out.ContributingFactors = append([]RiskFactor(nil), r.ContributingFactors...)
	out.Escalations = append([]string(nil), r.Escalations...)
	return out
}
