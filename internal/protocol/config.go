package protocol

import (
	"fmt"

	"github.com/rewired-gh/audiometer/internal/models"
)

// ThresholdRule selects how the threshold is read off a confirmed staircase.
type ThresholdRule string

const (
	// RuleLowestResponse takes the lowest level that elicited a response.
	RuleLowestResponse ThresholdRule = "lowest_response"
	// RuleLastReversal takes the level of the most recent reversal obtained
	// on a response.
	RuleLastReversal ThresholdRule = "last_reversal"
	// RuleAscendingMajority takes the lowest level with at least
	// MinAscendingTrials ascending presentations and >= 50% responses,
	// falling back to RuleLowestResponse.
	RuleAscendingMajority ThresholdRule = "ascending_majority"
)

func (r ThresholdRule) valid() bool {
	switch r {
	case RuleLowestResponse, RuleLastReversal, RuleAscendingMajority:
		return true
	}
	return false
}

type Config struct {
	StartLevel         int
	MinLevel           int
	MaxLevel           int
	SeekStepDb         int
	DescendStepDb      int
	AscendStepDb       int
	RequiredReversals  int
	MaxTrials          int
	ThresholdRule      ThresholdRule
	MinAscendingTrials int

	ReversalWeight  float64
	TimingWeight    float64
	SpreadWeight    float64
	SpreadCeilingDb float64
}

func DefaultConfig() Config {
	return Config{
		StartLevel:         30,
		MinLevel:           models.MinLevelDbHL,
		MaxLevel:           models.MaxLevelDbHL,
		SeekStepDb:         10,
		DescendStepDb:      10,
		AscendStepDb:       5,
		RequiredReversals:  6,
		MaxTrials:          30,
		ThresholdRule:      RuleLowestResponse,
		MinAscendingTrials: 3,
		ReversalWeight:     0.4,
		TimingWeight:       0.3,
		SpreadWeight:       0.3,
		SpreadCeilingDb:    15,
	}
}

// Validate checks the protocol parameters. It returns a
// *models.ConfigurationError naming the offending field.
func (c Config) Validate() error {
	cfgErr := func(field, reason string, args ...any) error {
		return &models.ConfigurationError{Field: "protocol." + field, Reason: fmt.Sprintf(reason, args...)}
	}
	switch {
	case c.MinLevel < models.MinLevelDbHL || c.MaxLevel > models.MaxLevelDbHL:
		return cfgErr("min_level", "level range must stay within [%d, %d] dB HL", models.MinLevelDbHL, models.MaxLevelDbHL)
	case c.MinLevel >= c.MaxLevel:
		return cfgErr("min_level", "must be below max_level")
	case c.StartLevel < c.MinLevel || c.StartLevel > c.MaxLevel:
		return cfgErr("start_level", "%d outside clamp range [%d, %d]", c.StartLevel, c.MinLevel, c.MaxLevel)
	case c.SeekStepDb <= 0:
		return cfgErr("seek_step_db", "must be positive")
	case c.DescendStepDb <= 0:
		return cfgErr("descend_step_db", "must be positive")
	case c.AscendStepDb <= 0:
		return cfgErr("ascend_step_db", "must be positive")
	case c.RequiredReversals < 1:
		return cfgErr("required_reversals", "must be at least 1")
	case c.MaxTrials < c.RequiredReversals:
		return cfgErr("max_trials", "must be at least required_reversals (%d)", c.RequiredReversals)
	case !c.ThresholdRule.valid():
		return cfgErr("threshold_rule", "unknown rule %q", c.ThresholdRule)
	case c.MinAscendingTrials < 1:
		return cfgErr("min_ascending_trials", "must be at least 1")
	case c.ReversalWeight < 0 || c.TimingWeight < 0 || c.SpreadWeight < 0:
		return cfgErr("confidence_weights", "must not be negative")
	case c.ReversalWeight+c.TimingWeight+c.SpreadWeight <= 0:
		return cfgErr("confidence_weights", "must not all be zero")
	case c.SpreadCeilingDb <= 0:
		return cfgErr("spread_ceiling_db", "must be positive")
	}
	return nil
}

func (c Config) clamp(level int) (int, bool) {
	switch {
	case level < c.MinLevel:
		return c.MinLevel, true
	case level > c.MaxLevel:
		return c.MaxLevel, true
	}
	return level, false
}
