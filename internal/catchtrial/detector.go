// Package catchtrial tracks stimulus-free catch trials and repeated probe
// stimuli to estimate false-positive and false-negative responding.
package catchtrial

import (
	"github.com/rewired-gh/audiometer/internal/audit"
	"github.com/rewired-gh/audiometer/internal/models"
)

type Config struct {
	// FalsePositiveCeiling is the rate above which the risk category is
	// escalated.
	FalsePositiveCeiling float64
	// MinCatchTrials is the number of catch trials needed before the
	// ceiling can be breached.
	MinCatchTrials int
}

func DefaultConfig() Config {
	return Config{
		FalsePositiveCeiling: 0.20,
		MinCatchTrials:       1,
	}
}

func (c Config) Validate() error {
	if c.FalsePositiveCeiling <= 0 || c.FalsePositiveCeiling >= 1 {
		return &models.ConfigurationError{Field: "catch.false_positive_ceiling", Reason: "must be in (0, 1)"}
	}
	if c.MinCatchTrials < 1 {
		return &models.ConfigurationError{Field: "catch.min_catch_trials", Reason: "must be at least 1"}
	}
	return nil
}

// Detector accumulates the session's CatchTrialSummary.
type Detector struct {
	config  Config
	summary models.CatchTrialSummary
	log     *audit.Log
}

func New(config Config, log *audit.Log) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Detector{config: config, log: log}, nil
}

// RecordCatch scores a catch trial: any response is a false positive.
func (d *Detector) RecordCatch(trial models.Trial, responded bool) models.CatchTrialSummary {
	d.summary.CatchTrialsPresented++
	if responded {
		d.summary.FalsePositives++
	}
	d.summary.FalsePositiveRate = float64(d.summary.FalsePositives) / float64(d.summary.CatchTrialsPresented)

	d.log.Append(models.SourceCatchTrial, models.CatchTrialScored{
		TrialID:         trial.ID,
		Ear:             trial.Ear,
		FrequencyHz:     trial.FrequencyHz,
		Responded:       responded,
		FalsePositives:  d.summary.FalsePositives,
		Presented:       d.summary.CatchTrialsPresented,
		Rate:            d.summary.FalsePositiveRate,
		CeilingBreached: d.CeilingBreached(),
	})
	return d.summary
}

// RecordProbe scores a repeated supra-threshold stimulus: a miss suggests
// false-negative responding. Probes never enter the adaptive loop.
func (d *Detector) RecordProbe(trial models.Trial, responded bool) models.CatchTrialSummary {
	d.summary.ProbesPresented++
	if !responded {
		d.summary.ProbeMisses++
	}
	d.summary.FalseNegativeRate = float64(d.summary.ProbeMisses) / float64(d.summary.ProbesPresented)

	d.log.Append(models.SourceCatchTrial, models.ProbeScored{
		TrialID:     trial.ID,
		Ear:         trial.Ear,
		FrequencyHz: trial.FrequencyHz,
		LevelDbHL:   trial.LevelDbHL,
		Responded:   responded,
		Misses:      d.summary.ProbeMisses,
		Presented:   d.summary.ProbesPresented,
	})
	return d.summary
}

// Summary returns the current summary.
func (d *Detector) Summary() models.CatchTrialSummary {
	return d.summary
}

// CeilingBreached reports whether the false-positive rate exceeds the
// configured ceiling.
func (d *Detector) CeilingBreached() bool {
	return Breached(d.summary, d.config)
}

// Breached evaluates the ceiling against any summary, so the risk engine can
// apply the same rule to replayed data.
func Breached(s models.CatchTrialSummary, c Config) bool {
	return s.CatchTrialsPresented >= c.MinCatchTrials && s.FalsePositiveRate > c.FalsePositiveCeiling
}
