// Package timing classifies response latencies and tracks the timing
// reliability of a patient across a session.
package timing

import (
	"math"

	"github.com/rewired-gh/audiometer/internal/models"
)

// Latency class boundaries in milliseconds.
const (
	AnticipatoryCeilingMs = 150.0
	NormalFloorMs         = 200.0
	OptimalFloorMs        = 300.0
	OptimalCeilingMs      = 800.0
	NormalCeilingMs       = 1500.0
	SlowValidCeilingMs    = 2000.0

	Epsilon = 1e-9
)

// Class is the timing category of a single response.
type Class string

const (
	ClassAnticipatory Class = "anticipatory"
	ClassEarly        Class = "early"
	ClassOptimal      Class = "optimal"
	ClassNormal       Class = "normal"
	ClassSlowValid    Class = "slow_valid"
	ClassDelayed      Class = "delayed"
)

// Classify maps a latency to its most specific class. Optimal is reported in
// preference to Normal; use IsNormal for the superset.
func Classify(latencyMs float64) Class {
	switch {
	case latencyMs < AnticipatoryCeilingMs:
		return ClassAnticipatory
	case latencyMs < NormalFloorMs:
		return ClassEarly
	case latencyMs >= OptimalFloorMs && latencyMs <= OptimalCeilingMs:
		return ClassOptimal
	case latencyMs < NormalCeilingMs:
		return ClassNormal
	case latencyMs <= SlowValidCeilingMs:
		return ClassSlowValid
	default:
		return ClassDelayed
	}
}

// IsNormal reports membership of the Normal band, which contains Optimal.
func (c Class) IsNormal() bool {
	return c == ClassOptimal || c == ClassNormal
}

// Valid reports whether the latency counts toward the fatigue baseline and
// latency consistency.
func (c Class) Valid() bool {
	return c.IsNormal() || c == ClassSlowValid
}

type Config struct {
	WindowSize                     int
	BaselineSize                   int
	FatigueFraction                float64
	AbsoluteCeilingMs              float64
	TreatBeyondCeilingAsNoResponse bool
	UniformCVFloor                 float64
	UniformMinSamples              int
}

func DefaultConfig() Config {
	return Config{
		WindowSize:                     10,
		BaselineSize:                   10,
		FatigueFraction:                0.5,
		AbsoluteCeilingMs:              3000,
		TreatBeyondCeilingAsNoResponse: true,
		UniformCVFloor:                 0.05,
		UniformMinSamples:              8,
	}
}

func (c Config) Validate() error {
	switch {
	case c.WindowSize < 1:
		return &models.ConfigurationError{Field: "timing.window_size", Reason: "must be at least 1"}
	case c.BaselineSize < 1:
		return &models.ConfigurationError{Field: "timing.baseline_size", Reason: "must be at least 1"}
	case c.FatigueFraction <= 0:
		return &models.ConfigurationError{Field: "timing.fatigue_fraction", Reason: "must be positive"}
	case c.AbsoluteCeilingMs <= SlowValidCeilingMs:
		return &models.ConfigurationError{Field: "timing.absolute_ceiling_ms", Reason: "must exceed the slow-valid ceiling"}
	case c.UniformCVFloor < 0 || c.UniformCVFloor >= 1:
		return &models.ConfigurationError{Field: "timing.uniform_cv_floor", Reason: "must be in [0, 1)"}
	case c.UniformMinSamples < 2:
		return &models.ConfigurationError{Field: "timing.uniform_min_samples", Reason: "must be at least 2"}
	}
	return nil
}

// Observation is the analyzer's verdict on one response.
type Observation struct {
	LatencyMs         float64
	Class             Class
	BeyondCeiling     bool
	TreatAsNoResponse bool
	FatigueOnset      bool
}

// Analyzer accumulates latency statistics for one session.
type Analyzer struct {
	config       Config
	total        int
	anticipatory int
	valid        runningStats
	baseline     runningStats
	window       *ring
	fatigued     bool
}

func New(config Config) (*Analyzer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Analyzer{config: config, window: newRing(config.WindowSize)}, nil
}

// Observe classifies one response latency and folds it into the running
// statistics.
func (a *Analyzer) Observe(latencyMs float64) Observation {
	obs := Observation{LatencyMs: latencyMs, Class: Classify(latencyMs)}
	a.total++

	if latencyMs > a.config.AbsoluteCeilingMs {
		obs.BeyondCeiling = true
		obs.TreatAsNoResponse = a.config.TreatBeyondCeilingAsNoResponse
		return obs
	}
	if obs.Class == ClassAnticipatory {
		a.anticipatory++
		return obs
	}
	if !obs.Class.Valid() {
		return obs
	}

	a.valid.update(latencyMs)
	a.window.push(latencyMs)
	if a.baseline.Count < a.config.BaselineSize {
		a.baseline.update(latencyMs)
	}

	wasFatigued := a.fatigued
	a.fatigued = a.fatigueMagnitude() > a.config.FatigueFraction
	obs.FatigueOnset = a.fatigued && !wasFatigued
	return obs
}

func (a *Analyzer) baselineReady() bool {
	return a.baseline.Count >= a.config.BaselineSize
}

// fatigueMagnitude is the relative slowing of the moving average over the
// early baseline, once both are established.
func (a *Analyzer) fatigueMagnitude() float64 {
	if !a.baselineReady() || !a.window.full() || a.valid.Count <= a.config.BaselineSize {
		return 0
	}
	return (a.window.mean() - a.baseline.Mean) / (a.baseline.Mean + Epsilon)
}

// Reliability returns the current ReliabilityScore.
func (a *Analyzer) Reliability() models.ReliabilityScore {
	score := models.ReliabilityScore{
		ResponseCount:           a.total,
		ValidCount:              a.valid.Count,
		AnticipatoryCount:       a.anticipatory,
		ValidLatencyConsistency: 1,
		FatigueTrendMagnitude:   a.fatigueMagnitude(),
		MovingAverageMs:         a.window.mean(),
		FatigueDetected:         a.fatigued,
	}
	if a.total > 0 {
		score.AnticipatoryFraction = float64(a.anticipatory) / float64(a.total)
	}
	if a.baselineReady() {
		score.BaselineMs = a.baseline.Mean
	}
	if a.valid.Count >= 2 {
		score.ValidLatencyConsistency = math.Max(0, 1-a.valid.cv())
	}
	score.UniformLatencies = a.valid.Count >= a.config.UniformMinSamples && a.valid.cv() < a.config.UniformCVFloor
	return score
}
