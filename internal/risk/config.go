package risk

import (
	"github.com/rewired-gh/audiometer/internal/catchtrial"
	"github.com/rewired-gh/audiometer/internal/models"
)

// Config holds the sub-score weights, plausibility bands and category
// boundaries. Every constant the engine uses is named here.
type Config struct {
	ConsistencyWeight  float64
	PlausibilityWeight float64
	SymmetryWeight     float64
	TimingWeight       float64

	// RetestBandDb is the retest difference tolerated before consistency
	// scores anything.
	RetestBandDb float64

	// ZigZagDb is the minimum swing on both sides of a frequency for it to
	// count as a zig-zag.
	ZigZagDb      float64
	NotchLowHz    int
	NotchHighHz   int
	ZigZagPenalty float64

	AsymmetryDb               float64
	TightSymmetryDb           float64
	TightSymmetryMinPairs     int
	TightSymmetryMinThreshold float64

	// AnticipatorySaturation is the anticipatory fraction at which the
	// timing sub-score saturates.
	AnticipatorySaturation float64
	UniformPenalty         float64
	FatiguePenalty         float64

	ModerateFrom float64
	HighFrom     float64
	VeryHighFrom float64

	Catch catchtrial.Config
}

func DefaultConfig() Config {
	return Config{
		ConsistencyWeight:  0.30,
		PlausibilityWeight: 0.20,
		SymmetryWeight:     0.20,
		TimingWeight:       0.45,

		RetestBandDb: 10,

		ZigZagDb:      20,
		NotchLowHz:    4000,
		NotchHighHz:   6000,
		ZigZagPenalty: 40,

		AsymmetryDb:               30,
		TightSymmetryDb:           2.5,
		TightSymmetryMinPairs:     4,
		TightSymmetryMinThreshold: 25,

		AnticipatorySaturation: 0.25,
		UniformPenalty:         40,
		FatiguePenalty:         20,

		ModerateFrom: 20,
		HighFrom:     40,
		VeryHighFrom: 60,

		Catch: catchtrial.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	cfgErr := func(field, reason string) error {
		return &models.ConfigurationError{Field: "risk." + field, Reason: reason}
	}
	switch {
	case c.ConsistencyWeight < 0 || c.PlausibilityWeight < 0 || c.SymmetryWeight < 0 || c.TimingWeight < 0:
		return cfgErr("weights", "must not be negative")
	case c.RetestBandDb <= 0:
		return cfgErr("retest_band_db", "must be positive")
	case c.ZigZagDb <= 0:
		return cfgErr("zigzag_db", "must be positive")
	case c.NotchLowHz > c.NotchHighHz:
		return cfgErr("notch_low_hz", "must not exceed notch_high_hz")
	case c.AsymmetryDb <= c.TightSymmetryDb:
		return cfgErr("asymmetry_db", "must exceed tight_symmetry_db")
	case c.TightSymmetryMinPairs < 1:
		return cfgErr("tight_symmetry_min_pairs", "must be at least 1")
	case c.AnticipatorySaturation <= 0 || c.AnticipatorySaturation > 1:
		return cfgErr("anticipatory_saturation", "must be in (0, 1]")
	case !(0 < c.ModerateFrom && c.ModerateFrom < c.HighFrom && c.HighFrom < c.VeryHighFrom && c.VeryHighFrom <= maxScore):
		return cfgErr("category_bands", "must be strictly increasing within (0, 100]")
	}
	return c.Catch.Validate()
}
