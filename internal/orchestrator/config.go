package orchestrator

import (
	"fmt"
	"time"

	"github.com/rewired-gh/audiometer/internal/catchtrial"
	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/protocol"
	"github.com/rewired-gh/audiometer/internal/risk"
	"github.com/rewired-gh/audiometer/internal/timing"
)

// Config is the full, validated session configuration. It is checked once in
// New, before any trial is issued.
type Config struct {
	// SessionID is generated when empty.
	SessionID string
	// Seed drives catch-trial placement. Zero picks one from the clock.
	Seed int64

	Ears              []models.Ear
	Frequencies       []int
	RetestFrequencies []int

	FamiliarizationHz       int
	FamiliarizationLevel    int
	FamiliarizationStepDb   int
	FamiliarizationAttempts int

	CatchProbability   float64
	ProbesPerFrequency int
	ProbeOffsetDb      int

	WaitWindow        time.Duration
	AudioRetryBackoff time.Duration

	Protocol protocol.Config
	Timing   timing.Config
	Catch    catchtrial.Config
	Risk     risk.Config
}

func DefaultConfig() Config {
	return Config{
		Ears:                    []models.Ear{models.EarRight, models.EarLeft},
		Frequencies:             []int{1000, 2000, 4000, 500, 250, 8000, 6000, 3000, 1500, 750, 125},
		RetestFrequencies:       []int{1000},
		FamiliarizationHz:       1000,
		FamiliarizationLevel:    40,
		FamiliarizationStepDb:   10,
		FamiliarizationAttempts: 3,
		CatchProbability:        0.12,
		ProbesPerFrequency:      1,
		ProbeOffsetDb:           10,
		WaitWindow:              5 * time.Second,
		AudioRetryBackoff:       250 * time.Millisecond,
		Protocol:                protocol.DefaultConfig(),
		Timing:                  timing.DefaultConfig(),
		Catch:                   catchtrial.DefaultConfig(),
		Risk:                    risk.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	cfgErr := func(field, reason string, args ...any) error {
		return &models.ConfigurationError{Field: "session." + field, Reason: fmt.Sprintf(reason, args...)}
	}

	if len(c.Ears) == 0 {
		return cfgErr("ears", "at least one ear is required")
	}
	seenEar := make(map[models.Ear]bool)
	for _, ear := range c.Ears {
		if ear != models.EarRight && ear != models.EarLeft {
			return cfgErr("ears", "unknown ear %q", ear)
		}
		if seenEar[ear] {
			return cfgErr("ears", "%s listed twice", ear)
		}
		seenEar[ear] = true
	}

	if len(c.Frequencies) == 0 {
		return cfgErr("frequencies", "at least one frequency is required")
	}
	seenHz := make(map[int]bool)
	for _, hz := range c.Frequencies {
		if hz <= 0 {
			return cfgErr("frequencies", "%d Hz is not a valid frequency", hz)
		}
		if seenHz[hz] {
			return cfgErr("frequencies", "%d Hz listed twice", hz)
		}
		seenHz[hz] = true
	}
	for _, hz := range c.RetestFrequencies {
		if !seenHz[hz] {
			return cfgErr("retest_frequencies", "%d Hz is not in the test sequence", hz)
		}
	}

	switch {
	case c.FamiliarizationHz <= 0:
		return cfgErr("familiarization_hz", "must be positive")
	case c.FamiliarizationLevel < c.Protocol.MinLevel || c.FamiliarizationLevel > c.Protocol.MaxLevel:
		return cfgErr("familiarization_level", "%d outside clamp range [%d, %d]",
			c.FamiliarizationLevel, c.Protocol.MinLevel, c.Protocol.MaxLevel)
	case c.FamiliarizationStepDb <= 0:
		return cfgErr("familiarization_step_db", "must be positive")
	case c.FamiliarizationAttempts < 1:
		return cfgErr("familiarization_attempts", "must be at least 1")
	case c.CatchProbability < 0 || c.CatchProbability > 0.5:
		return cfgErr("catch_probability", "must be in [0, 0.5]")
	case c.ProbesPerFrequency < 0:
		return cfgErr("probes_per_frequency", "must not be negative")
	case c.ProbeOffsetDb <= 0:
		return cfgErr("probe_offset_db", "must be positive")
	case c.WaitWindow <= 0:
		return cfgErr("wait_window", "must be positive")
	case c.AudioRetryBackoff < 0:
		return cfgErr("audio_retry_backoff", "must not be negative")
	}

	if err := c.Protocol.Validate(); err != nil {
		return err
	}
	if err := c.Timing.Validate(); err != nil {
		return err
	}
	if err := c.Catch.Validate(); err != nil {
		return err
	}
	return c.Risk.Validate()
}
