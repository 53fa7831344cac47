// Package patient provides response collaborators for the orchestrator: a
// simulated listener driven by a YAML profile, and a scripted responder that
// replays a stored session.
package patient

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rewired-gh/audiometer/internal/models"
)

// Profile describes a simulated patient.
type Profile struct {
	Name string `yaml:"name"`
	// Thresholds holds true hearing thresholds per ear and frequency.
	Thresholds       map[models.Ear]map[int]int `yaml:"thresholds"`
	DefaultThreshold int                        `yaml:"default_threshold"`

	// SlopeDb is the logistic spread of the psychometric function. Zero
	// makes the listener deterministic.
	SlopeDb float64 `yaml:"slope_db"`
	// ExaggerationDb is added to every true threshold, as a feigning
	// patient would.
	ExaggerationDb int     `yaml:"exaggeration_db"`
	LapseRate      float64 `yaml:"lapse_rate"`
	FalseAlarmRate float64 `yaml:"false_alarm_rate"`

	Latency LatencyModel `yaml:"latency"`
}

type LatencyModel struct {
	MeanMs           float64 `yaml:"mean_ms"`
	StdDevMs         float64 `yaml:"stddev_ms"`
	AnticipatoryRate float64 `yaml:"anticipatory_rate"`
	// FatigueMsPerTrial slows every response by this much per trial presented.
	FatigueMsPerTrial float64 `yaml:"fatigue_ms_per_trial"`
}

func DefaultProfile() Profile {
	return Profile{
		Name:             "normal hearing",
		DefaultThreshold: 15,
		SlopeDb:          2,
		LapseRate:        0.02,
		FalseAlarmRate:   0.03,
		Latency: LatencyModel{
			MeanMs:   480,
			StdDevMs: 120,
		},
	}
}

// Threshold returns the effective threshold the listener responds around.
func (p Profile) Threshold(ear models.Ear, hz int) int {
	t := p.DefaultThreshold
	if byHz, ok := p.Thresholds[ear]; ok {
		if v, ok := byHz[hz]; ok {
			t = v
		}
	}
	return t + p.ExaggerationDb
}

func (p Profile) Validate() error {
	rate := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
		}
		return nil
	}
	for ear := range p.Thresholds {
		if ear != models.EarRight && ear != models.EarLeft {
			return fmt.Errorf("unknown ear %q in thresholds", ear)
		}
	}
	if p.SlopeDb < 0 {
		return fmt.Errorf("slope_db must not be negative")
	}
	if err := rate("lapse_rate", p.LapseRate); err != nil {
		return err
	}
	if err := rate("false_alarm_rate", p.FalseAlarmRate); err != nil {
		return err
	}
	if err := rate("latency.anticipatory_rate", p.Latency.AnticipatoryRate); err != nil {
		return err
	}
	if p.Latency.MeanMs <= 0 || p.Latency.StdDevMs < 0 {
		return fmt.Errorf("latency mean must be positive and stddev non-negative")
	}
	return nil
}

// ParseProfile decodes a YAML profile on top of DefaultProfile.
func ParseProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse patient profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid patient profile: %w", err)
	}
	return p, nil
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read patient profile %s: %w", path, err)
	}
	return ParseProfile(data)
}
