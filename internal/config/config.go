package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/audiometer/internal/catchtrial"
	"github.com/rewired-gh/audiometer/internal/logger"
	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/orchestrator"
	"github.com/rewired-gh/audiometer/internal/protocol"
	"github.com/rewired-gh/audiometer/internal/risk"
	"github.com/rewired-gh/audiometer/internal/timing"
)

// Config represents the complete application configuration
type Config struct {
	Session  SessionConfig  `mapstructure:"session"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Catch    CatchConfig    `mapstructure:"catch"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SessionConfig holds the test sequence and trial scheduling
type SessionConfig struct {
	Ears               []string              `mapstructure:"ears"`
	Frequencies        []int                 `mapstructure:"frequencies"`
	RetestFrequencies  []int                 `mapstructure:"retest_frequencies"`
	Familiarization    FamiliarizationConfig `mapstructure:"familiarization"`
	CatchProbability   float64               `mapstructure:"catch_probability"`
	ProbesPerFrequency int                   `mapstructure:"probes_per_frequency"`
	ProbeOffsetDb      int                   `mapstructure:"probe_offset_db"`
	WaitWindow         time.Duration         `mapstructure:"wait_window"`
	AudioRetryBackoff  time.Duration         `mapstructure:"audio_retry_backoff"`
}

type FamiliarizationConfig struct {
	FrequencyHz int `mapstructure:"frequency_hz"`
	Level       int `mapstructure:"level"`
	StepDb      int `mapstructure:"step_db"`
	Attempts    int `mapstructure:"attempts"`
}

// ProtocolConfig holds the Hughson-Westlake staircase parameters
type ProtocolConfig struct {
	StartLevel         int    `mapstructure:"start_level"`
	MinLevel           int    `mapstructure:"min_level"`
	MaxLevel           int    `mapstructure:"max_level"`
	SeekStepDb         int    `mapstructure:"seek_step_db"`
	DescendStepDb      int    `mapstructure:"descend_step_db"`
	AscendStepDb       int    `mapstructure:"ascend_step_db"`
	RequiredReversals  int    `mapstructure:"required_reversals"`
	MaxTrials          int    `mapstructure:"max_trials"`
	ThresholdRule      string `mapstructure:"threshold_rule"`
	MinAscendingTrials int    `mapstructure:"min_ascending_trials"`
}

// TimingConfig holds response latency analysis parameters
type TimingConfig struct {
	WindowSize                     int     `mapstructure:"window_size"`
	BaselineSize                   int     `mapstructure:"baseline_size"`
	FatigueFraction                float64 `mapstructure:"fatigue_fraction"`
	AbsoluteCeilingMs              float64 `mapstructure:"absolute_ceiling_ms"`
	TreatBeyondCeilingAsNoResponse bool    `mapstructure:"treat_beyond_ceiling_as_no_response"`
	UniformCVFloor                 float64 `mapstructure:"uniform_cv_floor"`
	UniformMinSamples              int     `mapstructure:"uniform_min_samples"`
}

// CatchConfig holds catch-trial scoring parameters
type CatchConfig struct {
	FalsePositiveCeiling float64 `mapstructure:"false_positive_ceiling"`
	MinCatchTrials       int     `mapstructure:"min_catch_trials"`
}

// RiskConfig holds the malingering risk weights and category bands
type RiskConfig struct {
	ConsistencyWeight      float64 `mapstructure:"consistency_weight"`
	PlausibilityWeight     float64 `mapstructure:"plausibility_weight"`
	SymmetryWeight         float64 `mapstructure:"symmetry_weight"`
	TimingWeight           float64 `mapstructure:"timing_weight"`
	RetestBandDb           float64 `mapstructure:"retest_band_db"`
	ZigZagDb               float64 `mapstructure:"zigzag_db"`
	AsymmetryDb            float64 `mapstructure:"asymmetry_db"`
	AnticipatorySaturation float64 `mapstructure:"anticipatory_saturation"`
	ModerateFrom           float64 `mapstructure:"moderate_from"`
	HighFrom               float64 `mapstructure:"high_from"`
	VeryHighFrom           float64 `mapstructure:"very_high_from"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath      string `mapstructure:"db_path"`
	MaxSessions int    `mapstructure:"max_sessions"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken   string        `mapstructure:"bot_token"`
	ChatID     string        `mapstructure:"chat_id"`
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	File   FileConfig `mapstructure:"file"`
}

// FileConfig enables a rotating log file when Path is set
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment variables only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// AUDIOMETER_TELEGRAM_BOT_TOKEN overrides telegram.bot_token
	v.SetEnvPrefix("AUDIOMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults seeds every key from the package defaults so a partial file
// only overrides what it names
func setDefaults(v *viper.Viper) {
	s := orchestrator.DefaultConfig()
	ears := make([]string, len(s.Ears))
	for i, ear := range s.Ears {
		ears[i] = string(ear)
	}
	v.SetDefault("session.ears", ears)
	v.SetDefault("session.frequencies", s.Frequencies)
	v.SetDefault("session.retest_frequencies", s.RetestFrequencies)
	v.SetDefault("session.familiarization.frequency_hz", s.FamiliarizationHz)
	v.SetDefault("session.familiarization.level", s.FamiliarizationLevel)
	v.SetDefault("session.familiarization.step_db", s.FamiliarizationStepDb)
	v.SetDefault("session.familiarization.attempts", s.FamiliarizationAttempts)
	v.SetDefault("session.catch_probability", s.CatchProbability)
	v.SetDefault("session.probes_per_frequency", s.ProbesPerFrequency)
	v.SetDefault("session.probe_offset_db", s.ProbeOffsetDb)
	v.SetDefault("session.wait_window", s.WaitWindow)
	v.SetDefault("session.audio_retry_backoff", s.AudioRetryBackoff)

	p := s.Protocol
	v.SetDefault("protocol.start_level", p.StartLevel)
	v.SetDefault("protocol.min_level", p.MinLevel)
	v.SetDefault("protocol.max_level", p.MaxLevel)
	v.SetDefault("protocol.seek_step_db", p.SeekStepDb)
	v.SetDefault("protocol.descend_step_db", p.DescendStepDb)
	v.SetDefault("protocol.ascend_step_db", p.AscendStepDb)
	v.SetDefault("protocol.required_reversals", p.RequiredReversals)
	v.SetDefault("protocol.max_trials", p.MaxTrials)
	v.SetDefault("protocol.threshold_rule", string(p.ThresholdRule))
	v.SetDefault("protocol.min_ascending_trials", p.MinAscendingTrials)

	t := s.Timing
	v.SetDefault("timing.window_size", t.WindowSize)
	v.SetDefault("timing.baseline_size", t.BaselineSize)
	v.SetDefault("timing.fatigue_fraction", t.FatigueFraction)
	v.SetDefault("timing.absolute_ceiling_ms", t.AbsoluteCeilingMs)
	v.SetDefault("timing.treat_beyond_ceiling_as_no_response", t.TreatBeyondCeilingAsNoResponse)
	v.SetDefault("timing.uniform_cv_floor", t.UniformCVFloor)
	v.SetDefault("timing.uniform_min_samples", t.UniformMinSamples)

	v.SetDefault("catch.false_positive_ceiling", s.Catch.FalsePositiveCeiling)
	v.SetDefault("catch.min_catch_trials", s.Catch.MinCatchTrials)

	r := s.Risk
	v.SetDefault("risk.consistency_weight", r.ConsistencyWeight)
	v.SetDefault("risk.plausibility_weight", r.PlausibilityWeight)
	v.SetDefault("risk.symmetry_weight", r.SymmetryWeight)
	v.SetDefault("risk.timing_weight", r.TimingWeight)
	v.SetDefault("risk.retest_band_db", r.RetestBandDb)
	v.SetDefault("risk.zigzag_db", r.ZigZagDb)
	v.SetDefault("risk.asymmetry_db", r.AsymmetryDb)
	v.SetDefault("risk.anticipatory_saturation", r.AnticipatorySaturation)
	v.SetDefault("risk.moderate_from", r.ModerateFrom)
	v.SetDefault("risk.high_from", r.HighFrom)
	v.SetDefault("risk.very_high_from", r.VeryHighFrom)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/audiometer.db")
	v.SetDefault("storage.max_sessions", 0) // 0 = keep all

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "") // empty = stderr only
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxSessions < 0 {
		return fmt.Errorf("storage.max_sessions must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// The session, protocol, timing, catch and risk sections are validated by
	// the packages that own them.
	return c.GetSessionConfig().Validate()
}

// GetSessionConfig assembles the orchestrator configuration from the
// session, protocol, timing, catch and risk sections
func (c *Config) GetSessionConfig() orchestrator.Config {
	s := orchestrator.DefaultConfig()

	s.Ears = make([]models.Ear, len(c.Session.Ears))
	for i, ear := range c.Session.Ears {
		s.Ears[i] = models.Ear(strings.ToLower(ear))
	}
	s.Frequencies = c.Session.Frequencies
	s.RetestFrequencies = c.Session.RetestFrequencies
	s.FamiliarizationHz = c.Session.Familiarization.FrequencyHz
	s.FamiliarizationLevel = c.Session.Familiarization.Level
	s.FamiliarizationStepDb = c.Session.Familiarization.StepDb
	s.FamiliarizationAttempts = c.Session.Familiarization.Attempts
	s.CatchProbability = c.Session.CatchProbability
	s.ProbesPerFrequency = c.Session.ProbesPerFrequency
	s.ProbeOffsetDb = c.Session.ProbeOffsetDb
	s.WaitWindow = c.Session.WaitWindow
	s.AudioRetryBackoff = c.Session.AudioRetryBackoff

	s.Protocol = c.GetProtocolConfig()
	s.Timing = c.GetTimingConfig()
	s.Catch = c.GetCatchConfig()
	s.Risk = c.GetRiskConfig()
	return s
}

// GetProtocolConfig returns the staircase configuration
func (c *Config) GetProtocolConfig() protocol.Config {
	p := protocol.DefaultConfig()
	p.StartLevel = c.Protocol.StartLevel
	p.MinLevel = c.Protocol.MinLevel
	p.MaxLevel = c.Protocol.MaxLevel
	p.SeekStepDb = c.Protocol.SeekStepDb
	p.DescendStepDb = c.Protocol.DescendStepDb
	p.AscendStepDb = c.Protocol.AscendStepDb
	p.RequiredReversals = c.Protocol.RequiredReversals
	p.MaxTrials = c.Protocol.MaxTrials
	p.ThresholdRule = protocol.ThresholdRule(c.Protocol.ThresholdRule)
	p.MinAscendingTrials = c.Protocol.MinAscendingTrials
	return p
}

// GetTimingConfig returns the latency analysis configuration
func (c *Config) GetTimingConfig() timing.Config {
	return timing.Config{
		WindowSize:                     c.Timing.WindowSize,
		BaselineSize:                   c.Timing.BaselineSize,
		FatigueFraction:                c.Timing.FatigueFraction,
		AbsoluteCeilingMs:              c.Timing.AbsoluteCeilingMs,
		TreatBeyondCeilingAsNoResponse: c.Timing.TreatBeyondCeilingAsNoResponse,
		UniformCVFloor:                 c.Timing.UniformCVFloor,
		UniformMinSamples:              c.Timing.UniformMinSamples,
	}
}

// GetCatchConfig returns the catch-trial configuration
func (c *Config) GetCatchConfig() catchtrial.Config {
	return catchtrial.Config{
		FalsePositiveCeiling: c.Catch.FalsePositiveCeiling,
		MinCatchTrials:       c.Catch.MinCatchTrials,
	}
}

// GetRiskConfig returns the risk engine configuration
func (c *Config) GetRiskConfig() risk.Config {
	r := risk.DefaultConfig()
	r.ConsistencyWeight = c.Risk.ConsistencyWeight
	r.PlausibilityWeight = c.Risk.PlausibilityWeight
	r.SymmetryWeight = c.Risk.SymmetryWeight
	r.TimingWeight = c.Risk.TimingWeight
	r.RetestBandDb = c.Risk.RetestBandDb
	r.ZigZagDb = c.Risk.ZigZagDb
	r.AsymmetryDb = c.Risk.AsymmetryDb
	r.AnticipatorySaturation = c.Risk.AnticipatorySaturation
	r.ModerateFrom = c.Risk.ModerateFrom
	r.HighFrom = c.Risk.HighFrom
	r.VeryHighFrom = c.Risk.VeryHighFrom
	r.Catch = c.GetCatchConfig()
	return r
}

// GetStorageConfig returns the Storage configuration
func (c *Config) GetStorageConfig() StorageConfig {
	return c.Storage
}

// GetTelegramConfig returns the Telegram configuration
func (c *Config) GetTelegramConfig() TelegramConfig {
	return c.Telegram
}

// GetLoggingConfig returns the Logging configuration
func (c *Config) GetLoggingConfig() LoggingConfig {
	return c.Logging
}

// LogFileOptions returns the rotating file settings, or nil when file
// logging is off
func (c *Config) LogFileOptions() *logger.FileOptions {
	f := c.Logging.File
	if f.Path == "" {
		return nil
	}
	return &logger.FileOptions{
		Path:       f.Path,
		MaxSizeMB:  f.MaxSizeMB,
		MaxBackups: f.MaxBackups,
		MaxAgeDays: f.MaxAgeDays,
	}
}
