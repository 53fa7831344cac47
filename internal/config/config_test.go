package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rewired-gh/audiometer/internal/models"
	"github.com/rewired-gh/audiometer/internal/orchestrator"
	"github.com/rewired-gh/audiometer/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
session:
  ears: [Left]
  frequencies: [1000, 2000, 4000]
  retest_frequencies: [1000]
  catch_probability: 0.2
  wait_window: 4s
  familiarization:
    level: 50

protocol:
  threshold_rule: ascending_majority
  required_reversals: 4

timing:
  absolute_ceiling_ms: 2500

risk:
  timing_weight: 0.5

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  db_path: "./data/test.db"
  max_sessions: 200

logging:
  level: "debug"
  format: "text"
  file:
    path: "./logs/audiometer.log"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	s := cfg.GetSessionConfig()
	if len(s.Ears) != 1 || s.Ears[0] != models.EarLeft {
		t.Errorf("Unexpected ears: %v", s.Ears)
	}
	if len(s.Frequencies) != 3 || s.Frequencies[2] != 4000 {
		t.Errorf("Unexpected frequencies: %v", s.Frequencies)
	}
	if s.WaitWindow != 4*time.Second {
		t.Errorf("Unexpected wait window: %v", s.WaitWindow)
	}
	if s.FamiliarizationLevel != 50 || s.FamiliarizationHz != 1000 {
		t.Errorf("Unexpected familiarization: %d dB at %d Hz", s.FamiliarizationLevel, s.FamiliarizationHz)
	}
	if s.Protocol.ThresholdRule != protocol.RuleAscendingMajority || s.Protocol.RequiredReversals != 4 {
		t.Errorf("Unexpected protocol: %+v", s.Protocol)
	}
	if s.Timing.AbsoluteCeilingMs != 2500 {
		t.Errorf("Unexpected ceiling: %v", s.Timing.AbsoluteCeilingMs)
	}
	if s.Risk.TimingWeight != 0.5 || s.Risk.ConsistencyWeight != 0.30 {
		t.Errorf("Unexpected risk weights: %+v", s.Risk)
	}
	if s.Risk.Catch != s.Catch {
		t.Errorf("risk catch config %+v differs from %+v", s.Risk.Catch, s.Catch)
	}
	if cfg.Storage.MaxSessions != 200 {
		t.Errorf("Unexpected max sessions: %d", cfg.Storage.MaxSessions)
	}
	if f := cfg.LogFileOptions(); f == nil || f.Path != "./logs/audiometer.log" || f.MaxSizeMB != 50 {
		t.Errorf("Unexpected log file options: %+v", f)
	}
}

func TestLoadDefaultsMatchPackages(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	got, want := cfg.GetSessionConfig(), orchestrator.DefaultConfig()
	if len(got.Frequencies) != len(want.Frequencies) || got.CatchProbability != want.CatchProbability {
		t.Errorf("session defaults drifted: %+v", got)
	}
	if got.Protocol != want.Protocol {
		t.Errorf("protocol defaults drifted: %+v vs %+v", got.Protocol, want.Protocol)
	}
	if got.Timing != want.Timing {
		t.Errorf("timing defaults drifted: %+v vs %+v", got.Timing, want.Timing)
	}
	if got.Risk != want.Risk {
		t.Errorf("risk defaults drifted: %+v vs %+v", got.Risk, want.Risk)
	}
	if cfg.LogFileOptions() != nil {
		t.Error("file logging enabled by default")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("AUDIOMETER_TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("AUDIOMETER_PROTOCOL_START_LEVEL", "40")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Errorf("bot token = %q, want from-env", cfg.Telegram.BotToken)
	}
	if cfg.Protocol.StartLevel != 40 {
		t.Errorf("start level = %d, want 40", cfg.Protocol.StartLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/audiometer.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name: "missing telegram token when enabled",
			mutate: func(c *Config) {
				c.Telegram.Enabled = true
				c.Telegram.ChatID = "1"
			},
		},
		{
			name:   "empty db path",
			mutate: func(c *Config) { c.Storage.DBPath = "" },
		},
		{
			name:   "invalid log level",
			mutate: func(c *Config) { c.Logging.Level = "trace" },
		},
		{
			name:      "unknown ear",
			mutate:    func(c *Config) { c.Session.Ears = []string{"both"} },
			wantField: "session.ears",
		},
		{
			name:      "retest outside sequence",
			mutate:    func(c *Config) { c.Session.RetestFrequencies = []int{9000} },
			wantField: "session.retest_frequencies",
		},
		{
			name:      "unknown threshold rule",
			mutate:    func(c *Config) { c.Protocol.ThresholdRule = "median" },
			wantField: "protocol.threshold_rule",
		},
		{
			name:      "start level above ceiling",
			mutate:    func(c *Config) { c.Protocol.StartLevel = 130 },
			wantField: "protocol.start_level",
		},
		{
			name:      "catch ceiling out of range",
			mutate:    func(c *Config) { c.Catch.FalsePositiveCeiling = 1.5 },
			wantField: "catch.false_positive_ceiling",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted an invalid config")
			}
			if tt.wantField == "" {
				return
			}
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.wantField {
				t.Errorf("Validate() error = %v, want configuration error on %s", err, tt.wantField)
			}
		})
	}
}
