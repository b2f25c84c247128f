package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{
		"MIDIHUB_RTP_CONTROL_PORT", "MIDIHUB_SESSION_NAME", "MIDIHUB_OSC_PORT",
		"MIDIHUB_LOG_LEVEL", "MIDIHUB_DISCOVERY_ENABLED",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"midihub"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RTPMIDIControlPort != defaultRTPMIDIControlPort {
		t.Errorf("RTPMIDIControlPort = %d, want %d", cfg.RTPMIDIControlPort, defaultRTPMIDIControlPort)
	}
	if cfg.DataPort() != defaultRTPMIDIControlPort+1 {
		t.Errorf("DataPort() = %d, want %d", cfg.DataPort(), defaultRTPMIDIControlPort+1)
	}
	if cfg.SessionName != defaultSessionName {
		t.Errorf("SessionName = %q, want %q", cfg.SessionName, defaultSessionName)
	}
	if cfg.DiscoveryName != defaultSessionName {
		t.Errorf("DiscoveryName = %q, want it to default to SessionName %q", cfg.DiscoveryName, defaultSessionName)
	}
	if cfg.SampleRate != defaultSampleRate {
		t.Errorf("SampleRate = %d, want %d", cfg.SampleRate, defaultSampleRate)
	}
	if cfg.OSCPort != defaultOSCPort {
		t.Errorf("OSCPort = %d, want %d", cfg.OSCPort, defaultOSCPort)
	}
	if !cfg.DiscoveryEnabled {
		t.Errorf("DiscoveryEnabled = false, want true by default")
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"midihub"}
	t.Setenv("MIDIHUB_OSC_PORT", "9001")
	t.Setenv("MIDIHUB_SESSION_NAME", "bench-hub")
	t.Setenv("MIDIHUB_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OSCPort != 9001 {
		t.Errorf("OSCPort = %d, want 9001", cfg.OSCPort)
	}
	if cfg.SessionName != "bench-hub" {
		t.Errorf("SessionName = %q, want bench-hub", cfg.SessionName)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	os.Args = []string{"midihub", "--osc-port", "3000", "--log-level", "warn"}
	t.Setenv("MIDIHUB_OSC_PORT", "9001")
	t.Setenv("MIDIHUB_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OSCPort != 3000 {
		t.Errorf("OSCPort = %d, want 3000 (CLI should override env)", cfg.OSCPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"midihub", "--osc-port", "99999"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"midihub", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateZeroSampleRate(t *testing.T) {
	os.Args = []string{"midihub", "--sample-rate", "0"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
