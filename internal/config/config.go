package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the midihub Hub process.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	RTPMIDIControlPort int    // UDP port for AppleMIDI control (data port is ControlPort+1).
	SessionName        string // name advertised in IN and in mDNS.
	SampleRate         uint32 // RTP timestamp unit; must match the peer.
	RTPPeerAddress     string // overrides auto-discovery with a fixed peer host[:control-port].

	OSCTargetAddress string // overrides auto-discovery with a fixed visualizer endpoint.
	OSCPort          int
	EmitChannelPrefix bool
	CCCoalesceMS     int // parsed and validated only; the OSC sender always coalesces over osc.CoalesceWindow (5 ms).

	DiscoveryEnabled bool
	DiscoveryName    string // advertised mDNS instance name; defaults to SessionName.

	LEDStripLength int
	FadeMS         int

	HTTPStatusPort int
	LogLevel       string
	LogFormat      string
}

// defaults
const (
	defaultRTPMIDIControlPort = 5004
	defaultSessionName        = "midihub"
	defaultSampleRate         = 10000
	defaultOSCPort            = 8000
	defaultCCCoalesceMS       = 5
	defaultLEDStripLength     = 144
	defaultFadeMS             = 2000
	defaultHTTPStatusPort     = 9090
	defaultLogLevel           = "info"
	defaultLogFormat          = "text"
)

// envPrefix is the prefix for all midihub environment variables.
const envPrefix = "MIDIHUB_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("midihub", flag.ContinueOnError)

	fs.IntVar(&cfg.RTPMIDIControlPort, "rtp-control-port", defaultRTPMIDIControlPort, "UDP port for AppleMIDI control (data port is this+1)")
	fs.StringVar(&cfg.SessionName, "session-name", defaultSessionName, "name advertised in IN invitations and mDNS")
	fs.StringVar(&cfg.RTPPeerAddress, "rtp-peer-address", "", "override auto-discovery with a fixed peer host[:control-port] to invite")
	var sampleRate int
	fs.IntVar(&sampleRate, "sample-rate", defaultSampleRate, "RTP timestamp unit in Hz; must match peer")
	fs.StringVar(&cfg.OSCTargetAddress, "osc-target-address", "", "override auto-discovery with a fixed visualizer host[:port]")
	fs.IntVar(&cfg.OSCPort, "osc-port", defaultOSCPort, "UDP port of the visualizer OSC listener")
	fs.BoolVar(&cfg.EmitChannelPrefix, "osc-emit-channel-prefix", false, "prepend /ch/<n> to /noteOn and /noteOff OSC addresses")
	fs.IntVar(&cfg.CCCoalesceMS, "osc-cc-coalesce-ms", defaultCCCoalesceMS, "ControlChange coalescing window in ms (validated only; the OSC sender uses a fixed 5 ms window)")
	fs.BoolVar(&cfg.DiscoveryEnabled, "discovery-enabled", true, "enable mDNS discovery of AppleMIDI peers and the visualizer")
	fs.StringVar(&cfg.DiscoveryName, "discovery-name", "", "advertised mDNS instance name (defaults to session-name)")
	fs.IntVar(&cfg.LEDStripLength, "led-strip-length", defaultLEDStripLength, "visualizer LED frame size")
	fs.IntVar(&cfg.FadeMS, "led-fade-ms", defaultFadeMS, "note fade duration in ms")
	fs.IntVar(&cfg.HTTPStatusPort, "http-status-port", defaultHTTPStatusPort, "HTTP port for /healthz, /metrics, /status")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	cfg.SampleRate = uint32(sampleRate)

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if cfg.DiscoveryName == "" {
		cfg.DiscoveryName = cfg.SessionName
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"rtp-control-port":        envPrefix + "RTP_CONTROL_PORT",
		"session-name":            envPrefix + "SESSION_NAME",
		"rtp-peer-address":        envPrefix + "RTP_PEER_ADDRESS",
		"sample-rate":             envPrefix + "SAMPLE_RATE",
		"osc-target-address":      envPrefix + "OSC_TARGET_ADDRESS",
		"osc-port":                envPrefix + "OSC_PORT",
		"osc-emit-channel-prefix": envPrefix + "OSC_EMIT_CHANNEL_PREFIX",
		"osc-cc-coalesce-ms":      envPrefix + "OSC_CC_COALESCE_MS",
		"discovery-enabled":       envPrefix + "DISCOVERY_ENABLED",
		"discovery-name":          envPrefix + "DISCOVERY_NAME",
		"led-strip-length":        envPrefix + "LED_STRIP_LENGTH",
		"led-fade-ms":             envPrefix + "LED_FADE_MS",
		"http-status-port":        envPrefix + "HTTP_STATUS_PORT",
		"log-level":               envPrefix + "LOG_LEVEL",
		"log-format":              envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "rtp-control-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPMIDIControlPort = v
			}
		case "session-name":
			cfg.SessionName = val
		case "rtp-peer-address":
			cfg.RTPPeerAddress = val
		case "sample-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SampleRate = uint32(v)
			}
		case "osc-target-address":
			cfg.OSCTargetAddress = val
		case "osc-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OSCPort = v
			}
		case "osc-emit-channel-prefix":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.EmitChannelPrefix = v
			}
		case "osc-cc-coalesce-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CCCoalesceMS = v
			}
		case "discovery-enabled":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.DiscoveryEnabled = v
			}
		case "discovery-name":
			cfg.DiscoveryName = val
		case "led-strip-length":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.LEDStripLength = v
			}
		case "led-fade-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.FadeMS = v
			}
		case "http-status-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPStatusPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.RTPMIDIControlPort < 1 || c.RTPMIDIControlPort > 65533 {
		return fmt.Errorf("rtp-control-port must be between 1 and 65533, got %d", c.RTPMIDIControlPort)
	}
	if c.OSCPort < 1 || c.OSCPort > 65535 {
		return fmt.Errorf("osc-port must be between 1 and 65535, got %d", c.OSCPort)
	}
	if c.HTTPStatusPort < 1 || c.HTTPStatusPort > 65535 {
		return fmt.Errorf("http-status-port must be between 1 and 65535, got %d", c.HTTPStatusPort)
	}
	if c.SampleRate == 0 {
		return fmt.Errorf("sample-rate must be positive, got %d", c.SampleRate)
	}
	if c.SessionName == "" {
		return fmt.Errorf("session-name must not be empty")
	}
	if c.CCCoalesceMS < 0 {
		return fmt.Errorf("osc-cc-coalesce-ms must not be negative, got %d", c.CCCoalesceMS)
	}
	if c.LEDStripLength < 1 {
		return fmt.Errorf("led-strip-length must be positive, got %d", c.LEDStripLength)
	}
	if c.FadeMS < 0 {
		return fmt.Errorf("led-fade-ms must not be negative, got %d", c.FadeMS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// DataPort returns the AppleMIDI data port, always the control port plus one,
// per the two-port rule.
func (c *Config) DataPort() int {
	return c.RTPMIDIControlPort + 1
}

// LocalIP attempts to detect the machine's primary non-loopback IPv4 address,
// used when advertising mDNS service records. Falls back to "127.0.0.1".
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
