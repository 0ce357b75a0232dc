package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/phonebridge/internal/bridge"
)

// Environment variables that override file settings. PORT, ELEVEN_AGENT_ID
// and ELEVENLABS_API_KEY are the names hosting platforms and existing .env
// files already use.
const (
	EnvPort        = "PORT"
	EnvListenAddr  = "PHONEBRIDGE_LISTEN_ADDR"
	EnvLogLevel    = "PHONEBRIDGE_LOG_LEVEL"
	EnvAdminToken  = "PHONEBRIDGE_ADMIN_TOKEN"
	EnvAgentID     = "ELEVEN_AGENT_ID"
	EnvAPIKey      = "ELEVENLABS_API_KEY"
	EnvAgentURL    = "PHONEBRIDGE_AGENT_URL"
	EnvPostgresDSN = "PHONEBRIDGE_POSTGRES_DSN"
)

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv adds the variables defined in the given .env files to the
// process environment. Variables that are already set win. Missing files
// are skipped.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path on top of [Default],
// applies environment overrides from the process environment and returns
// the validated result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is [Load] with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := decodeInto(cfg, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. The environment is not consulted. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overwrites cfg fields with any set environment overrides.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := lookup(EnvPort); ok && port != "" {
		if strings.Contains(port, ":") {
			return fmt.Errorf("config: %s=%q must be a bare port number", EnvPort, port)
		}
		cfg.Server.ListenAddr = ":" + port
	}
	set(EnvListenAddr, &cfg.Server.ListenAddr)
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	set(EnvAdminToken, &cfg.Server.AdminToken)
	set(EnvAgentID, &cfg.Agent.AgentID)
	set(EnvAPIKey, &cfg.Agent.APIKey)
	set(EnvAgentURL, &cfg.Agent.URL)
	set(EnvPostgresDSN, &cfg.CallRecords.PostgresDSN)
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !strings.HasPrefix(cfg.Server.StreamPath, "/") {
		errs = append(errs, fmt.Errorf("server.stream_path %q must start with /", cfg.Server.StreamPath))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Agent
	if cfg.Agent.URL == "" {
		errs = append(errs, errors.New("agent.url is required"))
	} else if !strings.HasPrefix(cfg.Agent.URL, "ws://") && !strings.HasPrefix(cfg.Agent.URL, "wss://") {
		errs = append(errs, fmt.Errorf("agent.url %q must use ws:// or wss://", cfg.Agent.URL))
	}
	if cfg.Agent.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.dial_timeout %v must be positive", cfg.Agent.DialTimeout))
	}
	if cfg.Agent.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("agent.breaker.max_failures %d must not be negative", cfg.Agent.Breaker.MaxFailures))
	}
	if cfg.Agent.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.breaker.reset_timeout %v must not be negative", cfg.Agent.Breaker.ResetTimeout))
	}

	// Bridge
	b := cfg.Bridge
	if _, err := bridge.ParsePolicy(b.Backpressure); err != nil {
		errs = append(errs, fmt.Errorf("bridge.backpressure %q is invalid; valid values: drop_oldest, close", b.Backpressure))
	}
	if _, err := bridge.ParseAudioMode(b.OutboundAudio); err != nil {
		errs = append(errs, fmt.Errorf("bridge.outbound_audio %q is invalid; valid values: passthrough, transcode, off", b.OutboundAudio))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"max_pending_frames", b.MaxPendingFrames},
		{"outbound_buffer", b.OutboundBuffer},
		{"agent_sample_rate", b.AgentSampleRate},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("bridge.%s %d must be positive", f.name, f.v))
		}
	}
	for _, f := range []struct {
		name string
		v    time.Duration
	}{
		{"send_timeout", b.SendTimeout},
		{"close_timeout", b.CloseTimeout},
		{"ready_timeout", b.ReadyTimeout},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("bridge.%s %v must be positive", f.name, f.v))
		}
	}
	if b.ReadyWarnAfter < 0 {
		errs = append(errs, fmt.Errorf("bridge.ready_warn_after %v must not be negative", b.ReadyWarnAfter))
	}
	if b.EndOfSpeechMark == "" {
		errs = append(errs, errors.New("bridge.end_of_speech_mark is required"))
	}

	return errors.Join(errs...)
}
