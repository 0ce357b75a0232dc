// Package config provides the configuration schema and loader for the phone
// bridge.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/phonebridge/internal/bridge"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown and empty values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Agent       AgentConfig       `yaml:"agent"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	CallRecords CallRecordsConfig `yaml:"callrecords"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// StreamPath is where the telephony provider opens its media stream
	// WebSocket.
	StreamPath string `yaml:"stream_path"`

	// LogLevel controls verbosity. It is the only setting applied without
	// a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminToken guards the /admin routes as a bearer token. Empty disables
	// them.
	AdminToken string `yaml:"admin_token"`

	// AllowedOrigins lists extra hosts allowed to open the stream from a
	// browser origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS enables HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// Enabled reports whether both certificate paths are set.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// AgentConfig addresses the conversational agent service.
type AgentConfig struct {
	// URL is the agent WebSocket endpoint.
	URL string `yaml:"url"`

	// AgentID selects the agent. A missing id is not a load error: every
	// call is refused with a policy-violation close instead.
	AgentID string `yaml:"agent_id"`

	// APIKey is sent in the xi-api-key header.
	APIKey string `yaml:"api_key"`

	// DialTimeout bounds the agent handshake.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around agent dials.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// BridgeConfig tunes every call session. See [bridge.Config] for the meaning
// of each field.
type BridgeConfig struct {
	MaxPendingFrames int           `yaml:"max_pending_frames"`
	Backpressure     string        `yaml:"backpressure"`
	OutboundBuffer   int           `yaml:"outbound_buffer"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	ReadyWarnAfter   time.Duration `yaml:"ready_warn_after"`
	ReadyTimeout     time.Duration `yaml:"ready_timeout"`
	OutboundAudio    string        `yaml:"outbound_audio"`
	AgentSampleRate  int           `yaml:"agent_sample_rate"`
	EndOfSpeechMark  string        `yaml:"end_of_speech_mark"`
}

// Session converts b into a [bridge.Config]. It fails only on values
// [Validate] rejects.
func (b BridgeConfig) Session() (bridge.Config, error) {
	policy, err := bridge.ParsePolicy(b.Backpressure)
	if err != nil {
		return bridge.Config{}, err
	}
	mode, err := bridge.ParseAudioMode(b.OutboundAudio)
	if err != nil {
		return bridge.Config{}, err
	}
	return bridge.Config{
		MaxPendingFrames: b.MaxPendingFrames,
		Backpressure:     policy,
		OutboundBuffer:   b.OutboundBuffer,
		SendTimeout:      b.SendTimeout,
		CloseTimeout:     b.CloseTimeout,
		ReadyWarnAfter:   b.ReadyWarnAfter,
		ReadyTimeout:     b.ReadyTimeout,
		OutboundAudio:    mode,
		AgentSampleRate:  b.AgentSampleRate,
		EndOfSpeechMark:  b.EndOfSpeechMark,
	}, nil
}

// TelemetryConfig names the service in exported metrics and traces.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// CallRecordsConfig configures per-call summary persistence.
type CallRecordsConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables call
	// records.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Default returns the configuration used for any value the file and
// environment leave unset.
func Default() *Config {
	sess := bridge.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":3000",
			StreamPath: "/stream",
			LogLevel:   LogInfo,
		},
		Agent: AgentConfig{
			URL:         "wss://api.elevenlabs.io/v1/convai/conversation",
			DialTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			MaxPendingFrames: sess.MaxPendingFrames,
			Backpressure:     sess.Backpressure.String(),
			OutboundBuffer:   sess.OutboundBuffer,
			SendTimeout:      sess.SendTimeout,
			CloseTimeout:     sess.CloseTimeout,
			ReadyWarnAfter:   sess.ReadyWarnAfter,
			ReadyTimeout:     sess.ReadyTimeout,
			OutboundAudio:    sess.OutboundAudio.String(),
			AgentSampleRate:  sess.AgentSampleRate,
			EndOfSpeechMark:  sess.EndOfSpeechMark,
		},
		Telemetry: TelemetryConfig{ServiceName: "phonebridge"},
	}
}
