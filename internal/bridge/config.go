package bridge

import (
	"fmt"
	"time"

	"github.com/MrWong99/phonebridge/pkg/audio"
)

// AudioMode controls what happens to agent audio headed for the caller.
type AudioMode int

const (
	// AudioPassthrough forwards agent audio exactly as delivered.
	AudioPassthrough AudioMode = iota
	// AudioTranscode converts agent PCM to the caller's G.711 encoding at
	// 8 kHz before forwarding.
	AudioTranscode
	// AudioOff drops agent audio. End-of-speech marks are still sent.
	AudioOff
)

func (m AudioMode) String() string {
	switch m {
	case AudioPassthrough:
		return "passthrough"
	case AudioTranscode:
		return "transcode"
	case AudioOff:
		return "off"
	default:
		return fmt.Sprintf("AudioMode(%d)", int(m))
	}
}

// ParseAudioMode maps a configuration value to an [AudioMode].
func ParseAudioMode(s string) (AudioMode, error) {
	switch s {
	case "", "passthrough":
		return AudioPassthrough, nil
	case "transcode":
		return AudioTranscode, nil
	case "off":
		return AudioOff, nil
	default:
		return 0, fmt.Errorf("bridge: unknown outbound audio mode %q", s)
	}
}

// Config tunes a [Session].
type Config struct {
	// MaxPendingFrames bounds the queue of frames held until the agent is
	// ready.
	MaxPendingFrames int

	// Backpressure applies to the pending queue and to both outboxes.
	Backpressure Policy

	// OutboundBuffer is the per-side outbox capacity for live traffic. The
	// downstream outbox additionally reserves MaxPendingFrames slots so a
	// full pending queue always drains.
	OutboundBuffer int

	// SendTimeout bounds a single channel send.
	SendTimeout time.Duration

	// CloseTimeout bounds the flush of queued messages once a session
	// starts closing.
	CloseTimeout time.Duration

	// ReadyWarnAfter logs a warning when the agent has not signalled
	// readiness this long after connecting.
	ReadyWarnAfter time.Duration

	// ReadyTimeout closes the session when the agent never signals
	// readiness.
	ReadyTimeout time.Duration

	// OutboundAudio selects the agent → caller audio policy.
	OutboundAudio AudioMode

	// AgentSampleRate is the PCM rate the agent consumes and produces.
	AgentSampleRate int

	// EndOfSpeechMark names the mark sent to the caller when the agent
	// finishes speaking.
	EndOfSpeechMark string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxPendingFrames: 500,
		Backpressure:     DropOldest,
		OutboundBuffer:   256,
		SendTimeout:      2 * time.Second,
		CloseTimeout:     5 * time.Second,
		ReadyWarnAfter:   1500 * time.Millisecond,
		ReadyTimeout:     30 * time.Second,
		OutboundAudio:    AudioPassthrough,
		AgentSampleRate:  audio.RateWideband,
		EndOfSpeechMark:  "el_audio_end",
	}
}

// validate returns a [*ConfigError] for the first unusable field.
func (c Config) validate() error {
	switch {
	case c.MaxPendingFrames <= 0:
		return &ConfigError{Field: "max_pending_frames", Msg: "must be positive"}
	case c.OutboundBuffer <= 0:
		return &ConfigError{Field: "outbound_buffer", Msg: "must be positive"}
	case c.SendTimeout <= 0:
		return &ConfigError{Field: "send_timeout", Msg: "must be positive"}
	case c.CloseTimeout <= 0:
		return &ConfigError{Field: "close_timeout", Msg: "must be positive"}
	case c.ReadyTimeout <= 0:
		return &ConfigError{Field: "ready_timeout", Msg: "must be positive"}
	case c.AgentSampleRate <= 0:
		return &ConfigError{Field: "agent_sample_rate", Msg: "must be positive"}
	case c.EndOfSpeechMark == "":
		return &ConfigError{Field: "end_of_speech_mark", Msg: "must not be empty"}
	}
	return nil
}
