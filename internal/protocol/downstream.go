package protocol

import (
	"bytes"
	"encoding/json"
)

// Outbound downstream message types.
const (
	TypeAppend         = "input_audio_buffer.append"
	TypeCommit         = "input_audio_buffer.commit"
	TypeResponseCreate = "response.create"
	TypePing           = "ping"
	TypePong           = "pong"
)

// ── Inbound ────────────────────────────────────────────────────────────────────

// AgentMessage is one inbound agent message. Events are recognised by key;
// a single message may carry several of them.
type AgentMessage struct {
	Type string `json:"type,omitempty"`

	// InitMetadata signals that the agent finished initialising and accepts
	// audio.
	InitMetadata json.RawMessage `json:"conversation_initiation_metadata_event,omitempty"`

	AudioChunk *AgentAudioChunk `json:"agent_output_audio_chunk,omitempty"`
	AudioEvent *AgentAudioEvent `json:"audio_event,omitempty"`
	AudioEnd   json.RawMessage  `json:"agent_output_audio_end,omitempty"`
	PingEvent  *PingEvent       `json:"ping_event,omitempty"`
}

// AgentAudioChunk carries base64 agent speech.
type AgentAudioChunk struct {
	AudioChunk string `json:"audio_chunk"`
}

// AgentAudioEvent is the typed form of agent speech sent by newer agent
// API revisions ({"type":"audio","audio_event":{...}}).
type AgentAudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id,omitempty"`
}

// PingEvent is a keep-alive probe that must be answered with a pong
// carrying the same event id.
type PingEvent struct {
	EventID int64 `json:"event_id"`
	PingMs  int   `json:"ping_ms,omitempty"`
}

// Ready reports whether the message carries the readiness signal.
func (m *AgentMessage) Ready() bool { return present(m.InitMetadata) }

// Audio returns the base64 agent audio carried by the message, if any.
func (m *AgentMessage) Audio() (string, bool) {
	if m.AudioChunk != nil {
		return m.AudioChunk.AudioChunk, true
	}
	if m.AudioEvent != nil {
		return m.AudioEvent.AudioBase64, true
	}
	return "", false
}

// AudioEnded reports whether the message marks the end of agent speech.
func (m *AgentMessage) AudioEnded() bool { return present(m.AudioEnd) }

// Ping returns the ping event id when the message is a keep-alive probe.
func (m *AgentMessage) Ping() (int64, bool) {
	if m.PingEvent != nil {
		return m.PingEvent.EventID, true
	}
	return 0, false
}

// present treats JSON null and false as absent, matching how agents clear
// optional keys.
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null")) && !bytes.Equal(raw, []byte("false"))
}

// ParseDownstream decodes one inbound agent message. Non-object or malformed
// JSON yields a [*ProtocolError]; messages with no recognised keys parse
// successfully and carry no events.
func ParseDownstream(data []byte) (*AgentMessage, error) {
	var msg AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Side: Downstream, Err: err}
	}
	return &msg, nil
}

// ── Outbound ───────────────────────────────────────────────────────────────────

type appendAudioMessage struct {
	Type       string `json:"type"`
	AudioChunk string `json:"audio_chunk"`
}

type typedMessage struct {
	Type string `json:"type"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// EncodeAppend builds an input_audio_buffer.append message carrying base64
// PCM16LE.
func EncodeAppend(pcmBase64 string) ([]byte, error) {
	return json.Marshal(appendAudioMessage{Type: TypeAppend, AudioChunk: pcmBase64})
}

// EncodeCommit builds an input_audio_buffer.commit message.
func EncodeCommit() ([]byte, error) {
	return json.Marshal(typedMessage{Type: TypeCommit})
}

// EncodeResponseCreate builds a response.create message.
func EncodeResponseCreate() ([]byte, error) {
	return json.Marshal(typedMessage{Type: TypeResponseCreate})
}

// EncodePong answers a ping.
func EncodePong(eventID int64) ([]byte, error) {
	return json.Marshal(pongMessage{Type: TypePong, EventID: eventID})
}
