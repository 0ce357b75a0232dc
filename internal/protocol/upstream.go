package protocol

import (
	"encoding/json"
)

// Upstream event tags.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

// ── Inbound ────────────────────────────────────────────────────────────────────

// UpstreamMessage is one inbound Media Streams message. Exactly one of the
// body pointers is set, according to Event.
type UpstreamMessage struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSid      string      `json:"streamSid,omitempty"`
	Protocol       string      `json:"protocol,omitempty"`
	Version        string      `json:"version,omitempty"`
	Start          *StartEvent `json:"start,omitempty"`
	Media          *MediaEvent `json:"media,omitempty"`
	Stop           *StopEvent  `json:"stop,omitempty"`
	Mark           *MarkEvent  `json:"mark,omitempty"`
	DTMF           *DTMFEvent  `json:"dtmf,omitempty"`
}

// StartEvent describes a newly started media stream.
type StartEvent struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat is the negotiated audio format of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaEvent carries one frame of base64 companded audio.
type MediaEvent struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopEvent ends the stream.
type StopEvent struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkEvent names a playback marker. Inbound marks acknowledge outbound ones.
type MarkEvent struct {
	Name string `json:"name"`
}

// DTMFEvent reports a keypad digit.
type DTMFEvent struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ParseUpstream decodes one inbound upstream message. Malformed JSON, a
// missing event tag, or a known tag without its body yields a
// [*ProtocolError]. Unknown tags parse successfully.
func ParseUpstream(data []byte) (*UpstreamMessage, error) {
	var msg UpstreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Side: Upstream, Err: err}
	}
	if msg.Event == "" {
		return nil, &ProtocolError{Side: Upstream, Err: errMissingTag}
	}
	missing := false
	switch msg.Event {
	case EventStart:
		missing = msg.Start == nil
	case EventMedia:
		missing = msg.Media == nil
	case EventMark:
		missing = msg.Mark == nil
	case EventDTMF:
		missing = msg.DTMF == nil
	}
	if missing {
		return nil, &ProtocolError{Side: Upstream, Event: msg.Event, Err: errMissingBody}
	}
	return &msg, nil
}

// ── Outbound ───────────────────────────────────────────────────────────────────

type upstreamMediaMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Media     outboundMedia `json:"media"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

type upstreamMarkMessage struct {
	Event     string    `json:"event"`
	StreamSid string    `json:"streamSid,omitempty"`
	Mark      MarkEvent `json:"mark"`
}

// EncodeUpstreamMedia builds an outbound media message delivering payload
// (base64 audio) to the caller.
func EncodeUpstreamMedia(streamSid, payload string) ([]byte, error) {
	return json.Marshal(upstreamMediaMessage{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     outboundMedia{Payload: payload},
	})
}

// EncodeUpstreamMark builds an outbound mark message.
func EncodeUpstreamMark(streamSid, name string) ([]byte, error) {
	return json.Marshal(upstreamMarkMessage{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      MarkEvent{Name: name},
	})
}
