package protocol

import "encoding/json"

// UpstreamHandler receives translated upstream events.
type UpstreamHandler interface {
	OnUpstreamStart(start StartEvent)
	// OnUpstreamFrame receives the base64 payload of one media frame.
	OnUpstreamFrame(payload string)
	OnUpstreamStop()
	OnUpstreamMark(name string)
	OnUpstreamDTMF(digit string)
}

// DownstreamHandler receives translated agent events.
type DownstreamHandler interface {
	OnDownstreamReady(metadata json.RawMessage)
	// OnDownstreamAudio receives base64 agent audio exactly as delivered.
	OnDownstreamAudio(payload string)
	OnDownstreamAudioEnd()
	OnDownstreamPing(eventID int64)
}

// TranslateUpstream parses data and invokes the matching handler method.
// Unknown event tags and informational events ("connected") are ignored.
// Parse failures return a [*ProtocolError] and invoke nothing.
//
// It returns the parsed event tag, or "" on error.
func TranslateUpstream(data []byte, h UpstreamHandler) (string, error) {
	msg, err := ParseUpstream(data)
	if err != nil {
		return "", err
	}
	switch msg.Event {
	case EventStart:
		start := *msg.Start
		if start.StreamSid == "" {
			start.StreamSid = msg.StreamSid
		}
		h.OnUpstreamStart(start)
	case EventMedia:
		h.OnUpstreamFrame(msg.Media.Payload)
	case EventStop:
		h.OnUpstreamStop()
	case EventMark:
		h.OnUpstreamMark(msg.Mark.Name)
	case EventDTMF:
		h.OnUpstreamDTMF(msg.DTMF.Digit)
	}
	return msg.Event, nil
}

// TranslateDownstream parses data and invokes the handler for every event it
// carries, in the order readiness, audio, audio end, ping. Messages without
// a recognised key are ignored.
func TranslateDownstream(data []byte, h DownstreamHandler) error {
	msg, err := ParseDownstream(data)
	if err != nil {
		return err
	}
	if msg.Ready() {
		h.OnDownstreamReady(msg.InitMetadata)
	}
	if payload, ok := msg.Audio(); ok {
		h.OnDownstreamAudio(payload)
	}
	if msg.AudioEnded() {
		h.OnDownstreamAudioEnd()
	}
	if id, ok := msg.Ping(); ok {
		h.OnDownstreamPing(id)
	}
	return nil
}
