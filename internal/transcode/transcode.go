// Package transcode converts whole media frames between the telephony side
// of a call (base64 G.711 at 8 kHz) and the agent side (base64 PCM16LE at
// the agent's sample rate).
//
// A [Transcoder] is immutable after construction and safe for concurrent
// use. Malformed input yields a [*DecodeError]; callers drop the frame and
// carry on.
package transcode

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/audio/g711"
)

// DecodeError reports a media frame that could not be transcoded.
type DecodeError struct {
	// Op is "inbound" or "outbound".
	Op string
	// Len is the size of the offending payload in bytes (or base64
	// characters when base64 decoding failed).
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("transcode: %s frame (%d bytes): %v", e.Op, e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a [*DecodeError].
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Transcoder converts frames for one call.
type Transcoder struct {
	enc       g711.Encoding
	wireRate  int
	agentRate int
}

// Option configures a [Transcoder].
type Option func(*Transcoder)

// WithEncoding selects the telephony companding law. Default: μ-law.
func WithEncoding(enc g711.Encoding) Option {
	return func(t *Transcoder) { t.enc = enc }
}

// WithAgentRate sets the sample rate of agent-side PCM. Default: 16 kHz.
func WithAgentRate(hz int) Option {
	return func(t *Transcoder) {
		if hz > 0 {
			t.agentRate = hz
		}
	}
}

// New returns a Transcoder for 8 kHz telephony audio.
func New(opts ...Option) *Transcoder {
	t := &Transcoder{
		enc:       g711.MuLaw,
		wireRate:  audio.RateNarrowband,
		agentRate: audio.RateWideband,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Encoding returns the telephony companding law.
func (t *Transcoder) Encoding() g711.Encoding { return t.enc }

// AgentFormat returns the format of agent-side PCM.
func (t *Transcoder) AgentFormat() audio.Format {
	return audio.Format{SampleRate: t.agentRate, Channels: 1}
}

// InboundFrame decodes companded telephony bytes and resamples them to the
// agent rate, returning PCM16LE.
//
// Telephony frames carry an even number of samples (20 ms is 160 bytes at
// 8 kHz); an odd-length frame is treated as truncated and rejected with a
// [*DecodeError] wrapping [audio.ErrOddLength].
func (t *Transcoder) InboundFrame(frame []byte) ([]byte, error) {
	if len(frame)%2 != 0 {
		return nil, &DecodeError{Op: "inbound", Len: len(frame), Err: audio.ErrOddLength}
	}
	samples := t.enc.Decode(frame)
	return audio.EncodePCM16(audio.Resample(samples, t.wireRate, t.agentRate)), nil
}

// Inbound converts a base64 telephony media payload to base64 agent PCM.
func (t *Transcoder) Inbound(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &DecodeError{Op: "inbound", Len: len(payload), Err: err}
	}
	pcm, err := t.InboundFrame(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// OutboundFrame resamples agent PCM16LE to 8 kHz and compands it. Odd-length
// input fails with a [*DecodeError] wrapping [audio.ErrOddLength].
func (t *Transcoder) OutboundFrame(pcm []byte) ([]byte, error) {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return nil, &DecodeError{Op: "outbound", Len: len(pcm), Err: err}
	}
	return t.enc.Encode(audio.Resample(samples, t.agentRate, t.wireRate)), nil
}

// Outbound converts a base64 agent PCM payload to a base64 telephony
// payload.
func (t *Transcoder) Outbound(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", &DecodeError{Op: "outbound", Len: len(payload), Err: err}
	}
	frame, err := t.OutboundFrame(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(frame), nil
}
