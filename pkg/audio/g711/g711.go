// Package g711 implements the ITU-T G.711 companding codecs used on
// telephony media streams.
//
// μ-law is implemented locally: decoding is a 256-entry lookup table and
// encoding is the classic exponent bit-search over 14-bit magnitudes. A-law
// delegates to github.com/zaf/g711. Both codecs operate on single samples
// and on whole frames.
package g711

import (
	"fmt"

	zaf "github.com/zaf/g711"
)

// Encoding identifies a G.711 companding law.
type Encoding int

const (
	// MuLaw is G.711 μ-law (PCMU), used on North American and Japanese
	// networks and by Twilio Media Streams by default.
	MuLaw Encoding = iota

	// ALaw is G.711 A-law (PCMA).
	ALaw
)

// String returns the MIME-style name of the encoding.
func (e Encoding) String() string {
	switch e {
	case MuLaw:
		return "audio/x-mulaw"
	case ALaw:
		return "audio/x-alaw"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// ParseEncoding maps a media-format encoding name to an [Encoding]. An empty
// name selects [MuLaw].
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "audio/x-mulaw", "mulaw", "ulaw", "pcmu", "PCMU":
		return MuLaw, nil
	case "audio/x-alaw", "alaw", "pcma", "PCMA":
		return ALaw, nil
	default:
		return 0, fmt.Errorf("g711: unsupported encoding %q", name)
	}
}

// Decode expands a frame of companded bytes into linear samples.
func (e Encoding) Decode(frame []byte) []int16 {
	out := make([]int16, len(frame))
	switch e {
	case ALaw:
		for i, b := range frame {
			out[i] = zaf.DecodeAlawFrame(b)
		}
	default:
		for i, b := range frame {
			out[i] = muLawTable[b]
		}
	}
	return out
}

// Encode compresses linear samples into one byte per sample.
func (e Encoding) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	switch e {
	case ALaw:
		for i, s := range samples {
			out[i] = zaf.EncodeAlawFrame(s)
		}
	default:
		for i, s := range samples {
			out[i] = EncodeMuLaw(s)
		}
	}
	return out
}

// DecodeALaw expands one A-law byte.
func DecodeALaw(b byte) int16 { return zaf.DecodeAlawFrame(b) }

// EncodeALaw compresses one sample to A-law.
func EncodeALaw(s int16) byte { return zaf.EncodeAlawFrame(s) }
