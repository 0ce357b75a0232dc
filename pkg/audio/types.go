// Package audio provides the sample-level primitives shared by the bridge:
// 16-bit linear PCM helpers, stream formats, and linear-interpolation
// resampling between telephony and wideband rates.
//
// Samples are signed 16-bit values. Serialised PCM is always little-endian.
// Arithmetic that may leave the int16 range saturates instead of wrapping.
package audio

import "fmt"

// Well-known sample rates on either side of the bridge.
const (
	// RateNarrowband is the G.711 telephony sample rate.
	RateNarrowband = 8000

	// RateWideband is the rate most conversational speech agents expect.
	RateWideband = 16000
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Narrowband is mono 8 kHz telephony audio.
var Narrowband = Format{SampleRate: RateNarrowband, Channels: 1}

// Wideband is mono 16 kHz agent audio.
var Wideband = Format{SampleRate: RateWideband, Channels: 1}

// String returns a human-readable form such as "8000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
