package audio

import (
	"encoding/binary"
	"errors"
)

// ErrOddLength is returned when a PCM16 byte buffer does not hold a whole
// number of samples.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// Clamp16 saturates v to the int16 range.
func Clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// DecodePCM16 interprets b as little-endian int16 samples. It returns
// [ErrOddLength] when len(b) is odd. An empty buffer yields an empty slice.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 serialises samples as little-endian int16 PCM.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// ResamplePCM16 is the byte-level form of [Resample] for mono little-endian
// PCM16. The input must contain a whole number of samples.
func ResamplePCM16(pcm []byte, fromRate, toRate int) ([]byte, error) {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, err
	}
	return EncodePCM16(Resample(samples, fromRate, toRate)), nil
}
