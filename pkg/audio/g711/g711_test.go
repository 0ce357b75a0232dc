package g711

import (
	"testing"

	zaf "github.com/zaf/g711"
)

func TestMuLawTable_MatchesFormula(t *testing.T) {
	t.Parallel()
	for i := range 256 {
		b := byte(i)
		if got, want := DecodeMuLaw(b), muLawExpand(b); got != want {
			t.Errorf("DecodeMuLaw(%#02x) = %d, formula gives %d", b, got, want)
		}
	}
}

func TestMuLawTable_MatchesReference(t *testing.T) {
	t.Parallel()
	for i := range 256 {
		b := byte(i)
		if got, want := DecodeMuLaw(b), zaf.DecodeUlawFrame(b); got != want {
			t.Errorf("DecodeMuLaw(%#02x) = %d, reference gives %d", b, got, want)
		}
	}
}

func TestMuLaw_KnownValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		b    byte
		want int16
	}{
		{0x00, -32124},
		{0x80, 32124},
		{0xFF, 0},
		{0x7F, 0},
		{0xFE, 8},
		{0x7E, -8},
		{0xF0, 120},
	}
	for _, tc := range tests {
		if got := DecodeMuLaw(tc.b); got != tc.want {
			t.Errorf("DecodeMuLaw(%#02x) = %d, want %d", tc.b, got, tc.want)
		}
	}
}

func TestMuLaw_RoundTrip(t *testing.T) {
	t.Parallel()
	for i := range 256 {
		b := byte(i)
		want := b
		if b == 0x7F {
			// Negative zero has no distinct linear value.
			want = 0xFF
		}
		if got := EncodeMuLaw(DecodeMuLaw(b)); got != want {
			t.Errorf("EncodeMuLaw(DecodeMuLaw(%#02x)) = %#02x, want %#02x", b, got, want)
		}
	}
}

func TestEncodeMuLaw_MatchesReferenceOnTable(t *testing.T) {
	t.Parallel()
	for i := range 256 {
		s := DecodeMuLaw(byte(i))
		if got, want := EncodeMuLaw(s), zaf.EncodeUlawFrame(s); got != want {
			t.Errorf("EncodeMuLaw(%d) = %#02x, reference gives %#02x", s, got, want)
		}
	}
}

func TestEncodeMuLaw_MatchesReferenceFullRange(t *testing.T) {
	t.Parallel()
	for s := 0; s <= 32767; s++ {
		if got, want := EncodeMuLaw(int16(s)), zaf.EncodeUlawFrame(int16(s)); got != want {
			t.Fatalf("EncodeMuLaw(%d) = %#02x, reference gives %#02x", s, got, want)
		}
	}
	// The reference rounds negative magnitudes down by one 14-bit unit, so
	// shifting its input by four samples lines the two encoders up exactly.
	mismatches := 0
	for s := -32764; s < 0; s++ {
		if got, want := EncodeMuLaw(int16(s)), zaf.EncodeUlawFrame(int16(s-4)); got != want {
			t.Fatalf("EncodeMuLaw(%d) = %#02x, reference(%d) gives %#02x", s, got, s-4, want)
		}
		if EncodeMuLaw(int16(s)) != zaf.EncodeUlawFrame(int16(s)) {
			mismatches++
		}
	}
	if mismatches == 0 || mismatches > 600 {
		t.Errorf("unshifted negative mismatches = %d, want a few hundred step-boundary samples", mismatches)
	}
}

func TestEncodeMuLaw_Saturates(t *testing.T) {
	t.Parallel()
	if got := EncodeMuLaw(32767); got != 0x80 {
		t.Errorf("EncodeMuLaw(32767) = %#02x, want 0x80", got)
	}
	if got := EncodeMuLaw(-32768); got != 0x00 {
		t.Errorf("EncodeMuLaw(-32768) = %#02x, want 0x00", got)
	}
}

func TestEncodeMuLaw_WithinOneStep(t *testing.T) {
	t.Parallel()
	// Re-decoding any encoded sample lands in the same or adjacent
	// quantisation step.
	for s := -32768; s <= 32767; s += 7 {
		b := EncodeMuLaw(int16(s))
		back := EncodeMuLaw(DecodeMuLaw(b))
		if back != b && !(b == 0x7F && back == 0xFF) {
			t.Fatalf("sample %d: encode→decode→encode %#02x → %#02x", s, b, back)
		}
	}
}

func TestEncodeMuLaw_Monotonic(t *testing.T) {
	t.Parallel()
	prev := DecodeMuLaw(EncodeMuLaw(-32768))
	for s := -32767; s <= 32767; s++ {
		cur := DecodeMuLaw(EncodeMuLaw(int16(s)))
		if cur < prev {
			t.Fatalf("decode(encode(%d)) = %d < decode(encode(%d)) = %d", s, cur, s-1, prev)
		}
		prev = cur
	}
}

func TestALaw_RoundTrip(t *testing.T) {
	t.Parallel()
	for i := range 256 {
		b := byte(i)
		if got := EncodeALaw(DecodeALaw(b)); got != b {
			t.Errorf("EncodeALaw(DecodeALaw(%#02x)) = %#02x", b, got)
		}
	}
}

func TestEncoding_Frames(t *testing.T) {
	t.Parallel()
	samples := []int16{0, 1000, -1000, 32000, -32000}
	for _, enc := range []Encoding{MuLaw, ALaw} {
		frame := enc.Encode(samples)
		if len(frame) != len(samples) {
			t.Fatalf("%s: encoded %d bytes, want %d", enc, len(frame), len(samples))
		}
		decoded := enc.Decode(frame)
		if len(decoded) != len(samples) {
			t.Fatalf("%s: decoded %d samples, want %d", enc, len(decoded), len(samples))
		}
		for i := range samples {
			if d := int(decoded[i]) - int(samples[i]); d > 1100 || d < -1100 {
				t.Errorf("%s: sample %d = %d, want about %d", enc, i, decoded[i], samples[i])
			}
		}
	}
}

func TestParseEncoding(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		want    Encoding
		wantErr bool
	}{
		{"", MuLaw, false},
		{"audio/x-mulaw", MuLaw, false},
		{"audio/x-alaw", ALaw, false},
		{"PCMA", ALaw, false},
		{"audio/l16", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseEncoding(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseEncoding(%q) err = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseEncoding(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
