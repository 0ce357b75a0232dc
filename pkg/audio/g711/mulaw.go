package g711

const (
	muLawBias   = 0x84 // added to the 16-bit magnitude before companding
	muLawBias14 = 33   // muLawBias >> 2
	muLawClip   = 8159 // 14-bit magnitude ceiling
)

// muLawTable maps every μ-law byte to its 16-bit linear value.
var muLawTable = func() (t [256]int16) {
	for i := range t {
		t[i] = muLawExpand(byte(i))
	}
	return t
}()

// muLawSegEnd holds the upper bound of each exponent segment for biased
// 14-bit magnitudes.
var muLawSegEnd = [8]int32{0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF}

// muLawExpand is the reference decode formula. [DecodeMuLaw] reads the
// precomputed table instead.
func muLawExpand(b byte) int16 {
	u := ^b
	exp := int32(u>>4) & 0x07
	mant := int32(u) & 0x0F
	mag := (((mant << 3) + muLawBias) << exp) - muLawBias
	if u&0x80 != 0 {
		return int16(-mag)
	}
	return int16(mag)
}

// DecodeMuLaw expands one μ-law byte to a linear sample.
func DecodeMuLaw(b byte) int16 {
	return muLawTable[b]
}

// EncodeMuLaw compresses one linear sample to μ-law.
//
// The sample is reduced to a 14-bit magnitude, clipped, biased and placed
// in the first exponent segment that holds it. For every byte b other than
// 0x7F (negative zero, which encodes back as 0xFF),
// EncodeMuLaw(DecodeMuLaw(b)) == b.
//
// Negative samples are scaled with an arithmetic shift, which rounds their
// magnitude up. Encoders that take the one's complement first (such as
// github.com/zaf/g711) round it down, so the two pick adjacent codes for
// a few hundred negative inputs just past a step boundary. Both choices
// carry the same quantisation error; they agree on every decoded table
// value and on all non-negative samples.
func EncodeMuLaw(s int16) byte {
	v := int32(s) >> 2
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias14

	exp := 0
	for exp < len(muLawSegEnd) && v > muLawSegEnd[exp] {
		exp++
	}
	if exp == len(muLawSegEnd) {
		return ^(sign | 0x7F)
	}
	mant := byte(v>>(exp+1)) & 0x0F
	return ^(sign | byte(exp)<<4 | mant)
}
