package audio

// Upsample2x doubles the sample rate of in by linear interpolation.
//
// For every adjacent pair (a, b) it emits a followed by floor((a+b)/2). The
// final input sample has no successor, so it is held and emitted twice. The
// output is therefore exactly twice as long as the input; an empty input
// yields an empty output.
func Upsample2x(in []int16) []int16 {
	if len(in) == 0 {
		return []int16{}
	}
	out := make([]int16, len(in)*2)
	j := 0
	for i := 0; i < len(in)-1; i++ {
		a, b := int32(in[i]), int32(in[i+1])
		out[j] = in[i]
		out[j+1] = int16(floorDiv(a+b, 2))
		j += 2
	}
	last := in[len(in)-1]
	out[j] = last
	out[j+1] = last
	return out
}

// Resample converts in from fromRate to toRate using linear interpolation.
//
// Output sample i sits at source position i*fromRate/toRate. Positions that
// fall between two input samples interpolate with floor rounding, so the 2x
// case reproduces [Upsample2x] exactly; positions past the last input sample
// hold it. The output length is floor(len(in)*toRate/fromRate). Equal rates
// return a copy of in; non-positive rates return in unchanged.
func Resample(in []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 {
		return in
	}
	if len(in) == 0 {
		return []int16{}
	}
	if fromRate == toRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	if toRate == 2*fromRate {
		return Upsample2x(in)
	}

	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	for i := range n {
		pos := int64(i) * int64(fromRate)
		idx := int(pos / int64(toRate))
		rem := pos % int64(toRate)

		s0 := int64(in[idx])
		s1 := s0
		if idx+1 < len(in) {
			s1 = int64(in[idx+1])
		}
		v := s0 + floorDiv64((s1-s0)*rem, int64(toRate))
		out[i] = Clamp16(int32(v))
	}
	return out
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorDiv64(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
