package audio

// Amplify multiplies every sample by multiplier in place and saturates the
// result to the 16-bit range. This is a fixed gain, not AGC: anything above
// the multiplier's headroom is clipped and lost.
func Amplify(samples []int16, multiplier int) {
	if multiplier == 1 {
		return
	}
	m := int64(multiplier)
	for i, s := range samples {
		v := int64(s) * m
		switch {
		case v > 32767:
			samples[i] = 32767
		case v < -32768:
			samples[i] = -32768
		default:
			samples[i] = int16(v)
		}
	}
}
