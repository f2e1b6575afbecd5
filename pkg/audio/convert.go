package audio

import "math"

// Clamp16 saturates v to the signed 16-bit range. Values outside the range
// are pinned to the nearest limit; there is no wraparound.
func Clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// MonoToStereo duplicates each mono sample in src into an adjacent L+R pair
// in dst and returns the result, which always has length 2*len(src).
// dst is reused when its capacity suffices, so the playback path does not
// allocate per frame.
func MonoToStereo(dst, src []int16) []int16 {
	n := 2 * len(src)
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i, s := range src {
		dst[2*i] = s
		dst[2*i+1] = s
	}
	return dst
}

// Int16ToBytes encodes src as little-endian 16-bit PCM into dst, growing it
// only when its capacity is too small.
func Int16ToBytes(dst []byte, src []int16) []byte {
	n := len(src) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, s := range src {
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return dst
}

// BytesToInt16 decodes little-endian 16-bit PCM from src into dst. A trailing
// odd byte is ignored.
func BytesToInt16(dst []int16, src []byte) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = int16(src[i*2]) | int16(src[i*2+1])<<8
	}
	return dst
}
