// Package audio holds the frame type and the sample-level primitives shared by
// the voicelink capture, playback and codec paths.
//
// All PCM in this package is signed 16-bit. Byte representations are
// little-endian, which is what the audio ports and the codec expect.
package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSamples returns the number of samples per channel in a frame of
// duration d. Fractional samples are truncated.
func (f Format) FrameSamples(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// FrameDuration returns the playback duration of n samples per channel.
func (f Format) FrameDuration(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(f.SampleRate))
}

// String returns a compact human-readable form such as "16kHz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is a fixed-length block of interleaved samples processed as one unit
// per pipeline pass. The length of Samples is set by [NewFrame] and must not
// change for the lifetime of the frame; all operations in this package work
// in place or write into caller-provided destinations.
type Frame struct {
	// Samples holds interleaved PCM. For Channels == 2 the layout is L, R, L, R, ...
	Samples []int16

	// Channels is 1 for the capture pipeline and 2 for stereo playback.
	Channels int
}

// NewFrame allocates a zeroed frame holding n samples per channel.
func NewFrame(n, channels int) Frame {
	return Frame{
		Samples:  make([]int16, n*channels),
		Channels: channels,
	}
}

// Len returns the number of samples per channel.
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// ByteLen returns the size of the frame in bytes when serialised as 16-bit PCM.
func (f Frame) ByteLen() int {
	return len(f.Samples) * 2
}

// Zero sets every sample to silence.
func (f Frame) Zero() {
	clear(f.Samples)
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels != 1 {
		ch = fmt.Sprintf("%dch", channels)
	}
	if rate%1000 == 0 {
		return fmt.Sprintf("%dkHz %s", rate/1000, ch)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
