// Package codec wraps libopus for the voicelink speech path. The encoder
// binds the system libopus directly so every encoder request is available;
// the decoder goes through layeh.com/gopus.
//
// One [Encoder] and one [Decoder] exist per process. Both are configured once
// at construction; no setting changes per frame. Neither type is safe for concurrent use: the encoder belongs to the
// capture/send task and the decoder to the receive path.
package codec

import (
	"errors"
	"fmt"
	"slices"
)

// MaxPacketSize is the largest Opus packet libopus can produce for a
// single frame.
const MaxPacketSize = 1276

// Application selects the libopus coding mode.
type Application string

const (
	// AppVoIP optimises for speech intelligibility.
	AppVoIP Application = "voip"

	// AppAudio optimises for general audio fidelity.
	AppAudio Application = "audio"

	// AppLowDelay disables the speech-specific modes to minimise latency.
	AppLowDelay Application = "lowdelay"
)

// IsValid reports whether a is a recognised application profile.
func (a Application) IsValid() bool {
	switch a {
	case AppVoIP, AppAudio, AppLowDelay:
		return true
	}
	return false
}

// Signal hints the kind of audio the encoder sees.
type Signal string

const (
	// SignalAuto lets libopus classify the input.
	SignalAuto Signal = "auto"

	// SignalVoice biases mode decisions towards speech.
	SignalVoice Signal = "voice"

	// SignalMusic biases mode decisions towards music.
	SignalMusic Signal = "music"
)

// IsValid reports whether s is a recognised signal hint.
func (s Signal) IsValid() bool {
	switch s {
	case SignalAuto, SignalVoice, SignalMusic:
		return true
	}
	return false
}

// FailurePolicy decides what a [Decoder] hands to playback when a payload
// cannot be decoded.
type FailurePolicy string

const (
	// FailSilence fills the output frame with zeros.
	FailSilence FailurePolicy = "silence"

	// FailLastFrame repeats the last successfully decoded frame, or silence
	// when nothing has been decoded yet.
	FailLastFrame FailurePolicy = "last_frame"

	// FailSkip leaves the output untouched; the caller must not play it.
	FailSkip FailurePolicy = "skip"
)

// IsValid reports whether p is a recognised policy.
func (p FailurePolicy) IsValid() bool {
	switch p {
	case FailSilence, FailLastFrame, FailSkip:
		return true
	}
	return false
}

// Config describes the codec parameters shared by [Encoder] and [Decoder].
type Config struct {
	// SampleRate in Hz. Opus accepts 8000, 12000, 16000, 24000 and 48000.
	SampleRate int

	// Channels of the PCM handed to or produced by the codec (1 or 2).
	Channels int

	// FrameSize is the number of samples per channel in one frame. Its
	// duration must be 2.5, 5, 10, 20, 40 or 60 ms.
	FrameSize int

	// Application is the encoder profile. Defaults to [AppVoIP].
	Application Application

	// Bitrate in bits per second. Zero keeps the libopus default.
	Bitrate int

	// VBR enables variable bitrate encoding.
	VBR bool

	// ConstrainedVBR caps VBR packets near the target bitrate. Ignored
	// unless VBR is set.
	ConstrainedVBR bool

	// Complexity trades encoder CPU for quality, 0 to 10.
	Complexity int

	// Signal is the encoder content hint. Defaults to [SignalVoice].
	Signal Signal

	// ForceChannels pins the coded channel count to 1 or 2. Zero lets the
	// encoder decide.
	ForceChannels int

	// MaxPayload bounds the size of an encoded packet. Defaults to [MaxPacketSize].
	MaxPayload int

	// GainDB scales decoded PCM in software. Zero disables it.
	GainDB float64

	// OnFailure is the decode failure policy. Defaults to [FailSilence].
	OnFailure FailurePolicy
}

var validRates = []int{8000, 12000, 16000, 24000, 48000}

// frameMultiples are the legal frame durations in units of 2.5 ms.
var frameMultiples = []int{1, 2, 4, 8, 16, 24}

// ValidFrameSize reports whether n samples per channel at sampleRate form a
// frame duration Opus can encode.
func ValidFrameSize(sampleRate, n int) bool {
	if sampleRate <= 0 || n <= 0 {
		return false
	}
	// One 2.5 ms unit is sampleRate/400 samples.
	if (n*400)%sampleRate != 0 {
		return false
	}
	return slices.Contains(frameMultiples, n*400/sampleRate)
}

func (c Config) withDefaults() Config {
	if c.Application == "" {
		c.Application = AppVoIP
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = MaxPacketSize
	}
	if c.OnFailure == "" {
		c.OnFailure = FailSilence
	}
	if c.Signal == "" {
		c.Signal = SignalVoice
	}
	return c
}

// Validate reports all problems with c after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if !slices.Contains(validRates, c.SampleRate) {
		errs = append(errs, fmt.Errorf("codec: unsupported sample rate %d", c.SampleRate))
	}
	if c.Channels != 1 && c.Channels != 2 {
		errs = append(errs, fmt.Errorf("codec: channels must be 1 or 2, got %d", c.Channels))
	}
	if !ValidFrameSize(c.SampleRate, c.FrameSize) {
		errs = append(errs, fmt.Errorf("codec: frame size %d at %d Hz is not a 2.5/5/10/20/40/60 ms frame", c.FrameSize, c.SampleRate))
	}
	if !c.Application.IsValid() {
		errs = append(errs, fmt.Errorf("codec: unknown application %q", c.Application))
	}
	if c.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("codec: bitrate must be non-negative, got %d", c.Bitrate))
	}
	if c.Complexity < 0 || c.Complexity > 10 {
		errs = append(errs, fmt.Errorf("codec: complexity must be in [0, 10], got %d", c.Complexity))
	}
	if !c.Signal.IsValid() {
		errs = append(errs, fmt.Errorf("codec: unknown signal %q", c.Signal))
	}
	if c.ForceChannels < 0 || c.ForceChannels > c.Channels {
		errs = append(errs, fmt.Errorf("codec: force channels must be 0 or in [1, %d], got %d", c.Channels, c.ForceChannels))
	}
	if c.MaxPayload < 1 || c.MaxPayload > MaxPacketSize {
		errs = append(errs, fmt.Errorf("codec: max payload must be in [1, %d], got %d", MaxPacketSize, c.MaxPayload))
	}
	if c.GainDB < -60 || c.GainDB > 48 {
		errs = append(errs, fmt.Errorf("codec: gain must be in [-60, 48] dB, got %g", c.GainDB))
	}
	if !c.OnFailure.IsValid() {
		errs = append(errs, fmt.Errorf("codec: unknown decode failure policy %q", c.OnFailure))
	}
	return errors.Join(errs...)
}
