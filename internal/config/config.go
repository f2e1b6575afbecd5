// Package config provides the configuration schema, loader, watcher and
// signaling registry for the voicelink audio pipeline.
package config

import (
	"time"

	"github.com/MrWong99/voicelink/pkg/audio/codec"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects which audio path runs.
type Mode string

const (
	// ModeLoopback routes the microphone straight to the speaker.
	ModeLoopback Mode = "loopback"

	// ModeDuplex streams Opus to and from a remote peer.
	ModeDuplex Mode = "duplex"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeLoopback || m == ModeDuplex
}

// SignalingMode selects how the SDP offer/answer is exchanged.
type SignalingMode string

const (
	// SignalingHTTP posts the offer to an HTTP endpoint.
	SignalingHTTP SignalingMode = "http"

	// SignalingWebSocket exchanges the offer over a WebSocket relay.
	SignalingWebSocket SignalingMode = "websocket"
)

// IsValid reports whether s is a recognised signaling mode.
func (s SignalingMode) IsValid() bool {
	return s == SignalingHTTP || s == SignalingWebSocket
}

// Config is the root configuration structure for voicelink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Codec     CodecConfig     `yaml:"codec"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables the
	// HTTP server. Default: ":9090".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// RestartDelay is how long the process waits before re-executing itself
	// after the session ends. Default: 1s.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// StallTimeout fails /healthz when an active audio path moves no frame
	// for this long. Default: 5s.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// AudioConfig describes the capture/playback hardware and the frame loop.
type AudioConfig struct {
	// Mode is loopback or duplex. Default: duplex.
	Mode Mode `yaml:"mode"`

	// SampleRate in Hz, shared by capture, playback and the codec.
	// Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameDuration is the length of one frame. Default: 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// CaptureDevice and PlaybackDevice select devices by name substring.
	// Empty selects the system default.
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`

	// PlaybackChannels is 1 or 2. Default: 2.
	PlaybackChannels int `yaml:"playback_channels"`

	// Gain is the integer multiplier applied to the captured signal in
	// loopback mode. Default: 16.
	Gain int `yaml:"gain"`

	// TickInterval paces the duplex send task. Default: frame_duration.
	TickInterval time.Duration `yaml:"tick_interval"`

	// MaxWait bounds every capture read and playback write. Default: 1s.
	MaxWait time.Duration `yaml:"max_wait"`

	// LogEvery is the number of loopback frames between statistics lines.
	// Default: 100.
	LogEvery int `yaml:"log_every"`

	// HighLatency opens the devices with their high suggested latency.
	HighLatency bool `yaml:"high_latency"`

	Echo EchoConfig `yaml:"echo"`
}

// FrameSamples returns the number of samples per channel in one frame.
func (a AudioConfig) FrameSamples() int {
	return int(int64(a.SampleRate) * int64(a.FrameDuration) / int64(time.Second))
}

// EchoConfig configures the delay-line echo canceller. Zero values take the
// defaults derived from the sample rate.
type EchoConfig struct {
	// Enabled turns the canceller on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Capacity of the history in samples. Default: sample_rate/4.
	Capacity int `yaml:"capacity"`

	// Delay in samples between playback and its echo. Default: sample_rate/10.
	Delay int `yaml:"delay"`

	// Decay in (0, 1). Default: 0.7.
	Decay float64 `yaml:"decay"`

	// Threshold is the minimum echo amplitude that is cancelled. Default: 1000.
	Threshold int `yaml:"threshold"`
}

// IsEnabled reports whether the canceller should run.
func (e EchoConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// CodecConfig configures the Opus encoder and decoder.
type CodecConfig struct {
	// Bitrate in bits per second. Default: 30000.
	Bitrate int `yaml:"bitrate"`

	// VBR enables variable bitrate encoding.
	VBR bool `yaml:"vbr"`

	// VBRConstraint caps VBR packets near the bitrate. Default: false.
	VBRConstraint bool `yaml:"vbr_constraint"`

	// Complexity is the encoder effort, 0 to 10. Default: 0.
	Complexity int `yaml:"complexity"`

	// Signal is the encoder content hint: voice, music or auto.
	// Default: voice.
	Signal codec.Signal `yaml:"signal"`

	// ForceChannels pins the coded channel count of the mono encoder. 0
	// leaves it to the encoder. Default: 0.
	ForceChannels int `yaml:"force_channels"`

	// Application is voip, audio or lowdelay. Default: voip.
	Application codec.Application `yaml:"application"`

	// MaxPayload bounds an encoded packet. Default: 1276.
	MaxPayload int `yaml:"max_payload"`

	// DecodeGainDB is applied to decoded audio. Default: 0.
	DecodeGainDB float64 `yaml:"decode_gain_db"`

	// DecodeChannels is the channel count the decoder produces, 1 or 2.
	// Default: 2.
	DecodeChannels int `yaml:"decode_channels"`

	// OnDecodeFailure is silence, last_frame or skip. Default: silence.
	OnDecodeFailure codec.FailurePolicy `yaml:"on_decode_failure"`
}

// TransportConfig configures the WebRTC session.
type TransportConfig struct {
	Signaling SignalingConfig `yaml:"signaling"`

	// FallbackSignaling endpoints are tried in order when Signaling fails.
	FallbackSignaling []SignalingConfig `yaml:"fallback_signaling"`

	// SendBreaker stops handing payloads to a transport that keeps failing.
	SendBreaker BreakerConfig `yaml:"send_breaker"`

	// STUNServers are ICE server URLs. Default: Google's public STUN server.
	STUNServers []string `yaml:"stun_servers"`

	// DataChannel is the label of the control data channel. Default: events.
	DataChannel string `yaml:"data_channel"`

	// Greeting is sent over the data channel once it opens.
	Greeting string `yaml:"greeting"`
}

// SignalingConfig configures the SDP exchange.
type SignalingConfig struct {
	// Mode is http or websocket. Default: http.
	Mode SignalingMode `yaml:"mode"`

	// URL of the signaling endpoint.
	URL string `yaml:"url"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env"`

	// MaxAnswerBytes caps the size of the SDP answer. Default: 64 KiB.
	MaxAnswerBytes int64 `yaml:"max_answer_bytes"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 25.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open. Default: 2s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of successful probes that close it. Default: 3.
	HalfOpenMax int `yaml:"half_open_max"`
}

// DefaultGreeting asks the remote peer to start talking once the data
// channel opens.
const DefaultGreeting = `{"type":"response.create","response":{"modalities":["text","audio"],"instructions":"Greet the user briefly and ask how you can help."}}`

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":9090"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.RestartDelay == 0 {
		s.RestartDelay = time.Second
	}
	if s.StallTimeout == 0 {
		s.StallTimeout = 5 * time.Second
	}

	a := &cfg.Audio
	if a.Mode == "" {
		a.Mode = ModeDuplex
	}
	if a.SampleRate == 0 {
		a.SampleRate = 16000
	}
	if a.FrameDuration == 0 {
		a.FrameDuration = 20 * time.Millisecond
	}
	if a.PlaybackChannels == 0 {
		a.PlaybackChannels = 2
	}
	if a.Gain == 0 {
		a.Gain = 16
	}
	if a.TickInterval == 0 {
		a.TickInterval = a.FrameDuration
	}
	if a.MaxWait == 0 {
		a.MaxWait = time.Second
	}
	if a.LogEvery == 0 {
		a.LogEvery = 100
	}
	e := &a.Echo
	if e.Capacity == 0 {
		e.Capacity = a.SampleRate / 4
	}
	if e.Delay == 0 {
		e.Delay = a.SampleRate / 10
	}
	if e.Decay == 0 {
		e.Decay = 0.7
	}
	if e.Threshold == 0 {
		e.Threshold = 1000
	}

	c := &cfg.Codec
	if c.Bitrate == 0 {
		c.Bitrate = 30000
	}
	if c.Application == "" {
		c.Application = codec.AppVoIP
	}
	if c.Signal == "" {
		c.Signal = codec.SignalVoice
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = codec.MaxPacketSize
	}
	if c.DecodeChannels == 0 {
		c.DecodeChannels = 2
	}
	if c.OnDecodeFailure == "" {
		c.OnDecodeFailure = codec.FailSilence
	}

	t := &cfg.Transport
	applySignalingDefaults(&t.Signaling)
	for i := range t.FallbackSignaling {
		applySignalingDefaults(&t.FallbackSignaling[i])
	}
	if t.SendBreaker.MaxFailures == 0 {
		t.SendBreaker.MaxFailures = 25
	}
	if t.SendBreaker.ResetTimeout == 0 {
		t.SendBreaker.ResetTimeout = 2 * time.Second
	}
	if t.SendBreaker.HalfOpenMax == 0 {
		t.SendBreaker.HalfOpenMax = 3
	}
	if len(t.STUNServers) == 0 {
		t.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if t.DataChannel == "" {
		t.DataChannel = "events"
	}
	if t.Greeting == "" {
		t.Greeting = DefaultGreeting
	}
}

func applySignalingDefaults(s *SignalingConfig) {
	if s.Mode == "" {
		s.Mode = SignalingHTTP
	}
	if s.MaxAnswerBytes == 0 {
		s.MaxAnswerBytes = 64 << 10
	}
}
