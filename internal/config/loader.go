package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicelink/pkg/audio/codec"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg, after [ApplyDefaults], contains a coherent set
// of values. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("server.restart_delay %s must not be negative", cfg.Server.RestartDelay))
	}
	if cfg.Server.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.stall_timeout %s must not be negative", cfg.Server.StallTimeout))
	}

	// Audio
	a := cfg.Audio
	if !a.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.mode %q is invalid; valid values: loopback, duplex", a.Mode))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must be positive", a.FrameDuration))
	} else if a.SampleRate > 0 && a.FrameSamples() == 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s holds no samples at %d Hz", a.FrameDuration, a.SampleRate))
	}
	if a.PlaybackChannels != 1 && a.PlaybackChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.playback_channels must be 1 or 2, got %d", a.PlaybackChannels))
	}
	if a.Gain < 1 {
		errs = append(errs, fmt.Errorf("audio.gain %d must be at least 1", a.Gain))
	}
	if a.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("audio.tick_interval %s must be positive", a.TickInterval))
	}
	if a.MaxWait <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_wait %s must be positive", a.MaxWait))
	}
	if a.LogEvery < 1 {
		errs = append(errs, fmt.Errorf("audio.log_every %d must be at least 1", a.LogEvery))
	}
	if a.Echo.IsEnabled() {
		if a.Echo.Capacity <= 0 {
			errs = append(errs, fmt.Errorf("audio.echo.capacity %d must be positive", a.Echo.Capacity))
		}
		if a.Echo.Delay < 0 || a.Echo.Delay >= a.Echo.Capacity {
			errs = append(errs, fmt.Errorf("audio.echo.delay %d must be in [0, capacity %d)", a.Echo.Delay, a.Echo.Capacity))
		}
		if a.Echo.Decay <= 0 || a.Echo.Decay >= 1 {
			errs = append(errs, fmt.Errorf("audio.echo.decay %g must be in (0, 1)", a.Echo.Decay))
		}
		if a.Echo.Threshold < 0 {
			errs = append(errs, fmt.Errorf("audio.echo.threshold %d must not be negative", a.Echo.Threshold))
		}
	}

	if a.Mode == ModeDuplex {
		errs = append(errs, validateDuplex(cfg)...)
	}

	return errors.Join(errs...)
}

// validateDuplex checks the codec and transport sections, which only matter
// when audio leaves the device.
func validateDuplex(cfg *Config) []error {
	var errs []error
	if err := CodecSettings(cfg, 1).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("codec (encoder): %w", err))
	}
	if cfg.Codec.DecodeChannels != 1 && cfg.Codec.DecodeChannels != 2 {
		errs = append(errs, fmt.Errorf("codec.decode_channels must be 1 or 2, got %d", cfg.Codec.DecodeChannels))
	}
	if cfg.Codec.DecodeChannels > cfg.Audio.PlaybackChannels {
		errs = append(errs, fmt.Errorf("codec.decode_channels %d exceeds audio.playback_channels %d", cfg.Codec.DecodeChannels, cfg.Audio.PlaybackChannels))
	}
	switch tick, frame := cfg.Audio.TickInterval, cfg.Audio.FrameDuration; {
	case tick > frame:
		slog.Warn("audio.tick_interval is longer than a frame; capture will back up",
			"tick_interval", tick,
			"frame_duration", frame,
		)
	case tick < frame:
		slog.Warn("audio.tick_interval is shorter than a frame; the blocking capture read paces the send task instead",
			"tick_interval", tick,
			"frame_duration", frame,
		)
	}

	errs = append(errs, validateSignaling("transport.signaling", cfg.Transport.Signaling)...)
	for i, fb := range cfg.Transport.FallbackSignaling {
		errs = append(errs, validateSignaling(fmt.Sprintf("transport.fallback_signaling[%d]", i), fb)...)
	}
	b := cfg.Transport.SendBreaker
	if b.MaxFailures < 1 || b.HalfOpenMax < 1 || b.ResetTimeout <= 0 {
		errs = append(errs, errors.New("transport.send_breaker needs positive max_failures, half_open_max and reset_timeout"))
	}
	return errs
}

func validateSignaling(prefix string, sig SignalingConfig) []error {
	var errs []error
	if !sig.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: http, websocket", prefix, sig.Mode))
	}
	if sig.URL == "" {
		errs = append(errs, fmt.Errorf("%s.url is required in duplex mode", prefix))
	}
	if sig.MaxAnswerBytes < 0 {
		errs = append(errs, fmt.Errorf("%s.max_answer_bytes %d must not be negative", prefix, sig.MaxAnswerBytes))
	}
	if sig.TokenEnv != "" && os.Getenv(sig.TokenEnv) == "" {
		slog.Warn("signaling token variable is empty", "endpoint", prefix, "token_env", sig.TokenEnv)
	}
	return errs
}

// CodecSettings derives the codec configuration for the given channel count
// from cfg. The encoder always uses one channel; the decoder uses
// codec.decode_channels.
func CodecSettings(cfg *Config, channels int) codec.Config {
	return codec.Config{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       channels,
		FrameSize:      cfg.Audio.FrameSamples(),
		Application:    cfg.Codec.Application,
		Bitrate:        cfg.Codec.Bitrate,
		VBR:            cfg.Codec.VBR,
		ConstrainedVBR: cfg.Codec.VBRConstraint,
		Complexity:     cfg.Codec.Complexity,
		Signal:         cfg.Codec.Signal,
		ForceChannels:  cfg.Codec.ForceChannels,
		MaxPayload:     cfg.Codec.MaxPayload,
		GainDB:         cfg.Codec.DecodeGainDB,
		OnFailure:      cfg.Codec.OnDecodeFailure,
	}
}
