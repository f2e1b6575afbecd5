package codec

import (
	"fmt"
)

// Encoder turns fixed-size PCM frames into Opus packets.
type Encoder struct {
	cfg Config
	enc *opusEncoder
	buf []byte
}

// NewEncoder validates cfg, creates the libopus encoder and applies every
// encoder setting of cfg. A failure here is an initialisation error; the
// process must not enter its main loop.
func NewEncoder(cfg Config) (*Encoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := newOpusEncoder(cfg.SampleRate, cfg.Channels, cfg.Application)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	if err := enc.configure(cfg); err != nil {
		enc.close()
		return nil, fmt.Errorf("codec: configure opus encoder: %w", err)
	}
	return &Encoder{cfg: cfg, enc: enc, buf: make([]byte, cfg.MaxPayload)}, nil
}

// Encode compresses one frame. pcm must hold exactly FrameSize samples per
// channel. The returned packet is at most MaxPayload bytes and is owned by
// the caller. Errors wrap [ErrEncode]; the frame is lost and must not be
// retried.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	want := e.cfg.FrameSize * e.cfg.Channels
	if len(pcm) != want {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrEncode, len(pcm), want)
	}
	n, err := e.enc.encode(pcm, e.cfg.FrameSize, e.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return append([]byte(nil), e.buf[:n]...), nil
}

// Close releases the libopus state. Encode fails after Close.
func (e *Encoder) Close() { e.enc.close() }

// Config returns the effective configuration.
func (e *Encoder) Config() Config { return e.cfg }
