package codec

import (
	"fmt"
	"math"

	"layeh.com/gopus"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Decoder turns Opus packets back into fixed-size PCM frames.
type Decoder struct {
	cfg  Config
	dec  *gopus.Decoder
	gain float64

	last    []int16
	hasLast bool
}

// NewDecoder validates cfg and creates the libopus decoder. GainDB is applied
// to the decoded PCM here rather than through the decoder gain request, which
// the gopus binding does not expose.
func NewDecoder(cfg Config) (*Decoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	d := &Decoder{cfg: cfg, dec: dec}
	if cfg.GainDB != 0 {
		d.gain = math.Pow(10, cfg.GainDB/20)
	}
	if cfg.OnFailure == FailLastFrame {
		d.last = make([]int16, cfg.FrameSize*cfg.Channels)
	}
	return d, nil
}

// FrameLen returns the number of samples Decode writes into dst.
func (d *Decoder) FrameLen() int { return d.cfg.FrameSize * d.cfg.Channels }

// Decode decodes payload into dst and returns the number of samples written.
//
// dst must hold at least [Decoder.FrameLen] samples; nothing beyond that
// length is touched. Decoder output shorter than a frame is zero padded and
// longer output is truncated. On failure a *DecodeError is returned and dst
// has been filled according to the configured policy (left as is for
// [FailSkip]).
func (d *Decoder) Decode(payload []byte, dst []int16) (int, error) {
	n := d.FrameLen()
	if len(dst) < n {
		return 0, fmt.Errorf("codec: decode buffer holds %d samples, need %d", len(dst), n)
	}
	dst = dst[:n]

	if len(payload) == 0 {
		return d.fail(dst, 0, ErrEmptyPayload)
	}
	pcm, err := d.dec.Decode(payload, d.cfg.FrameSize, false)
	if err != nil {
		return d.fail(dst, len(payload), err)
	}
	if len(pcm) == 0 {
		return d.fail(dst, len(payload), fmt.Errorf("codec: decoder produced no samples"))
	}

	copied := copy(dst, pcm)
	clear(dst[copied:])
	d.applyGain(dst)
	if d.last != nil {
		copy(d.last, dst)
		d.hasLast = true
	}
	return n, nil
}

func (d *Decoder) fail(dst []int16, payloadLen int, cause error) (int, error) {
	derr := &DecodeError{Policy: d.cfg.OnFailure, PayloadLen: payloadLen, Err: cause}
	switch d.cfg.OnFailure {
	case FailSkip:
		return 0, derr
	case FailLastFrame:
		if d.hasLast {
			copy(dst, d.last)
			return len(dst), derr
		}
		clear(dst)
	default:
		clear(dst)
	}
	return len(dst), derr
}

func (d *Decoder) applyGain(pcm []int16) {
	if d.gain == 0 {
		return
	}
	for i, s := range pcm {
		pcm[i] = audio.Clamp16(int32(math.Round(float64(s) * d.gain)))
	}
}

// Reset discards decoder state and the remembered last frame.
func (d *Decoder) Reset() {
	d.dec.ResetState()
	d.hasLast = false
}

// Config returns the effective configuration.
func (d *Decoder) Config() Config { return d.cfg }
