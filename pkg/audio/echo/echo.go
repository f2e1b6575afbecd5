// Package echo implements a fixed-delay, threshold-gated subtractive echo
// canceller.
//
// The canceller keeps a circular history of recently captured samples and,
// for every new sample, looks back a constant delay into that history. When
// the delayed sample is louder than the threshold, a decayed copy of it is
// subtracted from the input. Quieter history is treated as ambient noise and
// left alone. The filter is not adaptive: it assumes the acoustic path delay
// equals the configured offset.
package echo

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Config holds the tuning constants of a [Canceller]. All sizes are in
// samples.
type Config struct {
	// Capacity is the length of the circular history buffer (e.g. 250 ms of audio).
	Capacity int

	// Delay is the look-back offset into history (e.g. 100 ms of audio).
	// Must be less than Capacity.
	Delay int

	// Decay scales the subtracted echo sample. Must be in (0, 1).
	Decay float64

	// Threshold is the absolute echo amplitude that must be exceeded before
	// cancellation applies.
	Threshold int
}

// ConfigFor returns the default configuration for the given sample rate:
// 250 ms of history, 100 ms delay, decay 0.7, threshold 1000.
func ConfigFor(sampleRate int) Config {
	return Config{
		Capacity:  sampleRate / 4,
		Delay:     sampleRate / 10,
		Decay:     0.7,
		Threshold: 1000,
	}
}

// Validate reports all problems with c.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("echo: capacity must be positive, got %d", c.Capacity))
	}
	if c.Delay < 0 || (c.Capacity > 0 && c.Delay >= c.Capacity) {
		errs = append(errs, fmt.Errorf("echo: delay %d must be in [0, capacity %d)", c.Delay, c.Capacity))
	}
	if !(c.Decay > 0 && c.Decay < 1) {
		errs = append(errs, fmt.Errorf("echo: decay must be in (0, 1), got %g", c.Decay))
	}
	if c.Threshold < 0 {
		errs = append(errs, fmt.Errorf("echo: threshold must be non-negative, got %d", c.Threshold))
	}
	return errors.Join(errs...)
}

// Canceller removes delayed echo from captured frames in place.
//
// A Canceller owns its history exclusively. It is not safe for concurrent
// use; the capture task that feeds it must be its only caller.
type Canceller struct {
	cfg     Config
	history []int16
	cursor  int
}

// NewCanceller validates cfg and returns a canceller with an empty (silent)
// history and the write cursor at zero.
func NewCanceller(cfg Config) (*Canceller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Canceller{
		cfg:     cfg,
		history: make([]int16, cfg.Capacity),
	}, nil
}

// Cancel processes frame in place. For each sample i the history value at
// (cursor - delay + i) mod capacity is examined, where cursor is the live
// write cursor. Since the cursor also advances once per sample, the lookup
// moves two slots per sample within a frame. When the echo magnitude exceeds
// the threshold, round(echo * decay) is subtracted from the sample and the
// result saturated to 16 bits. The original input sample is then stored at
// the cursor, which advances by one.
func (c *Canceller) Cancel(frame []int16) {
	capacity := c.cfg.Capacity
	threshold := int32(c.cfg.Threshold)
	for i, in := range frame {
		pos := (c.cursor - c.cfg.Delay + i) % capacity
		if pos < 0 {
			pos += capacity
		}
		e := int32(c.history[pos])
		if e > threshold || -e > threshold {
			sub := int32(math.Round(float64(e) * c.cfg.Decay))
			frame[i] = audio.Clamp16(int32(in) - sub)
		}
		c.history[c.cursor] = in
		c.cursor++
		if c.cursor == capacity {
			c.cursor = 0
		}
	}
}

// Cursor returns the index of the next history slot to be overwritten.
func (c *Canceller) Cursor() int { return c.cursor }

// Config returns the configuration the canceller was built with.
func (c *Canceller) Config() Config { return c.cfg }

// Reset clears the history and rewinds the cursor.
func (c *Canceller) Reset() {
	clear(c.history)
	c.cursor = 0
}
