// Package mock provides in-memory implementations of the [port.Capture] and
// [port.Playback] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose fields that control the
// returned values.
//
// Typical usage:
//
//	capture := &mock.Capture{Frames: [][]int16{make([]int16, 320)}}
//	playback := &mock.Playback{}
//	loop := pipeline.NewLoopback(capture, playback, ...)
//	_ = loop.Step(ctx)
//	fmt.Println(playback.Writes[0].Len) // 1280 bytes for 320 stereo samples
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/port"
)

var (
	_ port.Capture  = (*Capture)(nil)
	_ port.Playback = (*Playback)(nil)
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock [port.Capture]. Each Read consumes the next entry of
// Frames (and of Errors, when set). Once Frames is exhausted, reads return
// silence, or block until the context is done when BlockWhenEmpty is set.
type Capture struct {
	mu sync.Mutex

	// Frames are served in order, one per Read.
	Frames [][]int16

	// Errors, when non-nil at index i, makes the i-th Read fail.
	Errors []error

	// Err, when non-nil, is returned by every Read not failed by Errors.
	Err error

	// BlockWhenEmpty makes Read wait for ctx cancellation once Frames is
	// exhausted.
	BlockWhenEmpty bool

	// CallCount records how many times Read was called.
	CallCount int
}

// Read implements [port.Capture].
func (c *Capture) Read(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	i := c.CallCount
	c.CallCount++
	var err error
	if i < len(c.Errors) {
		err = c.Errors[i]
	}
	if err == nil {
		err = c.Err
	}
	var frame []int16
	exhausted := i >= len(c.Frames)
	if !exhausted {
		frame = c.Frames[i]
	}
	block := exhausted && c.BlockWhenEmpty
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if exhausted {
		clear(p)
		return len(p), nil
	}
	out := audio.Int16ToBytes(p[:0], frame)
	return len(out), nil
}

// Calls returns the number of Read calls so far.
func (c *Capture) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCount
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Write records the arguments of a single [Playback.Write] call.
type Write struct {
	// Len is the number of bytes passed to Write.
	Len int

	// Samples is a copy of the written PCM decoded to int16.
	Samples []int16
}

// Playback is a mock [port.Playback] that records every write.
type Playback struct {
	mu sync.Mutex

	// Err is returned by every Write when non-nil.
	Err error

	// Writes holds one entry per successful Write call, in order.
	Writes []Write

	// CallCount records how many times Write was called.
	CallCount int

	// OnWrite, if set, is called after each successful write.
	OnWrite func(Write)
}

// Write implements [port.Playback].
func (p *Playback) Write(_ context.Context, b []byte) (int, error) {
	p.mu.Lock()
	p.CallCount++
	if p.Err != nil {
		err := p.Err
		p.mu.Unlock()
		return 0, err
	}
	w := Write{Len: len(b), Samples: audio.BytesToInt16(nil, b)}
	p.Writes = append(p.Writes, w)
	cb := p.OnWrite
	p.mu.Unlock()

	if cb != nil {
		cb(w)
	}
	return len(b), nil
}

// Recorded returns a snapshot of the writes so far.
func (p *Playback) Recorded() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Write, len(p.Writes))
	copy(out, p.Writes)
	return out
}
