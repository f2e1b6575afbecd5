// Package mock provides an in-memory [transport.Channel] for unit tests.
//
// Tests drive the channel by calling [Channel.Deliver] (simulate an inbound
// payload) and [Channel.SetState] (simulate a connectivity change), and
// inspect [Channel.Sent] for outbound payloads.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicelink/pkg/transport"
)

var _ transport.Channel = (*Channel)(nil)

// Channel is a mock implementation of [transport.Channel].
type Channel struct {
	mu sync.Mutex

	// OpenErr is returned by Open.
	OpenErr error

	// SendErr is returned by Send. Failed sends are not recorded.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	// StatesOnOpen are emitted in order from Open, before it returns.
	StatesOnOpen []transport.State

	// OnSend, if set, is called for every recorded payload.
	OnSend func(payload []byte)

	sent       [][]byte
	audioCb    func([]byte)
	stateCb    func(transport.State)
	openCalls  int
	closeCalls int
}

// Open implements [transport.Channel].
func (c *Channel) Open(_ context.Context) error {
	c.mu.Lock()
	c.openCalls++
	err := c.OpenErr
	states := c.StatesOnOpen
	c.mu.Unlock()
	if err != nil {
		return err
	}
	for _, s := range states {
		c.SetState(s)
	}
	return nil
}

// Send implements [transport.Channel]. The payload is copied.
func (c *Channel) Send(payload []byte) error {
	c.mu.Lock()
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	p := append([]byte(nil), payload...)
	c.sent = append(c.sent, p)
	cb := c.OnSend
	c.mu.Unlock()
	if cb != nil {
		cb(p)
	}
	return nil
}

// OnAudio implements [transport.Channel].
func (c *Channel) OnAudio(cb func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioCb = cb
}

// OnStateChange implements [transport.Channel].
func (c *Channel) OnStateChange(cb func(transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCb = cb
}

// Close implements [transport.Channel].
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return c.CloseErr
}

// Deliver invokes the registered audio callback with payload.
func (c *Channel) Deliver(payload []byte) {
	c.mu.Lock()
	cb := c.audioCb
	c.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

// SetState invokes the registered state callback with s.
func (c *Channel) SetState(s transport.State) {
	c.mu.Lock()
	cb := c.stateCb
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Sent returns a copy of the payloads recorded so far.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// OpenCalls returns how many times Open was called.
func (c *Channel) OpenCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openCalls
}

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
