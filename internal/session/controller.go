// Package session ties the duplex send task to the connectivity state of the
// transport.
//
// A [Controller] starts exactly one send task when the channel first becomes
// connected and ends the session on any terminal state. It never restarts
// anything itself: the end of a session is reported once as a
// [*FatalSessionError] and the supervising layer decides what to do, which
// in voicelink is a full process restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// SendFunc runs the send task until ctx is cancelled.
type SendFunc func(ctx context.Context) error

// FatalSessionError reports that the session cannot continue in-process.
type FatalSessionError struct {
	// State is the connectivity state when the session ended.
	State transport.State

	// Cause is the send task error, or nil when the transport reported a
	// terminal state.
	Cause error
}

func (e *FatalSessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("session: ended in state %s: %v", e.State, e.Cause)
	}
	return fmt.Sprintf("session: ended in state %s", e.State)
}

func (e *FatalSessionError) Unwrap() error { return e.Cause }

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithContext sets the parent context of the send task. Default:
// [context.Background].
func WithContext(ctx context.Context) Option {
	return func(c *Controller) {
		if ctx != nil {
			c.parent = ctx
		}
	}
}

// Controller tracks the connectivity state of one session.
//
// All methods are safe for concurrent use. [Controller.HandleState] is
// normally called from the transport's callback goroutine.
type Controller struct {
	spawn   SendFunc
	logger  *slog.Logger
	metrics *observe.Metrics
	parent  context.Context

	mu         sync.Mutex
	state      transport.State
	ended      bool
	sendCancel context.CancelFunc
	sendDone   chan struct{}

	fatal chan *FatalSessionError
	done  chan struct{}
}

// NewController creates a controller in [transport.StateNew]. spawn is
// started at most once, on the first transition to connected.
func NewController(spawn SendFunc, opts ...Option) *Controller {
	c := &Controller{
		spawn:  spawn,
		parent: context.Background(),
		state:  transport.StateNew,
		fatal:  make(chan *FatalSessionError, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// HandleState applies a connectivity change. The first transition to
// connected starts the send task; repeated connected events are no-ops. Any
// terminal state cancels the send task and emits the fatal error. Events
// after the session ended are ignored.
func (c *Controller) HandleState(s transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		c.logger.Debug("state change after session end ignored", "state", s)
		return
	}
	prev := c.state
	c.state = s
	c.metrics.RecordSessionState(context.Background(), s.String(), int(s))
	c.logger.Info("connection state changed", "from", prev, "to", s)

	switch {
	case s == transport.StateConnected:
		if c.sendCancel == nil {
			c.startLocked()
		}
	case s.Terminal():
		c.endLocked(&FatalSessionError{State: s})
	}
}

// startLocked launches the send task. Must be called with c.mu held.
func (c *Controller) startLocked() {
	ctx, cancel := context.WithCancel(c.parent)
	c.sendCancel = cancel
	c.sendDone = make(chan struct{})
	done := c.sendDone

	c.logger.Info("starting send task")
	go func() {
		defer close(done)
		err := c.spawn(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.ended {
			c.logger.Error("send task failed", "err", err)
			c.endLocked(&FatalSessionError{State: c.state, Cause: err})
		}
	}()
}

// endLocked ends the session and publishes ferr. Must be called with c.mu
// held.
func (c *Controller) endLocked(ferr *FatalSessionError) {
	c.ended = true
	if c.sendCancel != nil {
		c.sendCancel()
	}
	if ferr != nil {
		c.logger.Warn("session ended", "state", ferr.State, "err", ferr.Cause)
		c.fatal <- ferr
	}
	close(c.done)
}

// Fatal delivers the single [*FatalSessionError] of this session.
func (c *Controller) Fatal() <-chan *FatalSessionError { return c.fatal }

// Done is closed once the session has ended, either fatally or through
// [Controller.Stop].
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the last reported connectivity state.
func (c *Controller) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop ends the session without a fatal error and waits for the send task,
// if any, to return. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.ended {
		c.endLocked(nil)
	}
	done := c.sendDone
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}
