// Package pipeline implements the per-frame audio paths of voicelink.
//
// [Loopback] routes captured audio straight back to the speaker through the
// echo canceller and the gain stage. In duplex mode a [Sender] captures,
// cancels and encodes frames onto a transport while a [Receiver] decodes
// inbound payloads onto the speaker. Loopback and duplex never run together.
//
// Hardware and codec failures never stop a path: the affected frame is
// logged, counted and dropped, and the next period starts as usual.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/resilience"
)

// Path names used as the "path" metric attribute.
const (
	PathLoopback = "loopback"
	PathSend     = "send"
	PathReceive  = "receive"
)

// Stage names used as the "stage" metric attribute.
const (
	StageCapture  = "capture"
	StagePlayback = "playback"
	StageEncode   = "encode"
	StageDecode   = "decode"
	StageSend     = "send"
)

// Canceller removes delayed echo from a mono frame in place.
type Canceller interface {
	Cancel(frame []int16)
}

// Encoder turns one mono PCM frame into a codec payload.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// Decoder turns one payload into a PCM frame of FrameLen samples.
type Decoder interface {
	Decode(payload []byte, dst []int16) (int, error)
	FrameLen() int
}

// Sink accepts encoded payloads for transmission.
type Sink interface {
	Send(payload []byte) error
}

// StageError reports the stage at which a frame was dropped.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Option configures the paths in this package.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	metrics  *observe.Metrics
	stats    *Stats
	logEvery int
	breaker  *resilience.CircuitBreaker
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithStats shares a [Stats] collector between paths.
func WithStats(s *Stats) Option {
	return func(o *options) {
		if s != nil {
			o.stats = s
		}
	}
}

// WithLogEvery sets how many frames pass between statistics log lines.
// Default: 100.
func WithLogEvery(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.logEvery = n
		}
	}
}

// WithSendBreaker guards [Sender] transmissions with cb. While the breaker
// is open, frames are dropped without reaching the sink.
func WithSendBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) {
		o.breaker = cb
	}
}

func buildOptions(path string, opts []Option) options {
	o := options{logEvery: 100}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "pipeline", "path", path)
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.stats == nil {
		o.stats = NewStats(o.logEvery)
	}
	return o
}

// drop logs, counts and wraps a failure at stage. Drops behind an open
// circuit are logged at debug level since they repeat every frame.
func (o *options) drop(ctx context.Context, stage string, err error) error {
	level := slog.LevelWarn
	if errors.Is(err, resilience.ErrCircuitOpen) {
		level = slog.LevelDebug
	}
	o.logger.Log(ctx, level, "frame dropped", "stage", stage, "err", err)
	o.metrics.RecordDrop(ctx, stage)
	o.stats.RecordDrop()
	return &StageError{Stage: stage, Err: err}
}

// logStats emits the periodic statistics line once every logEvery frames.
func (o *options) logStats(frames int64) {
	if frames%int64(o.logEvery) != 0 {
		return
	}
	snap := o.stats.Snapshot()
	o.logger.Info("pipeline stats",
		"frames", snap.Frames,
		"drops", snap.Drops,
		"loopback_p50", snap.Loopback.P50,
		"loopback_p95", snap.Loopback.P95,
		"send_p50", snap.Send.P50,
		"send_p95", snap.Send.P95,
		"receive_p50", snap.Receive.P50,
		"receive_p95", snap.Receive.P95,
	)
}
