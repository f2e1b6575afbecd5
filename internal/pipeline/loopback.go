package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/port"
)

// LoopbackConfig fixes the frame geometry of a [Loopback].
type LoopbackConfig struct {
	// FrameSize is the number of mono samples captured per period.
	FrameSize int

	// PlaybackChannels is 1 or 2. Stereo playback duplicates every sample.
	PlaybackChannels int

	// Gain is the integer multiplier applied after echo cancellation.
	Gain int
}

// Loopback plays the microphone back through the speaker, one frame per
// period: capture, cancel echo, amplify, widen to stereo, play.
//
// A Loopback is driven by a single goroutine.
type Loopback struct {
	capture   port.Capture
	playback  port.Playback
	canceller Canceller
	cfg       LoopbackConfig
	opts      options

	in     []byte
	pcm    []int16
	stereo []int16
	out    []byte
	frames int64
}

// NewLoopback creates a loopback path. canceller may be nil to disable echo
// cancellation.
func NewLoopback(capture port.Capture, playback port.Playback, canceller Canceller, cfg LoopbackConfig, opts ...Option) (*Loopback, error) {
	if capture == nil || playback == nil {
		return nil, errors.New("pipeline: loopback needs capture and playback ports")
	}
	if cfg.FrameSize <= 0 {
		return nil, errors.New("pipeline: frame size must be positive")
	}
	if cfg.PlaybackChannels != 1 && cfg.PlaybackChannels != 2 {
		return nil, errors.New("pipeline: playback channels must be 1 or 2")
	}
	if cfg.Gain < 1 {
		cfg.Gain = 1
	}
	n := cfg.FrameSize
	return &Loopback{
		capture:   capture,
		playback:  playback,
		canceller: canceller,
		cfg:       cfg,
		opts:      buildOptions(PathLoopback, opts),
		in:        make([]byte, 2*n),
		pcm:       make([]int16, n),
		stereo:    make([]int16, 2*n),
		out:       make([]byte, 2*n*cfg.PlaybackChannels),
	}, nil
}

// Consecutive dropped frames delay the next period, doubling from
// retryBaseDelay up to retryMaxDelay. A played frame resets the delay.
const (
	retryBaseDelay = 10 * time.Millisecond
	retryMaxDelay  = time.Second
)

// Run repeats [Loopback.Step] until ctx is done. Dropped frames do not stop
// the loop, but a run of them backs off so a failing device is not polled in
// a tight loop. Run returns nil once ctx is cancelled, and the capture error
// when the capture port reports [port.ErrClosed].
func (l *Loopback) Run(ctx context.Context) error {
	l.opts.logger.Info("loopback started",
		"frame_size", l.cfg.FrameSize,
		"playback_channels", l.cfg.PlaybackChannels,
		"gain", l.cfg.Gain,
		"echo", l.canceller != nil,
	)
	var delay time.Duration
	for ctx.Err() == nil {
		err := l.Step(ctx)
		if err == nil {
			delay = 0
			continue
		}
		var se *StageError
		if errors.As(err, &se) && se.Stage == StageCapture && errors.Is(err, port.ErrClosed) {
			l.opts.logger.Warn("loopback stopped: capture closed", "frames", l.frames)
			return err
		}
		delay = min(max(2*delay, retryBaseDelay), retryMaxDelay)
		if !sleepCtx(ctx, delay) {
			break
		}
	}
	l.opts.logger.Info("loopback stopped", "frames", l.frames)
	return nil
}

// sleepCtx waits for d or until ctx is done, reporting whether d elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Step runs one period. A returned *StageError names the stage whose failure
// dropped the frame; the error has already been logged and counted.
func (l *Loopback) Step(ctx context.Context) error {
	n, err := l.capture.Read(ctx, l.in)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.opts.drop(ctx, StageCapture, err)
	}
	start := time.Now()
	if n < len(l.in) {
		clear(l.in[n:])
	}

	pcm := audio.BytesToInt16(l.pcm[:0], l.in)
	if l.canceller != nil {
		l.canceller.Cancel(pcm)
	}
	audio.Amplify(pcm, l.cfg.Gain)

	out := pcm
	if l.cfg.PlaybackChannels == 2 {
		out = audio.MonoToStereo(l.stereo, pcm)
	}
	l.out = audio.Int16ToBytes(l.out[:0], out)

	if _, err := l.playback.Write(ctx, l.out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.opts.drop(ctx, StagePlayback, err)
	}

	d := time.Since(start)
	l.frames++
	l.opts.metrics.RecordFrame(ctx, PathLoopback, d)
	l.opts.stats.RecordFrame(PathLoopback, d)
	l.opts.logStats(l.frames)
	return nil
}

// Frames returns the number of frames played so far.
func (l *Loopback) Frames() int64 { return l.frames }
