package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/codec"
	"github.com/MrWong99/voicelink/pkg/audio/port"
)

// SenderConfig fixes the frame geometry and pacing of a [Sender].
type SenderConfig struct {
	// FrameSize is the number of mono samples captured per frame.
	FrameSize int

	// TickInterval paces [Sender.Run]. It should equal the frame duration.
	// Default: 20ms.
	TickInterval time.Duration
}

// Sender captures, cancels, encodes and transmits frames. It owns the
// capture port, the echo history and the encoder, none of which are shared
// with the receive path.
type Sender struct {
	capture   port.Capture
	canceller Canceller
	enc       Encoder
	sink      Sink
	cfg       SenderConfig
	opts      options

	in     []byte
	pcm    []int16
	frames int64
}

// NewSender creates the send path. canceller may be nil.
func NewSender(capture port.Capture, canceller Canceller, enc Encoder, sink Sink, cfg SenderConfig, opts ...Option) (*Sender, error) {
	if capture == nil || enc == nil || sink == nil {
		return nil, errors.New("pipeline: sender needs capture, encoder and sink")
	}
	if cfg.FrameSize <= 0 {
		return nil, errors.New("pipeline: frame size must be positive")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	return &Sender{
		capture:   capture,
		canceller: canceller,
		enc:       enc,
		sink:      sink,
		cfg:       cfg,
		opts:      buildOptions(PathSend, opts),
		in:        make([]byte, 2*cfg.FrameSize),
		pcm:       make([]int16, cfg.FrameSize),
	}, nil
}

// Run calls [Sender.SendOnce] on every tick until ctx is done. Frames are
// sent strictly in capture order. Run returns nil once ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.opts.logger.Info("send task started", "tick", s.cfg.TickInterval, "frame_size", s.cfg.FrameSize)
	for {
		select {
		case <-ctx.Done():
			s.opts.logger.Info("send task stopped", "frames", s.frames)
			return nil
		case <-ticker.C:
			_ = s.SendOnce(ctx)
		}
	}
}

// SendOnce reads one frame, cancels echo, encodes it and hands the payload to
// the sink. A returned *StageError names the stage that dropped the frame;
// it has already been logged and counted.
func (s *Sender) SendOnce(ctx context.Context) error {
	n, err := s.capture.Read(ctx, s.in)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.opts.drop(ctx, StageCapture, err)
	}
	start := time.Now()
	if n < len(s.in) {
		clear(s.in[n:])
	}

	pcm := audio.BytesToInt16(s.pcm[:0], s.in)
	if s.canceller != nil {
		s.canceller.Cancel(pcm)
	}

	payload, err := s.enc.Encode(pcm)
	if err != nil {
		s.opts.metrics.RecordCodecError(ctx, "encode")
		return s.opts.drop(ctx, StageEncode, err)
	}
	s.opts.metrics.RecordPayload(ctx, "send", len(payload))

	if err := s.send(payload); err != nil {
		return s.opts.drop(ctx, StageSend, err)
	}

	d := time.Since(start)
	s.frames++
	s.opts.metrics.RecordFrame(ctx, PathSend, d)
	s.opts.stats.RecordFrame(PathSend, d)
	s.opts.logStats(s.frames)
	return nil
}

func (s *Sender) send(payload []byte) error {
	if s.opts.breaker == nil {
		return s.sink.Send(payload)
	}
	return s.opts.breaker.Execute(func() error { return s.sink.Send(payload) })
}

// Frames returns the number of frames sent so far.
func (s *Sender) Frames() int64 { return s.frames }

// ReceiverConfig fixes the channel layout of a [Receiver].
type ReceiverConfig struct {
	// DecodeChannels is the channel count the decoder produces.
	DecodeChannels int

	// PlaybackChannels is the channel count the speaker expects. Mono
	// decoder output is widened when this is 2.
	PlaybackChannels int
}

// Receiver decodes inbound payloads and plays them. Calls to
// [Receiver.HandlePayload] are serialised: at most one decode is in flight.
type Receiver struct {
	dec      Decoder
	playback port.Playback
	cfg      ReceiverConfig
	opts     options

	mu     sync.Mutex
	pcm    []int16
	stereo []int16
	out    []byte
	frames int64
}

// NewReceiver creates the receive path.
func NewReceiver(dec Decoder, playback port.Playback, cfg ReceiverConfig, opts ...Option) (*Receiver, error) {
	if dec == nil || playback == nil {
		return nil, errors.New("pipeline: receiver needs decoder and playback")
	}
	if cfg.DecodeChannels != 1 && cfg.DecodeChannels != 2 {
		return nil, fmt.Errorf("pipeline: decode channels must be 1 or 2, got %d", cfg.DecodeChannels)
	}
	if cfg.PlaybackChannels < cfg.DecodeChannels || cfg.PlaybackChannels > 2 {
		return nil, fmt.Errorf("pipeline: cannot play %d decoded channels on %d playback channels", cfg.DecodeChannels, cfg.PlaybackChannels)
	}
	n := dec.FrameLen()
	r := &Receiver{
		dec:      dec,
		playback: playback,
		cfg:      cfg,
		opts:     buildOptions(PathReceive, opts),
		pcm:      make([]int16, n),
	}
	if r.widen() {
		r.stereo = make([]int16, 2*n)
	}
	r.out = make([]byte, 0, 2*n*cfg.PlaybackChannels/cfg.DecodeChannels)
	return r, nil
}

func (r *Receiver) widen() bool {
	return r.cfg.DecodeChannels == 1 && r.cfg.PlaybackChannels == 2
}

// HandlePayload decodes payload and writes the frame to playback. A decode
// failure substitutes the frame according to the decoder policy and is
// returned after playback; a skipped frame is not played. All failures have
// already been logged and counted when returned.
func (r *Receiver) HandlePayload(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	r.opts.metrics.RecordPayload(ctx, "receive", len(payload))

	n, decErr := r.dec.Decode(payload, r.pcm)
	if decErr != nil {
		var derr *codec.DecodeError
		if !errors.As(decErr, &derr) {
			return r.opts.drop(ctx, StageDecode, decErr)
		}
		r.opts.metrics.RecordCodecError(ctx, "decode")
		if derr.Skip() {
			return r.opts.drop(ctx, StageDecode, decErr)
		}
		r.opts.logger.Debug("decode failed, playing substitute", "policy", derr.Policy, "err", decErr)
	}

	pcm := r.pcm[:n]
	if r.widen() {
		pcm = audio.MonoToStereo(r.stereo, pcm)
	}
	r.out = audio.Int16ToBytes(r.out[:0], pcm)

	if _, err := r.playback.Write(ctx, r.out); err != nil {
		return r.opts.drop(ctx, StagePlayback, err)
	}

	d := time.Since(start)
	r.frames++
	r.opts.metrics.RecordFrame(ctx, PathReceive, d)
	r.opts.stats.RecordFrame(PathReceive, d)
	r.opts.logStats(r.frames)
	if decErr != nil {
		return &StageError{Stage: StageDecode, Err: decErr}
	}
	return nil
}

// Frames returns the number of frames played so far.
func (r *Receiver) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}
