package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/pipeline"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/pkg/audio/codec"
	"github.com/MrWong99/voicelink/pkg/audio/echo"
	audiomock "github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/audio/port"
	transportmock "github.com/MrWong99/voicelink/pkg/transport/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ── helpers ──────────────────────────────────────────────────────────────────

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(t *testing.T) []pipeline.Option {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return []pipeline.Option{pipeline.WithLogger(quietLogger()), pipeline.WithMetrics(m)}
}

func frameOf(n int, v int16) []int16 {
	f := make([]int16, n)
	for i := range f {
		f[i] = v
	}
	return f
}

type fakeEncoder struct {
	mu    sync.Mutex
	err   error
	calls [][]int16
}

func (e *fakeEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, append([]int16(nil), pcm...))
	if e.err != nil {
		return nil, e.err
	}
	return []byte{byte(len(e.calls))}, nil
}

type fakeDecoder struct {
	frameLen int
	value    int16
	err      error
	inFlight int
	maxSeen  int
	mu       sync.Mutex
}

func (d *fakeDecoder) FrameLen() int { return d.frameLen }

func (d *fakeDecoder) Decode(_ []byte, dst []int16) (int, error) {
	d.mu.Lock()
	d.inFlight++
	d.maxSeen = max(d.maxSeen, d.inFlight)
	d.mu.Unlock()
	time.Sleep(time.Millisecond)
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()

	if d.err != nil {
		return 0, d.err
	}
	for i := range dst[:d.frameLen] {
		dst[i] = d.value
	}
	return d.frameLen, nil
}

// ── loopback ─────────────────────────────────────────────────────────────────

func TestLoopback_ZeroFrameBecomesZeroStereo(t *testing.T) {
	t.Parallel()
	const n = 320
	capture := &audiomock.Capture{Frames: [][]int16{make([]int16, n)}}
	playback := &audiomock.Playback{}
	c, _ := echo.NewCanceller(echo.ConfigFor(16000))

	loop, err := pipeline.NewLoopback(capture, playback, c,
		pipeline.LoopbackConfig{FrameSize: n, PlaybackChannels: 2, Gain: 16}, testOptions(t)...)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	if err := loop.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	writes := playback.Recorded()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Len != 2*n*2 {
		t.Errorf("write length = %d bytes, want %d", writes[0].Len, 2*n*2)
	}
	for i, s := range writes[0].Samples {
		if s != 0 {
			t.Fatalf("sample %d = %d, want 0", i, s)
		}
	}
}

func TestLoopback_GainAndStereo(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{100, -200, 3000}}}
	playback := &audiomock.Playback{}

	loop, err := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 3, PlaybackChannels: 2, Gain: 16}, testOptions(t)...)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	if err := loop.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	want := []int16{1600, 1600, -3200, -3200, 32767, 32767}
	got := playback.Recorded()[0].Samples
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLoopback_MonoPlayback(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{1, 2}}}
	playback := &audiomock.Playback{}

	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 2, PlaybackChannels: 1, Gain: 2}, testOptions(t)...)
	if err := loop.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got := playback.Recorded()[0]
	if got.Len != 4 || got.Samples[0] != 2 || got.Samples[1] != 4 {
		t.Errorf("write = %+v, want 4 bytes [2 4]", got)
	}
}

func TestLoopback_EchoIsCancelledAtDelay(t *testing.T) {
	t.Parallel()
	c, err := echo.NewCanceller(echo.Config{Capacity: 16, Delay: 4, Decay: 0.7, Threshold: 1000})
	if err != nil {
		t.Fatal(err)
	}
	capture := &audiomock.Capture{Frames: [][]int16{{5000, 0, 0, 0}, {0, 0, 0, 0}}}
	playback := &audiomock.Playback{}

	loop, _ := pipeline.NewLoopback(capture, playback, c,
		pipeline.LoopbackConfig{FrameSize: 4, PlaybackChannels: 2, Gain: 1}, testOptions(t)...)
	for range 2 {
		if err := loop.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	second := playback.Recorded()[1].Samples
	if second[0] != -3500 || second[1] != -3500 {
		t.Errorf("echo frame starts with %d,%d, want -3500,-3500", second[0], second[1])
	}
	for i := 2; i < len(second); i++ {
		if second[i] != 0 {
			t.Errorf("sample %d = %d, want 0", i, second[i])
		}
	}
}

func TestLoopback_DropsFailedFramesAndContinues(t *testing.T) {
	t.Parallel()
	readErr := errors.New("i2s read timeout")
	capture := &audiomock.Capture{
		Frames: [][]int16{{1}, {2}, {3}},
		Errors: []error{nil, readErr, nil},
	}
	playback := &audiomock.Playback{}
	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 1, Gain: 1}, testOptions(t)...)

	ctx := context.Background()
	if err := loop.Step(ctx); err != nil {
		t.Fatalf("first Step: %v", err)
	}
	err := loop.Step(ctx)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != pipeline.StageCapture {
		t.Fatalf("second Step err = %v, want capture StageError", err)
	}
	if !errors.Is(err, readErr) {
		t.Errorf("StageError should wrap the read error")
	}
	if err := loop.Step(ctx); err != nil {
		t.Fatalf("third Step: %v", err)
	}

	writes := playback.Recorded()
	if len(writes) != 2 || writes[0].Samples[0] != 1 || writes[1].Samples[0] != 3 {
		t.Errorf("writes = %+v, want frames 1 and 3", writes)
	}
	if loop.Frames() != 2 {
		t.Errorf("Frames = %d, want 2", loop.Frames())
	}
}

func TestLoopback_PlaybackFailure(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{1}}}
	playback := &audiomock.Playback{Err: errors.New("dma underrun")}
	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 2, Gain: 1}, testOptions(t)...)

	var se *pipeline.StageError
	if err := loop.Step(context.Background()); !errors.As(err, &se) || se.Stage != pipeline.StagePlayback {
		t.Fatalf("Step err = %v, want playback StageError", err)
	}
}

func TestLoopback_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{1}, {2}}, BlockWhenEmpty: true}
	playback := &audiomock.Playback{}
	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 1, Gain: 1}, testOptions(t)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(playback.Recorded()) < 2 {
		select {
		case <-deadline:
			t.Fatal("loopback did not play two frames")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoopback_RunStopsWhenCaptureClosed(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Err: port.ErrClosed}
	playback := &audiomock.Playback{}
	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 1, Gain: 1}, testOptions(t)...)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	select {
	case err := <-done:
		var se *pipeline.StageError
		if !errors.As(err, &se) || se.Stage != pipeline.StageCapture || !errors.Is(err, port.ErrClosed) {
			t.Errorf("Run err = %v, want capture StageError wrapping ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept going on a closed capture port")
	}
	if got := capture.Calls(); got != 1 {
		t.Errorf("capture reads = %d, want 1", got)
	}
	if len(playback.Recorded()) != 0 {
		t.Error("nothing should be played from a closed port")
	}
}

func TestLoopback_RunBacksOffOnRepeatedFailures(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Err: errors.New("i2s read timeout")}
	playback := &audiomock.Playback{}
	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 1, Gain: 1}, testOptions(t)...)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Delays of 10, 20, 40 and 80ms fit five reads into the window.
	if got := capture.Calls(); got < 2 || got > 8 {
		t.Errorf("capture reads in 150ms = %d, want a handful", got)
	}
}

func TestLoopback_RunRecoversAfterFailures(t *testing.T) {
	t.Parallel()
	readErr := errors.New("i2s read timeout")
	capture := &audiomock.Capture{
		Frames:         [][]int16{{0}, {0}, {7}},
		Errors:         []error{readErr, readErr, nil},
		BlockWhenEmpty: true,
	}
	playback := &audiomock.Playback{}
	loop, _ := pipeline.NewLoopback(capture, playback, nil,
		pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 1, Gain: 1}, testOptions(t)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(playback.Recorded()) < 1 {
		select {
		case <-deadline:
			t.Fatal("loopback never played after the failures cleared")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if w := playback.Recorded(); w[0].Samples[0] != 7 {
		t.Errorf("first played sample = %d, want 7", w[0].Samples[0])
	}
}

func TestNewLoopback_Validation(t *testing.T) {
	t.Parallel()
	capture, playback := &audiomock.Capture{}, &audiomock.Playback{}
	tests := []struct {
		name string
		cfg  pipeline.LoopbackConfig
	}{
		{"zero frame", pipeline.LoopbackConfig{FrameSize: 0, PlaybackChannels: 2}},
		{"six channels", pipeline.LoopbackConfig{FrameSize: 4, PlaybackChannels: 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := pipeline.NewLoopback(capture, playback, nil, tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := pipeline.NewLoopback(nil, playback, nil, pipeline.LoopbackConfig{FrameSize: 1, PlaybackChannels: 1}); err == nil {
		t.Error("expected error for nil capture")
	}
}

// ── sender ───────────────────────────────────────────────────────────────────

func TestSender_SendOnce(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{7, 8, 9}}}
	enc := &fakeEncoder{}
	ch := &transportmock.Channel{}

	s, err := pipeline.NewSender(capture, nil, enc, ch, pipeline.SenderConfig{FrameSize: 3}, testOptions(t)...)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := s.SendOnce(context.Background()); err != nil {
		t.Fatalf("SendOnce: %v", err)
	}

	if len(enc.calls) != 1 || enc.calls[0][2] != 9 {
		t.Errorf("encoder calls = %v", enc.calls)
	}
	if sent := ch.Sent(); len(sent) != 1 || sent[0][0] != 1 {
		t.Errorf("sent = %v", sent)
	}
}

func TestSender_EncodeFailureSkipsFrame(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{1}}}
	enc := &fakeEncoder{err: codec.ErrEncode}
	ch := &transportmock.Channel{}
	s, _ := pipeline.NewSender(capture, nil, enc, ch, pipeline.SenderConfig{FrameSize: 1}, testOptions(t)...)

	err := s.SendOnce(context.Background())
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != pipeline.StageEncode {
		t.Fatalf("err = %v, want encode StageError", err)
	}
	if len(ch.Sent()) != 0 {
		t.Error("nothing should be sent after an encode failure")
	}
	if len(enc.calls) != 1 {
		t.Errorf("encode should not be retried, got %d calls", len(enc.calls))
	}
}

func TestSender_SendFailureIsReported(t *testing.T) {
	t.Parallel()
	capture := &audiomock.Capture{Frames: [][]int16{{1}}}
	ch := &transportmock.Channel{SendErr: errors.New("track closed")}
	s, _ := pipeline.NewSender(capture, nil, &fakeEncoder{}, ch, pipeline.SenderConfig{FrameSize: 1}, testOptions(t)...)

	var se *pipeline.StageError
	if err := s.SendOnce(context.Background()); !errors.As(err, &se) || se.Stage != pipeline.StageSend {
		t.Fatalf("err = %v, want send StageError", err)
	}
	if s.Frames() != 0 {
		t.Errorf("Frames = %d, want 0", s.Frames())
	}
}

func TestSender_BreakerStopsHammeringTransport(t *testing.T) {
	t.Parallel()
	ch := &transportmock.Channel{SendErr: errors.New("track closed")}
	capture := &audiomock.Capture{}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "send",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
		Logger:       quietLogger(),
	})

	opts := append(testOptions(t), pipeline.WithSendBreaker(cb))
	s, _ := pipeline.NewSender(capture, nil, &fakeEncoder{}, ch, pipeline.SenderConfig{FrameSize: 1}, opts...)

	ctx := context.Background()
	for range 5 {
		_ = s.SendOnce(ctx)
	}
	err := s.SendOnce(ctx)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if cb.State() != resilience.StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
	if capture.Calls() != 6 {
		t.Errorf("capture reads = %d, want 6 (capture keeps running)", capture.Calls())
	}
}

func TestSender_CancelsEchoBeforeEncoding(t *testing.T) {
	t.Parallel()
	c, _ := echo.NewCanceller(echo.Config{Capacity: 8, Delay: 2, Decay: 0.5, Threshold: 100})
	capture := &audiomock.Capture{Frames: [][]int16{{4000, 0}, {0, 0}}}
	enc := &fakeEncoder{}
	s, _ := pipeline.NewSender(capture, c, enc, &transportmock.Channel{}, pipeline.SenderConfig{FrameSize: 2}, testOptions(t)...)

	ctx := context.Background()
	_ = s.SendOnce(ctx)
	_ = s.SendOnce(ctx)

	if got := enc.calls[1][0]; got != -2000 {
		t.Errorf("encoded echo sample = %d, want -2000", got)
	}
}

func TestSender_RunSendsInOrder(t *testing.T) {
	t.Parallel()
	frames := [][]int16{{1}, {2}, {3}, {4}, {5}}
	capture := &audiomock.Capture{Frames: frames, BlockWhenEmpty: true}
	enc := &fakeEncoder{}
	got := make(chan []byte, len(frames))
	ch := &transportmock.Channel{OnSend: func(p []byte) { got <- p }}

	s, _ := pipeline.NewSender(capture, nil, enc, ch,
		pipeline.SenderConfig{FrameSize: 1, TickInterval: time.Millisecond}, testOptions(t)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := range frames {
		select {
		case p := <-got:
			if int(p[0]) != i+1 {
				t.Errorf("payload %d = %d, want %d", i, p[0], i+1)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for payload %d", i)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	enc.mu.Lock()
	defer enc.mu.Unlock()
	for i, call := range enc.calls {
		if call[0] != int16(i+1) {
			t.Errorf("encode %d got frame %d", i, call[0])
		}
	}
}

// ── receiver ─────────────────────────────────────────────────────────────────

func TestReceiver_StereoDecodePlaysDirectly(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{frameLen: 8, value: 42}
	playback := &audiomock.Playback{}
	r, err := pipeline.NewReceiver(dec, playback,
		pipeline.ReceiverConfig{DecodeChannels: 2, PlaybackChannels: 2}, testOptions(t)...)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := r.HandlePayload(context.Background(), []byte{1}); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	w := playback.Recorded()[0]
	if w.Len != 16 || w.Samples[7] != 42 {
		t.Errorf("write = %+v, want 16 bytes of 42", w)
	}
}

func TestReceiver_MonoDecodeIsWidened(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{frameLen: 4, value: -5}
	playback := &audiomock.Playback{}
	r, _ := pipeline.NewReceiver(dec, playback,
		pipeline.ReceiverConfig{DecodeChannels: 1, PlaybackChannels: 2}, testOptions(t)...)
	if err := r.HandlePayload(context.Background(), []byte{1}); err != nil {
		t.Fatalf("HandlePayload: %v", err)
	}
	if w := playback.Recorded()[0]; w.Len != 16 {
		t.Errorf("write length = %d, want 16", w.Len)
	}
}

func TestReceiver_RejectsStereoOnMono(t *testing.T) {
	t.Parallel()
	_, err := pipeline.NewReceiver(&fakeDecoder{frameLen: 4}, &audiomock.Playback{},
		pipeline.ReceiverConfig{DecodeChannels: 2, PlaybackChannels: 1})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestReceiver_DecodePolicies(t *testing.T) {
	t.Parallel()
	const n = 160
	enc, err := codec.NewEncoder(codec.Config{SampleRate: 8000, Channels: 1, FrameSize: n})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	good, err := enc.Encode(frameOf(n, 0))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tests := []struct {
		policy     codec.FailurePolicy
		wantWrites int
	}{
		{codec.FailSilence, 2},
		{codec.FailLastFrame, 2},
		{codec.FailSkip, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			dec, err := codec.NewDecoder(codec.Config{SampleRate: 8000, Channels: 1, FrameSize: n, OnFailure: tt.policy})
			if err != nil {
				t.Fatalf("NewDecoder: %v", err)
			}
			playback := &audiomock.Playback{}
			r, _ := pipeline.NewReceiver(dec, playback,
				pipeline.ReceiverConfig{DecodeChannels: 1, PlaybackChannels: 2}, testOptions(t)...)

			ctx := context.Background()
			if err := r.HandlePayload(ctx, good); err != nil {
				t.Fatalf("good payload: %v", err)
			}
			err = r.HandlePayload(ctx, nil)
			var derr *codec.DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("empty payload err = %v, want DecodeError", err)
			}
			writes := playback.Recorded()
			if len(writes) != tt.wantWrites {
				t.Fatalf("writes = %d, want %d", len(writes), tt.wantWrites)
			}
			for _, w := range writes {
				if w.Len != 2*n*2 {
					t.Errorf("write length = %d, want %d", w.Len, 2*n*2)
				}
			}
		})
	}
}

func TestReceiver_SerialisesDecodes(t *testing.T) {
	t.Parallel()
	dec := &fakeDecoder{frameLen: 2}
	r, _ := pipeline.NewReceiver(dec, &audiomock.Playback{},
		pipeline.ReceiverConfig{DecodeChannels: 1, PlaybackChannels: 1}, testOptions(t)...)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() { _ = r.HandlePayload(context.Background(), []byte{1}) })
	}
	wg.Wait()

	if dec.maxSeen != 1 {
		t.Errorf("max concurrent decodes = %d, want 1", dec.maxSeen)
	}
	if r.Frames() != 8 {
		t.Errorf("Frames = %d, want 8", r.Frames())
	}
}

func TestReceiver_PlaybackFailure(t *testing.T) {
	t.Parallel()
	r, _ := pipeline.NewReceiver(&fakeDecoder{frameLen: 2}, &audiomock.Playback{Err: errors.New("busy")},
		pipeline.ReceiverConfig{DecodeChannels: 1, PlaybackChannels: 1}, testOptions(t)...)
	var se *pipeline.StageError
	if err := r.HandlePayload(context.Background(), []byte{1}); !errors.As(err, &se) || se.Stage != pipeline.StagePlayback {
		t.Fatalf("err = %v, want playback StageError", err)
	}
}

// ── duplex end to end ────────────────────────────────────────────────────────

func TestDuplex_SilentFrameRoundTrip(t *testing.T) {
	t.Parallel()
	const n = 320
	codecCfg := codec.Config{SampleRate: 16000, Channels: 1, FrameSize: n, Bitrate: 30000}
	enc, err := codec.NewEncoder(codecCfg)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	decCfg := codecCfg
	decCfg.Channels = 2
	dec, err := codec.NewDecoder(decCfg)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	opts := testOptions(t)
	playback := &audiomock.Playback{}
	recv, err := pipeline.NewReceiver(dec, playback,
		pipeline.ReceiverConfig{DecodeChannels: 2, PlaybackChannels: 2}, opts...)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	// The mock channel loops every sent payload back as inbound audio.
	ch := &transportmock.Channel{}
	ch.OnAudio(func(p []byte) { _ = recv.HandlePayload(context.Background(), p) })
	ch.OnSend = ch.Deliver

	capture := &audiomock.Capture{Frames: [][]int16{make([]int16, n)}}
	send, err := pipeline.NewSender(capture, nil, enc, ch, pipeline.SenderConfig{FrameSize: n}, opts...)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := send.SendOnce(context.Background()); err != nil {
		t.Fatalf("SendOnce: %v", err)
	}

	sent := ch.Sent()
	if len(sent) != 1 || len(sent[0]) == 0 || len(sent[0]) > codec.MaxPacketSize {
		t.Fatalf("sent = %d payloads, first len %d", len(sent), len(sent[0]))
	}
	writes := playback.Recorded()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	if writes[0].Len != 2*n*2 {
		t.Errorf("playback write = %d bytes, want %d", writes[0].Len, 2*n*2)
	}
}
