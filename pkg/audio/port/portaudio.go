package port

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Config describes the hardware streams. It is applied once at [Open].
type Config struct {
	SampleRate int

	// FrameSize is the number of samples per channel moved by one transfer.
	FrameSize int

	// CaptureChannels is the microphone channel count, normally 1.
	CaptureChannels int

	// PlaybackChannels is the speaker channel count (1 or 2).
	PlaybackChannels int

	// MaxWait bounds every blocking transfer. Zero waits forever.
	MaxWait time.Duration

	// InputDevice and OutputDevice select devices by case-insensitive
	// substring. Empty selects the system default.
	InputDevice  string
	OutputDevice string

	// HighLatency uses the devices' default high latency instead of low.
	HighLatency bool
}

// stream is the subset of *portaudio.Stream the device drives.
type stream interface {
	Start() error
	Read() error
	Write() error
	Abort() error
	Stop() error
	Close() error
}

// direction is one half-duplex stream and the buffer bound to it.
type direction struct {
	mu      sync.Mutex
	s       stream
	buf     []int16
	started bool
	maxWait time.Duration
}

// Device is a PortAudio capture/playback pair. It implements both [Capture]
// and [Playback]; each direction has its own stream and lock, so the capture
// task and the playback path never block each other.
type Device struct {
	in  *direction
	out *direction

	log       *slog.Logger
	closeCh   chan struct{}
	closeOnce sync.Once
	terminate func() error
}

var (
	_ Capture  = (*Device)(nil)
	_ Playback = (*Device)(nil)
)

// Open initialises PortAudio and opens the input and output streams. Streams
// start lazily on the first transfer so an idle device does not overflow.
func Open(cfg Config, logger *slog.Logger) (*Device, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("port: invalid format: rate=%d frame=%d", cfg.SampleRate, cfg.FrameSize)
	}
	if cfg.CaptureChannels == 0 {
		cfg.CaptureChannels = 1
	}
	if cfg.PlaybackChannels == 0 {
		cfg.PlaybackChannels = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("port: initialise portaudio: %w", err)
	}

	inBuf := make([]int16, cfg.FrameSize*cfg.CaptureChannels)
	in, err := openStream(cfg, cfg.InputDevice, true, &inBuf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("port: open capture stream: %w", err)
	}
	outBuf := make([]int16, cfg.FrameSize*cfg.PlaybackChannels)
	out, err := openStream(cfg, cfg.OutputDevice, false, &outBuf)
	if err != nil {
		_ = in.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("port: open playback stream: %w", err)
	}

	logger.Info("audio device opened",
		"format", audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.CaptureChannels}.String(),
		"playback_channels", cfg.PlaybackChannels,
		"frame_size", cfg.FrameSize,
		"max_wait", cfg.MaxWait,
	)
	d := newDevice(in, inBuf, out, outBuf, cfg.MaxWait, logger)
	d.terminate = portaudio.Terminate
	return d, nil
}

func newDevice(in stream, inBuf []int16, out stream, outBuf []int16, maxWait time.Duration, logger *slog.Logger) *Device {
	return &Device{
		in:      &direction{s: in, buf: inBuf, maxWait: maxWait},
		out:     &direction{s: out, buf: outBuf, maxWait: maxWait},
		log:     logger,
		closeCh: make(chan struct{}),
	}
}

func openStream(cfg Config, name string, input bool, buf *[]int16) (*portaudio.Stream, error) {
	dev, err := findDevice(name, input)
	if err != nil {
		return nil, err
	}
	channels := cfg.PlaybackChannels
	latency := dev.DefaultLowOutputLatency
	if cfg.HighLatency {
		latency = dev.DefaultHighOutputLatency
	}
	if input {
		channels = cfg.CaptureChannels
		latency = dev.DefaultLowInputLatency
		if cfg.HighLatency {
			latency = dev.DefaultHighInputLatency
		}
	}
	params := portaudio.StreamParameters{
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}
	dp := portaudio.StreamDeviceParameters{Device: dev, Channels: channels, Latency: latency}
	if input {
		params.Input = dp
	} else {
		params.Output = dp
	}
	return portaudio.OpenStream(params, buf)
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	for _, dev := range devices {
		channels := dev.MaxOutputChannels
		if input {
			channels = dev.MaxInputChannels
		}
		if channels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no device matching %q", name)
}

// Read blocks until one capture frame is available and copies it into p.
func (d *Device) Read(ctx context.Context, p []byte) (int, error) {
	dir := d.in
	dir.mu.Lock()
	defer dir.mu.Unlock()

	n := len(dir.buf) * 2
	if len(p) < n {
		return 0, ErrShortBuffer
	}
	if err := d.transfer(ctx, dir, dir.s.Read); err != nil {
		return 0, err
	}
	audio.Int16ToBytes(p[:0], dir.buf)
	return n, nil
}

// Write blocks until one playback frame from p has been handed to the
// hardware. p must hold exactly one frame.
func (d *Device) Write(ctx context.Context, p []byte) (int, error) {
	dir := d.out
	dir.mu.Lock()
	defer dir.mu.Unlock()

	n := len(dir.buf) * 2
	if len(p) < n {
		return 0, ErrShortBuffer
	}
	audio.BytesToInt16(dir.buf[:0], p[:n])
	if err := d.transfer(ctx, dir, dir.s.Write); err != nil {
		return 0, err
	}
	return n, nil
}

// transfer runs op on a helper goroutine so the caller can give up on
// cancellation or after the max wait. An abandoned transfer is aborted and
// the stream restarts on the next call.
func (d *Device) transfer(ctx context.Context, dir *direction, op func() error) error {
	select {
	case <-d.closeCh:
		return ErrClosed
	default:
	}
	if !dir.started {
		if err := dir.s.Start(); err != nil {
			return fmt.Errorf("port: start stream: %w", err)
		}
		dir.started = true
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	var timeout <-chan time.Time
	if dir.maxWait > 0 {
		t := time.NewTimer(dir.maxWait)
		defer t.Stop()
		timeout = t.C
	}

	var cause error
	select {
	case err := <-done:
		if err != nil {
			// Overflow/underflow still moved a full frame.
			if errors.Is(err, portaudio.InputOverflowed) || errors.Is(err, portaudio.OutputUnderflowed) {
				d.log.Debug("audio stream xrun", "err", err)
				return nil
			}
			return fmt.Errorf("port: transfer: %w", err)
		}
		return nil
	case <-ctx.Done():
		cause = ctx.Err()
	case <-timeout:
		cause = ErrTimeout
	case <-d.closeCh:
		cause = ErrClosed
	}

	if err := dir.s.Abort(); err != nil {
		d.log.Warn("abort audio stream", "err", err)
	}
	<-done
	dir.started = false
	return cause
}

// Close stops both streams and releases PortAudio. It is safe to call more
// than once.
func (d *Device) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		close(d.closeCh)
		for _, dir := range []*direction{d.in, d.out} {
			dir.mu.Lock()
			if dir.started {
				if err := dir.s.Stop(); err != nil {
					errs = append(errs, err)
				}
			}
			if err := dir.s.Close(); err != nil {
				errs = append(errs, err)
			}
			dir.mu.Unlock()
		}
		if d.terminate != nil {
			if err := d.terminate(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("port: close: %w", err)
	}
	return nil
}
