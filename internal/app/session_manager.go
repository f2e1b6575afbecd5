package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/pipeline"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/audio/codec"
	"github.com/MrWong99/voicelink/pkg/transport"
)

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Device    Device
	Channel   transport.Channel
	Canceller pipeline.Canceller
	Logger    *slog.Logger
	Metrics   *observe.Metrics
	Stats     *pipeline.Stats
}

// SessionManager owns one duplex session: the send and receive paths, the
// channel carrying them and the controller reacting to its state changes.
// A session runs once; a new process is needed for the next one.
type SessionManager struct {
	channel transport.Channel
	enc     *codec.Encoder
	ctrl    *session.Controller
	breaker *resilience.CircuitBreaker
	log     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewSessionManager builds the codec pair and both pipeline paths, and
// subscribes to the channel's audio and state callbacks. The send task is
// derived from ctx.
func NewSessionManager(ctx context.Context, cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Config == nil || cfg.Device == nil || cfg.Channel == nil {
		return nil, errors.New("app: session needs config, device and channel")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := cfg.Config

	enc, err := codec.NewEncoder(config.CodecSettings(c, 1))
	if err != nil {
		return nil, fmt.Errorf("app: create encoder: %w", err)
	}
	dec, err := codec.NewDecoder(config.CodecSettings(c, c.Codec.DecodeChannels))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("app: create decoder: %w", err)
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "send",
		MaxFailures:  c.Transport.SendBreaker.MaxFailures,
		ResetTimeout: c.Transport.SendBreaker.ResetTimeout,
		HalfOpenMax:  c.Transport.SendBreaker.HalfOpenMax,
		Logger:       cfg.Logger,
		OnStateChange: func(name string, _, to resilience.State) {
			cfg.Metrics.RecordBreakerState(context.Background(), name, to.String())
		},
	})

	common := []pipeline.Option{
		pipeline.WithLogger(cfg.Logger),
		pipeline.WithMetrics(cfg.Metrics),
		pipeline.WithStats(cfg.Stats),
		pipeline.WithLogEvery(c.Audio.LogEvery),
	}
	sender, err := pipeline.NewSender(cfg.Device, cfg.Canceller, enc, cfg.Channel,
		pipeline.SenderConfig{
			FrameSize:    c.Audio.FrameSamples(),
			TickInterval: c.Audio.TickInterval,
		},
		append(common, pipeline.WithSendBreaker(breaker))...,
	)
	if err != nil {
		enc.Close()
		return nil, err
	}
	receiver, err := pipeline.NewReceiver(dec, cfg.Device,
		pipeline.ReceiverConfig{
			DecodeChannels:   c.Codec.DecodeChannels,
			PlaybackChannels: c.Audio.PlaybackChannels,
		},
		common...,
	)
	if err != nil {
		enc.Close()
		return nil, err
	}

	sm := &SessionManager{
		channel: cfg.Channel,
		enc:     enc,
		breaker: breaker,
		log:     cfg.Logger,
	}
	sm.ctrl = session.NewController(sender.Run,
		session.WithContext(ctx),
		session.WithLogger(cfg.Logger),
		session.WithMetrics(cfg.Metrics),
	)
	cfg.Channel.OnStateChange(sm.ctrl.HandleState)
	cfg.Channel.OnAudio(func(payload []byte) {
		// Failures are logged and counted by the receiver.
		_ = receiver.HandlePayload(ctx, payload)
	})
	return sm, nil
}

// Run opens the channel and blocks until the session ends. It returns a
// [*session.FatalSessionError] when the connection reaches a terminal state,
// the send task fails or the channel cannot be opened, and nil when ctx is
// cancelled first.
func (sm *SessionManager) Run(ctx context.Context) error {
	sm.log.Info("opening session")
	if err := sm.channel.Open(ctx); err != nil {
		if ctx.Err() != nil {
			sm.ctrl.Stop()
			return nil
		}
		cause := fmt.Errorf("open channel: %w", err)
		sm.ctrl.HandleState(transport.StateFailed)
		select {
		case ferr := <-sm.ctrl.Fatal():
			if ferr.Cause == nil {
				ferr.Cause = cause
			}
			return ferr
		default:
			return &session.FatalSessionError{State: transport.StateFailed, Cause: cause}
		}
	}

	select {
	case ferr := <-sm.ctrl.Fatal():
		return ferr
	case <-ctx.Done():
		sm.ctrl.Stop()
		return nil
	}
}

// State returns the last connectivity state reported by the channel.
func (sm *SessionManager) State() transport.State { return sm.ctrl.State() }

// Breaker returns the circuit breaker guarding outbound sends.
func (sm *SessionManager) Breaker() *resilience.CircuitBreaker { return sm.breaker }

// Close stops the send task, closes the channel and releases the encoder.
// Safe to call more than once.
func (sm *SessionManager) Close() error {
	sm.closeOnce.Do(func() {
		sm.ctrl.Stop()
		sm.closeErr = sm.channel.Close()
		sm.enc.Close()
	})
	return sm.closeErr
}
