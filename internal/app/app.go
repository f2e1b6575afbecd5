// Package app wires the voicelink subsystems into a running process.
//
// The App struct owns the full lifecycle: New opens the audio device and
// builds either the loopback path or a duplex session from the config, Run
// drives it next to the HTTP probe server, and Shutdown tears everything down
// in reverse order.
//
// For testing, inject doubles via functional options (WithDevice,
// WithChannel, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/pipeline"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/pkg/audio/echo"
	"github.com/MrWong99/voicelink/pkg/audio/port"
	"github.com/MrWong99/voicelink/pkg/transport"
	"github.com/MrWong99/voicelink/pkg/transport/webrtc"
)

// Device is a full-duplex audio device.
type Device interface {
	port.Capture
	port.Playback
	io.Closer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	metrics  *observe.Metrics
	stats    *pipeline.Stats
	registry *config.Registry
	scrape   http.Handler

	device  Device
	channel transport.Channel
	loop    *pipeline.Loopback
	session *SessionManager
	health  *health.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects an audio device instead of opening one with PortAudio.
func WithDevice(d Device) Option {
	return func(a *App) { a.device = d }
}

// WithChannel injects a transport channel instead of creating a WebRTC one.
func WithChannel(ch transport.Channel) Option {
	return func(a *App) { a.channel = ch }
}

// WithRegistry sets the registry used to create signalers for the WebRTC
// channel. Required in duplex mode unless WithChannel is given.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the audio
// device, builds the echo canceller and, depending on audio.mode, either the
// loopback path or a duplex session. On error everything opened so far is
// released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.stats = pipeline.NewStats(cfg.Audio.LogEvery)

	ctx, span := observe.StartSpan(ctx, "app.New")
	err := a.init(ctx)
	observe.EndSpan(span, err)
	if err != nil {
		_ = a.Shutdown(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Audio device ──────────────────────────────────────────────────
	if err := a.initDevice(); err != nil {
		return fmt.Errorf("app: init device: %w", err)
	}

	// ── 2. Echo canceller ────────────────────────────────────────────────
	canceller, err := newCanceller(a.cfg.Audio)
	if err != nil {
		return fmt.Errorf("app: init echo canceller: %w", err)
	}

	// ── 3. Audio path ────────────────────────────────────────────────────
	switch a.cfg.Audio.Mode {
	case config.ModeLoopback:
		err = a.initLoopback(canceller)
	case config.ModeDuplex:
		err = a.initSession(ctx, canceller)
	default:
		err = fmt.Errorf("unknown audio mode %q", a.cfg.Audio.Mode)
	}
	if err != nil {
		return fmt.Errorf("app: init %s: %w", a.cfg.Audio.Mode, err)
	}

	// ── 4. Probes ────────────────────────────────────────────────────────
	var ready []health.Checker
	var active func() bool
	if a.session != nil {
		ready = append(ready,
			health.SessionChecker(a.session.State),
			health.BreakerChecker("send", a.session.Breaker()),
		)
		active = func() bool { return a.session.State() == transport.StateConnected }
	}
	frames := func() int64 { return a.stats.Snapshot().Frames }
	a.health = health.New(ready...).
		WithLiveness(health.StallChecker(frames, active, a.cfg.Server.StallTimeout))
	return nil
}

func (a *App) initDevice() error {
	if a.device == nil {
		ac := a.cfg.Audio
		d, err := port.Open(port.Config{
			SampleRate:       ac.SampleRate,
			FrameSize:        ac.FrameSamples(),
			CaptureChannels:  1,
			PlaybackChannels: ac.PlaybackChannels,
			MaxWait:          ac.MaxWait,
			InputDevice:      ac.CaptureDevice,
			OutputDevice:     ac.PlaybackDevice,
			HighLatency:      ac.HighLatency,
		}, a.log)
		if err != nil {
			return err
		}
		a.device = d
	}
	a.closers = append(a.closers, a.device.Close)
	return nil
}

// newCanceller returns nil when echo cancellation is disabled.
func newCanceller(ac config.AudioConfig) (pipeline.Canceller, error) {
	if !ac.Echo.IsEnabled() {
		return nil, nil
	}
	c, err := echo.NewCanceller(echo.Config{
		Capacity:  ac.Echo.Capacity,
		Delay:     ac.Echo.Delay,
		Decay:     ac.Echo.Decay,
		Threshold: ac.Echo.Threshold,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) initLoopback(canceller pipeline.Canceller) error {
	ac := a.cfg.Audio
	loop, err := pipeline.NewLoopback(a.device, a.device, canceller,
		pipeline.LoopbackConfig{
			FrameSize:        ac.FrameSamples(),
			PlaybackChannels: ac.PlaybackChannels,
			Gain:             ac.Gain,
		},
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithStats(a.stats),
		pipeline.WithLogEvery(ac.LogEvery),
	)
	if err != nil {
		return err
	}
	a.loop = loop
	return nil
}

func (a *App) initSession(ctx context.Context, canceller pipeline.Canceller) error {
	if a.channel == nil {
		ch, err := a.newChannel()
		if err != nil {
			return err
		}
		a.channel = ch
	}
	sm, err := NewSessionManager(ctx, SessionManagerConfig{
		Config:    a.cfg,
		Device:    a.device,
		Channel:   a.channel,
		Canceller: canceller,
		Logger:    a.log,
		Metrics:   a.metrics,
		Stats:     a.stats,
	})
	if err != nil {
		return err
	}
	a.session = sm
	a.closers = append(a.closers, sm.Close)
	return nil
}

// newChannel creates the WebRTC channel. Fallback signaling endpoints are
// tried in order when the primary fails.
func (a *App) newChannel() (transport.Channel, error) {
	if a.registry == nil {
		return nil, errors.New("no signaler registry configured")
	}
	tc := a.cfg.Transport
	sig, err := a.registry.CreateSignaler(tc.Signaling)
	if err != nil {
		return nil, fmt.Errorf("signaler %s: %w", tc.Signaling.URL, err)
	}
	if len(tc.FallbackSignaling) > 0 {
		group := resilience.NewSignalerFallback(sig, tc.Signaling.URL, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				Logger: a.log,
				OnStateChange: func(name string, _, to resilience.State) {
					a.metrics.RecordBreakerState(context.Background(), name, to.String())
				},
			},
		})
		for _, fb := range tc.FallbackSignaling {
			s, err := a.registry.CreateSignaler(fb)
			if err != nil {
				return nil, fmt.Errorf("fallback signaler %s: %w", fb.URL, err)
			}
			group.AddFallback(fb.URL, s)
		}
		a.log.Info("signaling failover enabled", "endpoints", group.Endpoints())
		sig = group
	}
	return webrtc.New(sig,
		webrtc.WithSTUNServers(tc.STUNServers...),
		webrtc.WithFrameDuration(a.cfg.Audio.FrameDuration),
		webrtc.WithDataChannel(tc.DataChannel),
		webrtc.WithGreeting(tc.Greeting),
		webrtc.WithLogger(a.log),
	), nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the audio path and, when server.listen_addr is set, the HTTP
// server until ctx is cancelled or the session ends. A session that ends on
// its own is reported as a [*session.FatalSessionError].
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if a.loop != nil {
			return a.loop.Run(gctx)
		}
		return a.session.Run(gctx)
	})

	return g.Wait()
}

// Handler returns the HTTP handler serving /healthz, /readyz, /debug/stats
// and, when configured, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.HandleFunc("GET /debug/stats", a.serveStats)
	if a.scrape != nil {
		mux.Handle("/metrics", a.scrape)
	}
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.stats.Snapshot()); err != nil {
		a.log.Warn("encode stats", "err", err)
	}
}

// Stats returns the shared frame statistics.
func (a *App) Stats() *pipeline.Stats { return a.stats }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
