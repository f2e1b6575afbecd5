// Command voicelink streams microphone audio to a remote voice peer over
// WebRTC and plays the peer's audio back, or loops the microphone to the
// speaker for hardware checks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/transport/webrtc"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicelink.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voicelink starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Audio.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicelink",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	restartRequested := make(chan []string, 1)
	watcher, err := config.NewWatcher(*configPath, func(c config.Change) {
		if c.Diff.LogLevelChanged {
			level.Set(slogLevel(c.Diff.NewLogLevel))
			slog.Info("log level changed", "level", c.Diff.NewLogLevel)
		}
		if c.Diff.RestartRequired() {
			select {
			case restartRequested <- c.Diff.Sections:
			default:
			}
			cancelRun()
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	// ── Signaling registry ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinSignalers(reg)

	printStartupSummary(cfg)

	application, err := app.New(runCtx, cfg,
		app.WithRegistry(reg),
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(provider.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("voicelink ready, press Ctrl+C to shut down")
	runErr := application.Run(runCtx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	var ferr *session.FatalSessionError
	switch {
	case ctx.Err() != nil:
		slog.Info("shutdown signal received")
		return 0
	case errors.As(runErr, &ferr):
		slog.Warn("session ended, restarting", "state", ferr.State, "err", ferr.Cause)
	case runErr != nil:
		slog.Error("run error", "err", runErr)
		return 1
	default:
		select {
		case sections := <-restartRequested:
			slog.Info("configuration changed, restarting", "sections", sections)
		default:
			return 0
		}
	}

	if err := restart(ctx, cfg.Server.RestartDelay); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		slog.Error("restart failed", "err", err)
		return 1
	}
	return 0
}

// restart waits for delay and replaces the process with a fresh copy of
// itself. It only returns on error or when ctx is cancelled.
func restart(ctx context.Context, delay time.Duration) error {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// registerBuiltinSignalers registers the http and websocket signalers.
// Bearer tokens are read from the environment variable named by token_env.
func registerBuiltinSignalers(reg *config.Registry) {
	reg.RegisterSignaler(config.SignalingHTTP, func(sc config.SignalingConfig) (webrtc.Signaler, error) {
		return &webrtc.HTTPSignaler{
			URL:            sc.URL,
			Token:          token(sc),
			Client:         &http.Client{Timeout: 15 * time.Second},
			MaxAnswerBytes: sc.MaxAnswerBytes,
		}, nil
	})
	reg.RegisterSignaler(config.SignalingWebSocket, func(sc config.SignalingConfig) (webrtc.Signaler, error) {
		return &webrtc.WebSocketSignaler{
			URL:            sc.URL,
			Token:          token(sc),
			MaxAnswerBytes: sc.MaxAnswerBytes,
		}, nil
	})
}

func token(sc config.SignalingConfig) string {
	if sc.TokenEnv == "" {
		return ""
	}
	return os.Getenv(sc.TokenEnv)
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicelink startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Mode            : %-19s ║\n", cfg.Audio.Mode)
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Audio.SampleRate)
	fmt.Printf("║  Frame           : %-19s ║\n", cfg.Audio.FrameDuration)
	fmt.Printf("║  Playback chans  : %-19d ║\n", cfg.Audio.PlaybackChannels)
	if cfg.Audio.Echo.IsEnabled() {
		fmt.Printf("║  Echo delay      : %-19d ║\n", cfg.Audio.Echo.Delay)
	} else {
		fmt.Printf("║  Echo            : %-19s ║\n", "(disabled)")
	}
	if cfg.Audio.Mode == config.ModeDuplex {
		fmt.Printf("║  Signaling       : %-19s ║\n", cfg.Transport.Signaling.Mode)
		fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Transport.FallbackSignaling))
		fmt.Printf("║  Bitrate         : %-19d ║\n", cfg.Codec.Bitrate)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
