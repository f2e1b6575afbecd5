package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicelink/pkg/transport/webrtc"
)

// ErrAllFailed is returned when every signaling endpoint failed or had an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all signaling endpoints failed")

// FallbackConfig configures the breaker created for each endpoint of a
// [SignalerFallback]. Name is replaced by the endpoint name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type endpoint struct {
	name    string
	sig     webrtc.Signaler
	breaker *CircuitBreaker
}

// SignalerFallback implements [webrtc.Signaler] with failover across several
// signaling endpoints, tried in registration order. Endpoints must be added
// before the first [SignalerFallback.Exchange].
type SignalerFallback struct {
	cfg       FallbackConfig
	log       *slog.Logger
	endpoints []endpoint
}

var _ webrtc.Signaler = (*SignalerFallback)(nil)

// NewSignalerFallback creates a [SignalerFallback] with primary as the
// preferred endpoint.
func NewSignalerFallback(primary webrtc.Signaler, primaryName string, cfg FallbackConfig) *SignalerFallback {
	log := cfg.CircuitBreaker.Logger
	if log == nil {
		log = slog.Default()
	}
	f := &SignalerFallback{cfg: cfg, log: log}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers another endpoint, tried after those already added.
func (f *SignalerFallback) AddFallback(name string, s webrtc.Signaler) {
	cb := f.cfg.CircuitBreaker
	cb.Name = "signaling " + name
	f.endpoints = append(f.endpoints, endpoint{name: name, sig: s, breaker: NewCircuitBreaker(cb)})
}

// Endpoints returns the endpoint names in the order they are tried.
func (f *SignalerFallback) Endpoints() []string {
	names := make([]string, len(f.endpoints))
	for i, e := range f.endpoints {
		names[i] = e.name
	}
	return names
}

// Exchange posts offer to the first endpoint that answers. Endpoints whose
// breaker is open are skipped. A cancelled ctx stops the failover. When no
// endpoint answers the error wraps [ErrAllFailed] and every endpoint error.
func (f *SignalerFallback) Exchange(ctx context.Context, offer string) (string, error) {
	errs := []error{ErrAllFailed}
	for _, e := range f.endpoints {
		if err := ctx.Err(); err != nil {
			return "", errors.Join(append(errs, err)...)
		}
		var answer string
		err := e.breaker.Execute(func() error {
			var err error
			answer, err = e.sig.Exchange(ctx, offer)
			return err
		})
		if err == nil {
			return answer, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			f.log.Debug("signaling endpoint skipped, circuit open", "endpoint", e.name)
			continue
		}
		f.log.Warn("signaling endpoint failed", "endpoint", e.name, "err", err)
	}
	return "", errors.Join(errs...)
}
