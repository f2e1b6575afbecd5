package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicelink/pkg/transport/webrtc"
)

// ErrSignalerNotRegistered is returned by [Registry.CreateSignaler] when no
// factory has been registered under the requested mode.
var ErrSignalerNotRegistered = errors.New("config: signaler not registered")

// SignalerFactory builds a [webrtc.Signaler] from its config section.
type SignalerFactory func(SignalingConfig) (webrtc.Signaler, error)

// Registry maps signaling modes to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	signalers map[SignalingMode]SignalerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		signalers: make(map[SignalingMode]SignalerFactory),
	}
}

// RegisterSignaler registers a signaler factory under mode.
// Subsequent calls with the same mode overwrite the previous registration.
func (r *Registry) RegisterSignaler(mode SignalingMode, factory SignalerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signalers[mode] = factory
}

// CreateSignaler instantiates the signaler registered under cfg.Mode.
// Returns [ErrSignalerNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateSignaler(cfg SignalingConfig) (webrtc.Signaler, error) {
	r.mu.RLock()
	factory, ok := r.signalers[cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSignalerNotRegistered, cfg.Mode)
	}
	return factory(cfg)
}
