// Package port defines the blocking capture and playback contracts the audio
// loop runs against, and a PortAudio-backed implementation of both.
//
// Reads and writes are the only suspension points of the per-frame loop. A
// transfer blocks until the hardware completes it or the configured maximum
// wait elapses.
package port

import (
	"context"
	"errors"
)

var (
	// ErrTimeout is returned when a transfer does not complete within the
	// maximum wait.
	ErrTimeout = errors.New("port: transfer exceeded max wait")

	// ErrClosed is returned by transfers on a closed device.
	ErrClosed = errors.New("port: device closed")

	// ErrShortBuffer is returned when the caller's buffer cannot hold one
	// hardware frame.
	ErrShortBuffer = errors.New("port: buffer smaller than one frame")
)

// Capture reads little-endian 16-bit PCM from an input device.
//
// Read blocks until one hardware frame has been transferred into p and
// returns the number of bytes written.
type Capture interface {
	Read(ctx context.Context, p []byte) (int, error)
}

// Playback writes little-endian 16-bit PCM to an output device.
//
// Write blocks until p has been handed to the hardware and returns the
// number of bytes consumed.
type Playback interface {
	Write(ctx context.Context, p []byte) (int, error)
}
