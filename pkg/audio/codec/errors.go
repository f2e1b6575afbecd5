package codec

import (
	"errors"
	"fmt"
)

// ErrEncode is wrapped by every error returned from [Encoder.Encode].
var ErrEncode = errors.New("codec: encode failed")

// ErrEmptyPayload is the cause of a [DecodeError] for a zero-length packet.
var ErrEmptyPayload = errors.New("codec: empty payload")

// DecodeError reports a payload the decoder rejected. The output frame has
// already been filled according to Policy when this error is returned.
type DecodeError struct {
	// Policy is the failure policy that was applied.
	Policy FailurePolicy

	// PayloadLen is the size of the rejected packet.
	PayloadLen int

	// Err is the underlying cause.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %d byte payload (%s): %v", e.PayloadLen, e.Policy, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Skip reports whether the caller must drop the frame instead of playing it.
func (e *DecodeError) Skip() bool { return e.Policy == FailSkip }
