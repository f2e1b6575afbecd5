package codec

// Built against the system libopus through pkg-config.

/*
#cgo pkg-config: opus
#include <opus.h>

// opus_encoder_ctl is variadic, so every request gets a fixed-arity wrapper.
static int vl_set_bitrate(OpusEncoder *e, opus_int32 v) { return opus_encoder_ctl(e, OPUS_SET_BITRATE(v)); }
static int vl_set_vbr(OpusEncoder *e, opus_int32 v) { return opus_encoder_ctl(e, OPUS_SET_VBR(v)); }
static int vl_set_vbr_constraint(OpusEncoder *e, opus_int32 v) { return opus_encoder_ctl(e, OPUS_SET_VBR_CONSTRAINT(v)); }
static int vl_set_complexity(OpusEncoder *e, opus_int32 v) { return opus_encoder_ctl(e, OPUS_SET_COMPLEXITY(v)); }
static int vl_set_signal(OpusEncoder *e, opus_int32 v) { return opus_encoder_ctl(e, OPUS_SET_SIGNAL(v)); }
static int vl_set_force_channels(OpusEncoder *e, opus_int32 v) { return opus_encoder_ctl(e, OPUS_SET_FORCE_CHANNELS(v)); }

static int vl_get_bitrate(OpusEncoder *e, opus_int32 *v) { return opus_encoder_ctl(e, OPUS_GET_BITRATE(v)); }
static int vl_get_vbr(OpusEncoder *e, opus_int32 *v) { return opus_encoder_ctl(e, OPUS_GET_VBR(v)); }
static int vl_get_vbr_constraint(OpusEncoder *e, opus_int32 *v) { return opus_encoder_ctl(e, OPUS_GET_VBR_CONSTRAINT(v)); }
static int vl_get_complexity(OpusEncoder *e, opus_int32 *v) { return opus_encoder_ctl(e, OPUS_GET_COMPLEXITY(v)); }
static int vl_get_signal(OpusEncoder *e, opus_int32 *v) { return opus_encoder_ctl(e, OPUS_GET_SIGNAL(v)); }
static int vl_get_force_channels(OpusEncoder *e, opus_int32 *v) { return opus_encoder_ctl(e, OPUS_GET_FORCE_CHANNELS(v)); }
*/
import "C"

import (
	"errors"
	"fmt"
	"unsafe"
)

var errEncoderClosed = errors.New("codec: encoder is closed")

// opusAuto is OPUS_AUTO, the value libopus reports for "let the encoder
// decide" in signal and force-channel requests.
const opusAuto = int(C.OPUS_AUTO)

// ctl is one named encoder request.
type ctl struct {
	name string
	call func() C.int
}

// runCtls issues reqs in order and stops at the first one libopus rejects.
func runCtls(verb string, reqs []ctl) error {
	for _, r := range reqs {
		if code := r.call(); code != C.OPUS_OK {
			return opusError(verb+" "+r.name, code)
		}
	}
	return nil
}

// opusEncoder owns one libopus encoder state.
type opusEncoder struct {
	st *C.OpusEncoder
}

func opusError(op string, code C.int) error {
	return fmt.Errorf("opus: %s: %s", op, C.GoString(C.opus_strerror(code)))
}

func newOpusEncoder(sampleRate, channels int, app Application) (*opusEncoder, error) {
	var code C.int
	st := C.opus_encoder_create(C.opus_int32(sampleRate), C.int(channels), app.opus(), &code)
	if code != C.OPUS_OK {
		return nil, opusError("create encoder", code)
	}
	return &opusEncoder{st: st}, nil
}

// configure applies every encoder setting of cfg.
func (e *opusEncoder) configure(cfg Config) error {
	if e.st == nil {
		return errEncoderClosed
	}
	vbr, constraint := 0, 0
	if cfg.VBR {
		vbr = 1
	}
	if cfg.ConstrainedVBR {
		constraint = 1
	}
	force := opusAuto
	if cfg.ForceChannels > 0 {
		force = cfg.ForceChannels
	}
	reqs := []ctl{
		{"complexity", func() C.int { return C.vl_set_complexity(e.st, C.opus_int32(cfg.Complexity)) }},
		{"signal", func() C.int { return C.vl_set_signal(e.st, cfg.Signal.opus()) }},
		{"vbr", func() C.int { return C.vl_set_vbr(e.st, C.opus_int32(vbr)) }},
		{"vbr constraint", func() C.int { return C.vl_set_vbr_constraint(e.st, C.opus_int32(constraint)) }},
		{"force channels", func() C.int { return C.vl_set_force_channels(e.st, C.opus_int32(force)) }},
	}
	if cfg.Bitrate > 0 {
		reqs = append(reqs, ctl{"bitrate", func() C.int { return C.vl_set_bitrate(e.st, C.opus_int32(cfg.Bitrate)) }})
	}
	return runCtls("set", reqs)
}

// encoderSettings is what libopus reports back for the configured requests.
type encoderSettings struct {
	Bitrate        int
	VBR            bool
	ConstrainedVBR bool
	Complexity     int
	Signal         int
	ForceChannels  int
}

func (e *opusEncoder) settings() (encoderSettings, error) {
	if e.st == nil {
		return encoderSettings{}, errEncoderClosed
	}
	var bitrate, vbr, constraint, complexity, signal, force C.opus_int32
	gets := []ctl{
		{"bitrate", func() C.int { return C.vl_get_bitrate(e.st, &bitrate) }},
		{"vbr", func() C.int { return C.vl_get_vbr(e.st, &vbr) }},
		{"vbr constraint", func() C.int { return C.vl_get_vbr_constraint(e.st, &constraint) }},
		{"complexity", func() C.int { return C.vl_get_complexity(e.st, &complexity) }},
		{"signal", func() C.int { return C.vl_get_signal(e.st, &signal) }},
		{"force channels", func() C.int { return C.vl_get_force_channels(e.st, &force) }},
	}
	if err := runCtls("get", gets); err != nil {
		return encoderSettings{}, err
	}
	return encoderSettings{
		Bitrate:        int(bitrate),
		VBR:            vbr == 1,
		ConstrainedVBR: constraint == 1,
		Complexity:     int(complexity),
		Signal:         int(signal),
		ForceChannels:  int(force),
	}, nil
}

// encode writes one packet for frameSize samples per channel into buf and
// returns its length.
func (e *opusEncoder) encode(pcm []int16, frameSize int, buf []byte) (int, error) {
	if e.st == nil {
		return 0, errEncoderClosed
	}
	n := C.opus_encode(e.st,
		(*C.opus_int16)(unsafe.Pointer(&pcm[0])), C.int(frameSize),
		(*C.uchar)(unsafe.Pointer(&buf[0])), C.opus_int32(len(buf)))
	if n < 0 {
		return 0, opusError("encode", C.int(n))
	}
	return int(n), nil
}

func (e *opusEncoder) close() {
	if e.st != nil {
		C.opus_encoder_destroy(e.st)
		e.st = nil
	}
}

func (a Application) opus() C.int {
	switch a {
	case AppAudio:
		return C.OPUS_APPLICATION_AUDIO
	case AppLowDelay:
		return C.OPUS_APPLICATION_RESTRICTED_LOWDELAY
	default:
		return C.OPUS_APPLICATION_VOIP
	}
}

func (s Signal) opus() C.opus_int32 {
	switch s {
	case SignalVoice:
		return C.OPUS_SIGNAL_VOICE
	case SignalMusic:
		return C.OPUS_SIGNAL_MUSIC
	default:
		return C.OPUS_AUTO
	}
}

// opusSignal reports the libopus value for s, for comparison with
// encoderSettings.Signal.
func opusSignal(s Signal) int { return int(s.opus()) }
