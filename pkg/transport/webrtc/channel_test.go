package webrtc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/MrWong99/voicelink/pkg/transport"
)

type signalerFunc func(ctx context.Context, offer string) (string, error)

func (f signalerFunc) Exchange(ctx context.Context, offer string) (string, error) {
	return f(ctx, offer)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapState(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   webrtc.PeerConnectionState
		want transport.State
		ok   bool
	}{
		{webrtc.PeerConnectionStateNew, transport.StateNew, true},
		{webrtc.PeerConnectionStateConnecting, transport.StateConnecting, true},
		{webrtc.PeerConnectionStateConnected, transport.StateConnected, true},
		{webrtc.PeerConnectionStateDisconnected, transport.StateDisconnected, true},
		{webrtc.PeerConnectionStateFailed, transport.StateFailed, true},
		{webrtc.PeerConnectionStateClosed, transport.StateClosed, true},
		{webrtc.PeerConnectionState(webrtc.Unknown), transport.StateNew, false},
	}
	for _, tt := range tests {
		got, ok := mapState(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("mapState(%s) = %s, %v; want %s, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestHandlePacket(t *testing.T) {
	t.Parallel()
	c := New(signalerFunc(func(context.Context, string) (string, error) { return "", nil }))
	var got [][]byte
	c.OnAudio(func(p []byte) { got = append(got, p) })

	c.handlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{1, 2, 3}})
	c.handlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}})
	c.handlePacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 3}, Payload: []byte{4}})

	if len(got) != 2 {
		t.Fatalf("delivered %d payloads, want 2 (empty payload dropped)", len(got))
	}
	if string(got[0]) != "\x01\x02\x03" || string(got[1]) != "\x04" {
		t.Errorf("payloads = %v", got)
	}
}

func TestSend_NotOpen(t *testing.T) {
	t.Parallel()
	c := New(nil)
	if err := c.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestOpen_SignalingFailureClosesChannel(t *testing.T) {
	t.Parallel()
	sigErr := errors.New("relay down")
	var offer string
	c := New(
		signalerFunc(func(_ context.Context, o string) (string, error) {
			offer = o
			return "", sigErr
		}),
		WithSTUNServers(),
		WithLogger(quietLogger()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.Open(ctx)
	if !errors.Is(err, sigErr) {
		t.Fatalf("expected signaling error, got %v", err)
	}
	if offer == "" {
		t.Error("signaler did not receive an offer")
	}
	if err := c.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after failed Open: expected ErrNotOpen, got %v", err)
	}
	if err := c.Open(ctx); !errors.Is(err, ErrNotOpen) {
		t.Errorf("reopen: expected ErrNotOpen, got %v", err)
	}
}

func TestOpen_OfferCarriesOpusAndDataChannel(t *testing.T) {
	t.Parallel()
	var offer string
	c := New(
		signalerFunc(func(_ context.Context, o string) (string, error) {
			offer = o
			return "", errors.New("stop")
		}),
		WithSTUNServers(),
		WithLogger(quietLogger()),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Open(ctx)

	for _, want := range []string{"m=audio", "opus/48000", "m=application"} {
		if !strings.Contains(offer, want) {
			t.Errorf("offer missing %q", want)
		}
	}
}

func TestOpen_WithoutDataChannel(t *testing.T) {
	t.Parallel()
	var offer string
	c := New(
		signalerFunc(func(_ context.Context, o string) (string, error) {
			offer = o
			return "", errors.New("stop")
		}),
		WithSTUNServers(),
		WithDataChannel(""),
		WithLogger(quietLogger()),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Open(ctx)
	if strings.Contains(offer, "m=application") {
		t.Error("offer has a data channel section")
	}
}
