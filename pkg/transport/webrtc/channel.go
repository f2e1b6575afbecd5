// Package webrtc provides a [transport.Channel] backed by pion/webrtc.
//
// The channel owns one peer connection with a single bidirectional Opus audio
// track and an "events" data channel. Session negotiation is a single
// offer/answer exchange through a [Signaler]; no trickle ICE is used, so the
// offer is sent only after candidate gathering completes.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/voicelink/pkg/transport"
)

const tracerName = "github.com/MrWong99/voicelink/pkg/transport/webrtc"

// ErrNotOpen is returned by Send before Open succeeds or after Close.
var ErrNotOpen = errors.New("webrtc: channel not open")

// Compile-time interface assertion.
var _ transport.Channel = (*Channel)(nil)

// Option configures a [Channel].
type Option func(*Channel)

// WithSTUNServers sets the STUN server URLs used during ICE gathering.
// Defaults to ["stun:stun.l.google.com:19302"]. Passing none disables STUN.
func WithSTUNServers(servers ...string) Option {
	return func(c *Channel) {
		c.stunServers = servers
	}
}

// WithFrameDuration sets the playout duration attached to every sent
// payload. Defaults to 20 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(c *Channel) {
		c.frameDuration = d
	}
}

// WithDataChannel sets the label of the event data channel. Defaults to
// "events". An empty label disables the data channel.
func WithDataChannel(label string) Option {
	return func(c *Channel) {
		c.label = label
	}
}

// WithGreeting sets a text message sent on the data channel once it opens.
func WithGreeting(msg string) Option {
	return func(c *Channel) {
		c.greeting = msg
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		c.log = l
	}
}

// Channel implements [transport.Channel] over a pion peer connection.
//
// Channel is safe for concurrent use.
type Channel struct {
	signaler      Signaler
	stunServers   []string
	frameDuration time.Duration
	label         string
	greeting      string
	log           *slog.Logger

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	audioCb func([]byte)
	stateCb func(transport.State)

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a channel that negotiates through sig.
func New(sig Signaler, opts ...Option) *Channel {
	c := &Channel{
		signaler:      sig,
		stunServers:   []string{"stun:stun.l.google.com:19302"},
		frameDuration: 20 * time.Millisecond,
		label:         "events",
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "webrtc")
	return c
}

// Open implements [transport.Channel]. It creates the peer connection, waits
// for ICE gathering, exchanges the offer for an answer and applies it. On
// error the peer connection is closed and the channel cannot be reopened.
func (c *Channel) Open(ctx context.Context) error {
	if c.closed.Load() {
		return ErrNotOpen
	}
	cfg := webrtc.Configuration{}
	if len(c.stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return fmt.Errorf("webrtc: create peer connection: %w", err)
	}
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()

	if err := c.setup(ctx, pc); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *Channel) setup(ctx context.Context, pc *webrtc.PeerConnection) error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicelink",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("webrtc: add audio track: %w", err)
	}
	// RTCP must be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	c.mu.Lock()
	c.track = track
	c.mu.Unlock()

	if c.label != "" {
		dc, err := pc.CreateDataChannel(c.label, nil)
		if err != nil {
			return fmt.Errorf("webrtc: create data channel: %w", err)
		}
		dc.OnOpen(func() {
			c.log.Info("data channel open", "label", dc.Label())
			if c.greeting == "" {
				return
			}
			if err := dc.SendText(c.greeting); err != nil {
				c.log.Warn("send greeting", "err", err)
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			c.log.Debug("data channel message", "label", dc.Label(), "bytes", len(msg.Data), "text", msg.IsString)
		})
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.log.Info("remote audio track", "codec", remote.Codec().MimeType, "ssrc", uint32(remote.SSRC()))
		c.readTrack(remote)
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug("ice connection state", "state", s.String())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st, ok := mapState(s)
		if !ok {
			return
		}
		c.log.Info("peer connection state", "state", st.String())
		c.mu.Lock()
		cb := c.stateCb
		c.mu.Unlock()
		if cb != nil {
			cb(st)
		}
	})

	return c.negotiate(ctx, pc)
}

func (c *Channel) negotiate(ctx context.Context, pc *webrtc.PeerConnection) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "webrtc.negotiate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("webrtc: ice gathering: %w", ctx.Err())
	}

	local := pc.LocalDescription().SDP
	span.SetAttributes(attribute.Int("sdp.offer.bytes", len(local)))
	answer, err := c.signaler.Exchange(ctx, local)
	if err != nil {
		return fmt.Errorf("webrtc: signaling: %w", err)
	}
	span.SetAttributes(attribute.Int("sdp.answer.bytes", len(answer)))

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	return nil
}

// readTrack delivers RTP payloads until the track ends.
func (c *Channel) readTrack(remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !c.closed.Load() {
				c.log.Debug("remote track ended", "err", err)
			}
			return
		}
		c.handlePacket(pkt)
	}
}

func (c *Channel) handlePacket(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	c.mu.Lock()
	cb := c.audioCb
	c.mu.Unlock()
	if cb != nil {
		cb(pkt.Payload)
	}
}

// Send implements [transport.Channel].
func (c *Channel) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrNotOpen
	}
	c.mu.Lock()
	track := c.track
	c.mu.Unlock()
	if track == nil {
		return ErrNotOpen
	}
	if err := track.WriteSample(media.Sample{Data: payload, Duration: c.frameDuration}); err != nil {
		return fmt.Errorf("webrtc: write sample: %w", err)
	}
	return nil
}

// OnAudio implements [transport.Channel].
func (c *Channel) OnAudio(cb func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioCb = cb
}

// OnStateChange implements [transport.Channel].
func (c *Channel) OnStateChange(cb func(transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCb = cb
}

// Close implements [transport.Channel].
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.mu.Lock()
		pc := c.pc
		c.track = nil
		c.mu.Unlock()
		if pc != nil {
			if cerr := pc.Close(); cerr != nil {
				err = fmt.Errorf("webrtc: close peer connection: %w", cerr)
			}
		}
	})
	return err
}

// mapState converts a pion connection state. Unknown states are reported
// as not ok and ignored.
func mapState(s webrtc.PeerConnectionState) (transport.State, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return transport.StateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return transport.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return transport.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return transport.StateClosed, true
	default:
		return transport.StateNew, false
	}
}
