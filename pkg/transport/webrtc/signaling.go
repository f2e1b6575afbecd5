package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultMaxAnswerBytes caps the size of an SDP answer read from a signaling
// endpoint.
const DefaultMaxAnswerBytes = 64 << 10

// Signaler exchanges the local SDP offer for the remote SDP answer.
type Signaler interface {
	Exchange(ctx context.Context, offer string) (answer string, err error)
}

// StatusError is returned when the signaling endpoint answers with an
// unexpected HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webrtc: signaling returned %d: %s", e.StatusCode, e.Body)
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// HTTPSignaler POSTs the offer as application/sdp and reads the answer from
// the response body. Both 201 Created and 200 OK are accepted.
type HTTPSignaler struct {
	// URL is the signaling endpoint.
	URL string

	// Token, when set, is sent as a bearer token.
	Token string

	// Client defaults to [http.DefaultClient].
	Client *http.Client

	// MaxAnswerBytes defaults to [DefaultMaxAnswerBytes].
	MaxAnswerBytes int64
}

var _ Signaler = (*HTTPSignaler)(nil)

// Exchange implements [Signaler].
func (s *HTTPSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader([]byte(offer)))
	if err != nil {
		return "", fmt.Errorf("webrtc: build signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webrtc: signaling request: %w", err)
	}
	defer resp.Body.Close()

	limit := s.MaxAnswerBytes
	if limit <= 0 {
		limit = DefaultMaxAnswerBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("webrtc: read signaling response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		if int64(len(body)) > 512 {
			body = body[:512]
		}
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if int64(len(body)) > limit {
		return "", fmt.Errorf("webrtc: answer exceeds %d bytes", limit)
	}
	if len(body) == 0 {
		return "", errors.New("webrtc: empty answer")
	}
	return string(body), nil
}

// ─── WebSocket ───────────────────────────────────────────────────────────────

// signalMessage is the JSON envelope exchanged with a WebSocket relay.
type signalMessage struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp,omitempty"`
	Message string `json:"message,omitempty"`
}

// WebSocketSignaler sends {"type":"offer","sdp":...} to a relay and waits for
// the matching {"type":"answer","sdp":...}. Messages of other types are
// ignored; {"type":"error"} aborts the exchange.
type WebSocketSignaler struct {
	// URL is the ws:// or wss:// relay endpoint.
	URL string

	// Token, when set, is sent as a bearer token on the upgrade request.
	Token string

	// MaxAnswerBytes defaults to [DefaultMaxAnswerBytes].
	MaxAnswerBytes int64
}

var _ Signaler = (*WebSocketSignaler)(nil)

// Exchange implements [Signaler].
func (s *WebSocketSignaler) Exchange(ctx context.Context, offer string) (string, error) {
	opts := &websocket.DialOptions{}
	if s.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.Token}}
	}
	conn, _, err := websocket.Dial(ctx, s.URL, opts)
	if err != nil {
		return "", fmt.Errorf("webrtc: dial signaling relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "signaling done")

	limit := s.MaxAnswerBytes
	if limit <= 0 {
		limit = DefaultMaxAnswerBytes
	}
	conn.SetReadLimit(limit)

	out, err := json.Marshal(signalMessage{Type: "offer", SDP: offer})
	if err != nil {
		return "", fmt.Errorf("webrtc: encode offer: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
		return "", fmt.Errorf("webrtc: send offer: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("webrtc: read answer: %w", err)
		}
		var msg signalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", fmt.Errorf("webrtc: decode relay message: %w", err)
		}
		switch msg.Type {
		case "answer":
			if msg.SDP == "" {
				return "", errors.New("webrtc: empty answer")
			}
			return msg.SDP, nil
		case "error":
			return "", fmt.Errorf("webrtc: relay error: %s", msg.Message)
		}
	}
}
