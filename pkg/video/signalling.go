package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoProducer is returned when the signalling server lists no matching
// producer
var ErrNoProducer = errors.New("video: producer not found")

// message is one GStreamer webrtcsink signalling message
type message struct {
	Type      string     `json:"type"`
	PeerID    string     `json:"peerId,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
	Producers []producer `json:"producers,omitempty"`
	SDP       *sdp       `json:"sdp,omitempty"`
	ICE       *ice       `json:"ice,omitempty"`
}

type producer struct {
	ID   string            `json:"id"`
	Meta map[string]string `json:"meta"`
}

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ice struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// signaller speaks the listener side of the signalling protocol
type signaller struct {
	ws *websocket.Conn
	mu sync.Mutex

	peerID    string
	sessionID string
}

func dialSignalling(ctx context.Context, url string) (*signaller, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signalling connect failed: %w", err)
	}
	return &signaller{ws: ws}, nil
}

// read reads one message, bounded by ctx's deadline when it has one
func (s *signaller) read(ctx context.Context) (message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = s.ws.SetReadDeadline(deadline)
	defer s.ws.SetReadDeadline(time.Time{})

	var msg message
	_, raw, err := s.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("signalling: bad message: %w", err)
	}
	return msg, nil
}

func (s *signaller) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteJSON(msg)
}

// expect reads until a message of type want arrives
func (s *signaller) expect(ctx context.Context, want string) (message, error) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			return msg, fmt.Errorf("waiting for %s: %w", want, err)
		}
		if msg.Type == want {
			return msg, nil
		}
		if msg.Type == "error" || msg.Type == "endSession" {
			return msg, fmt.Errorf("waiting for %s: got %s", want, msg.Type)
		}
	}
}

// handshake waits for the welcome, finds the producer and starts a session
func (s *signaller) handshake(ctx context.Context, name string) (string, error) {
	welcome, err := s.expect(ctx, "welcome")
	if err != nil {
		return "", err
	}
	s.peerID = welcome.PeerID

	if err := s.send(message{Type: "list"}); err != nil {
		return "", err
	}
	list, err := s.expect(ctx, "list")
	if err != nil {
		return "", err
	}
	producerID, err := pickProducer(list.Producers, name)
	if err != nil {
		return "", err
	}

	if err := s.send(message{Type: "startSession", PeerID: producerID}); err != nil {
		return "", err
	}
	started, err := s.expect(ctx, "sessionStarted")
	if err != nil {
		return "", err
	}
	s.sessionID = started.SessionID
	return producerID, nil
}

// pickProducer returns the producer whose meta name matches, or the first
// one when name is empty
func pickProducer(producers []producer, name string) (string, error) {
	for _, p := range producers {
		if name == "" || p.Meta["name"] == name {
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q among %d producers", ErrNoProducer, name, len(producers))
}

func (s *signaller) sendSDP(typ, body string) error {
	return s.send(message{Type: "peer", SessionID: s.sessionID, SDP: &sdp{Type: typ, SDP: body}})
}

func (s *signaller) sendICE(c ice) error {
	return s.send(message{Type: "peer", SessionID: s.sessionID, ICE: &c})
}

func (s *signaller) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.ws.Close()
}
