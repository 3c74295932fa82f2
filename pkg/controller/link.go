// Package controller is the client for the bin's embedded controller: a
// connect-then-handshake session over which material deposits are
// commanded and acknowledged.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// State of the controller connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Connection is a snapshot of the link
type Connection struct {
	State       State     `json:"state"`
	Token       string    `json:"token,omitempty"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Session is an established, handshaken connection
type Session struct {
	Token       string
	ConnectedAt time.Time
}

// Ack confirms a completed deposit
type Ack struct {
	Category detection.Category
	Position detection.BinPosition
	Elapsed  time.Duration
}

// Config holds link timeouts
type Config struct {
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	StepTimeout      time.Duration
}

// DefaultConfig returns the firmware's timing: a full deposit sequence
// takes about four seconds.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		AckTimeout:       15 * time.Second,
		StepTimeout:      5 * time.Second,
	}
}

// session is one live transport connection plus its reader
type session struct {
	conn        Conn
	lines       chan string
	token       string
	connectedAt time.Time
}

const lineBuffer = 32

func newSession(conn Conn, logger *slog.Logger) *session {
	s := &session{conn: conn, lines: make(chan string, lineBuffer)}
	go func() {
		defer close(s.lines)
		for {
			line, err := conn.ReadLine()
			if err != nil {
				return
			}
			select {
			case s.lines <- line:
			default:
				logger.Warn("controller line dropped, reader is behind", "line", line)
			}
		}
	}()
	return s
}

// drain discards replies left over from an earlier timed-out exchange
func (s *session) drain() {
	for {
		select {
		case _, ok := <-s.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Link owns the controller connection. It is the only writer of its state.
type Link struct {
	transport Transport
	config    Config
	logger    *slog.Logger

	mu            sync.Mutex
	state         State
	sess          *session
	gen           uint64
	connectCancel context.CancelFunc
	lastErr       string
	onState       func(State)

	// serializes exchanges on the wire
	sendMu sync.Mutex
}

// Option configures a Link
type Option func(*Link)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(k *Link) { k.logger = l }
}

// WithConfig overrides timeouts; zero fields keep their defaults
func WithConfig(c Config) Option {
	return func(k *Link) {
		if c.HandshakeTimeout > 0 {
			k.config.HandshakeTimeout = c.HandshakeTimeout
		}
		if c.AckTimeout > 0 {
			k.config.AckTimeout = c.AckTimeout
		}
		if c.StepTimeout > 0 {
			k.config.StepTimeout = c.StepTimeout
		}
	}
}

// NewLink creates a disconnected link over t
func NewLink(t Transport, opts ...Option) *Link {
	l := &Link{
		transport: t,
		config:    DefaultConfig(),
		logger:    log.Component("controller"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnStateChange registers a callback invoked after every state change.
// It runs on the goroutine that caused the change.
func (l *Link) OnStateChange(cb func(State)) {
	l.mu.Lock()
	l.onState = cb
	l.mu.Unlock()
}

// setStateLocked returns the callback to fire once the lock is released
func (l *Link) setStateLocked(s State) func() {
	if l.state == s {
		return func() {}
	}
	l.state = s
	cb := l.onState
	return func() {
		if cb != nil {
			cb(s)
		}
	}
}

// Snapshot returns the current connection state
func (l *Link) Snapshot() Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := Connection{State: l.state, Address: l.transport.String(), LastError: l.lastErr}
	if l.sess != nil {
		c.Token = l.sess.token
		c.ConnectedAt = l.sess.connectedAt
	}
	return c
}

// State returns the current state
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Connected reports whether a handshaken session is live
func (l *Link) Connected() bool {
	return l.State() == Connected
}

// Connect dials the controller and performs the PING/PONG handshake.
// A call made while another Connect is in progress is rejected with
// ErrAlreadyConnecting. When already connected the live session is
// returned.
func (l *Link) Connect(ctx context.Context) (Session, error) {
	l.mu.Lock()
	switch l.state {
	case Connecting:
		l.mu.Unlock()
		return Session{}, ErrAlreadyConnecting
	case Connected:
		s := Session{Token: l.sess.token, ConnectedAt: l.sess.connectedAt}
		l.mu.Unlock()
		return s, nil
	}
	l.gen++
	gen := l.gen
	hctx, cancel := context.WithTimeout(ctx, l.config.HandshakeTimeout)
	l.connectCancel = cancel
	notify := l.setStateLocked(Connecting)
	l.mu.Unlock()
	notify()

	defer cancel()
	l.logger.Info("connecting", "address", l.transport.String())

	sess, err := l.handshake(hctx)
	if err != nil {
		l.mu.Lock()
		if l.gen == gen {
			l.connectCancel = nil
			l.lastErr = err.Error()
			notify = l.setStateLocked(Error)
		} else {
			notify = func() {}
		}
		l.mu.Unlock()
		notify()
		l.logger.Warn("connect failed", "error", err)
		return Session{}, err
	}

	l.mu.Lock()
	if l.gen != gen {
		// Disconnect ran while we were handshaking
		l.mu.Unlock()
		sess.conn.Close()
		return Session{}, &ConnectError{Kind: ConnectTimeout, Err: context.Canceled}
	}
	l.connectCancel = nil
	l.sess = sess
	l.lastErr = ""
	notify = l.setStateLocked(Connected)
	l.mu.Unlock()
	notify()

	l.logger.Info("connected", "address", l.transport.String(), "token", sess.token)
	return Session{Token: sess.token, ConnectedAt: sess.connectedAt}, nil
}

func (l *Link) handshake(ctx context.Context) (*session, error) {
	conn, err := l.transport.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &ConnectError{Kind: ConnectTimeout, Err: err}
		}
		return nil, &ConnectError{Kind: Unreachable, Err: err}
	}

	sess := newSession(conn, l.logger)
	nonce := uuid.NewString()

	fail := func(e error) (*session, error) {
		conn.Close()
		return nil, e
	}

	if err := conn.WriteLine(PingCommand(nonce)); err != nil {
		return fail(&ConnectError{Kind: Unreachable, Err: err})
	}

	for {
		select {
		case <-ctx.Done():
			return fail(&ConnectError{Kind: ConnectTimeout, Err: errors.Join(ErrHandshakeTimeout, ctx.Err())})
		case line, ok := <-sess.lines:
			if !ok {
				return fail(&ConnectError{Kind: Unreachable, Err: ErrConnectionLost})
			}
			r := ParseReply(line)
			switch r.Kind {
			case ReplyKindPong:
				if r.Arg != "" && r.Arg != nonce {
					return fail(&ConnectError{Kind: HandshakeRejected, Reason: "nonce mismatch"})
				}
				sess.token = nonce
				sess.connectedAt = time.Now()
				return sess, nil
			case ReplyKindNak:
				return fail(&ConnectError{Kind: HandshakeRejected, Reason: r.Arg})
			default:
				l.logger.Debug("ignoring line during handshake", "line", line)
			}
		}
	}
}

// Disconnect closes the session and cancels a pending Connect. It never
// fails and is safe to call at any time, any number of times.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	if l.connectCancel != nil {
		l.connectCancel()
		l.connectCancel = nil
	}
	l.gen++
	sess := l.sess
	l.sess = nil
	notify := l.setStateLocked(Disconnected)
	l.mu.Unlock()

	if sess != nil {
		sess.conn.Close()
		l.logger.Info("disconnected", "address", l.transport.String())
	}
	notify()
	return nil
}

// fail drops sess after a transport error, if it is still current
func (l *Link) fail(sess *session, err error) {
	l.mu.Lock()
	notify := func() {}
	if l.sess == sess {
		l.sess = nil
		l.lastErr = err.Error()
		notify = l.setStateLocked(Error)
	}
	l.mu.Unlock()
	sess.conn.Close()
	notify()
	l.logger.Warn("connection lost", "error", err)
}

func (l *Link) current() (*session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected || l.sess == nil {
		return nil, &SendError{Kind: NotConnected, Err: ErrNotConnected}
	}
	return l.sess, nil
}

// SendMaterial commands a deposit into cat's compartment and waits for
// LISTO. It does not retry.
func (l *Link) SendMaterial(ctx context.Context, cat detection.Category) (Ack, error) {
	pos, err := cat.Position()
	if err != nil {
		return Ack{}, err
	}

	start := time.Now()
	if _, err := l.exchange(ctx, DepositCommand(pos), ReplyKindReady, l.config.AckTimeout); err != nil {
		l.logger.Warn("deposit failed", "category", cat, "error", err)
		return Ack{}, err
	}

	ack := Ack{Category: cat, Position: pos, Elapsed: time.Since(start)}
	l.logger.Info("deposit acknowledged", "category", cat, "pan", pos.Pan, "tilt", pos.Tilt, "elapsed", ack.Elapsed)
	return ack, nil
}

// Step moves one servo with the legacy per-axis command
func (l *Link) Step(ctx context.Context, axis Axis, degrees int) error {
	switch axis {
	case Pan:
		if degrees < PanMin || degrees > PanMax {
			return fmt.Errorf("controller: pan %d out of range", degrees)
		}
	case Tilt:
		if degrees < TiltMin || degrees > TiltMax {
			return fmt.Errorf("controller: tilt %d out of range", degrees)
		}
	default:
		return fmt.Errorf("controller: unknown axis %q", axis)
	}
	_, err := l.exchange(ctx, StepCommand(axis, degrees), ReplyKindOK, l.config.StepTimeout)
	return err
}

// exchange writes cmd and waits for a reply of kind want
func (l *Link) exchange(ctx context.Context, cmd string, want ReplyKind, timeout time.Duration) (Reply, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	sess, err := l.current()
	if err != nil {
		return Reply{}, err
	}

	sess.drain()
	l.logger.Debug("send", "command", cmd)
	if err := sess.conn.WriteLine(cmd); err != nil {
		l.fail(sess, err)
		return Reply{}, &SendError{Kind: NotConnected, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Reply{}, &SendError{Kind: SendTimeout, Err: ctx.Err()}
		case <-timer.C:
			return Reply{}, &SendError{Kind: SendTimeout, Err: ErrAckTimeout}
		case line, ok := <-sess.lines:
			if !ok {
				l.fail(sess, ErrConnectionLost)
				return Reply{}, &SendError{Kind: NotConnected, Err: ErrConnectionLost}
			}
			r := ParseReply(line)
			switch {
			case r.Kind == want:
				return r, nil
			case r.Kind == ReplyKindNak:
				return Reply{}, &SendError{Kind: Nak, Reason: r.Arg}
			default:
				l.logger.Debug("controller progress", "line", line)
			}
		}
	}
}
