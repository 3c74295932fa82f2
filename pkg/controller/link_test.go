package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// fakeConn is an in-memory controller session. respond maps each written
// line to the replies the firmware would send.
type fakeConn struct {
	respond func(line string) []string

	in       chan string
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	received []string
}

func newFakeConn(respond func(string) []string) *fakeConn {
	return &fakeConn{respond: respond, in: make(chan string, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadLine() (string, error) {
	select {
	case l := <-c.in:
		return l, nil
	case <-c.done:
		return "", io.EOF
	}
}

func (c *fakeConn) WriteLine(line string) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	c.received = append(c.received, line)
	c.mu.Unlock()
	if c.respond != nil {
		for _, r := range c.respond(line) {
			c.in <- r
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the radio link going away
func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

type fakeTransport struct {
	dial  func(ctx context.Context) (Conn, error)
	dials atomic.Int32
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.dials.Add(1)
	return t.dial(ctx)
}

func (t *fakeTransport) String() string { return "fake://controller" }

// firmware answers like the real bin
func firmware(line string) []string {
	cmd := ParseCommand(line)
	switch cmd.Name {
	case CmdPing:
		return []string{"hello from bin", pingReply(cmd.Arg)}
	case CmdDeposit:
		return []string{"moving", ReplyReady}
	case CmdPan, CmdTilt:
		return []string{ReplyOK}
	}
	return []string{ReplyError + ":unknown"}
}

func pingReply(nonce string) string {
	if nonce == "" {
		return ReplyPong
	}
	return ReplyPong + ":" + nonce
}

func connTransport(conn *fakeConn) *fakeTransport {
	return &fakeTransport{dial: func(context.Context) (Conn, error) { return conn, nil }}
}

func newTestLink(t Transport, cfg Config) *Link {
	return NewLink(t, WithLogger(log.Discard()), WithConfig(cfg))
}

func fastConfig() Config {
	return Config{HandshakeTimeout: 200 * time.Millisecond, AckTimeout: 200 * time.Millisecond, StepTimeout: 200 * time.Millisecond}
}

func TestConnectHandshake(t *testing.T) {
	conn := newFakeConn(firmware)
	link := newTestLink(connTransport(conn), fastConfig())

	var states []State
	var mu sync.Mutex
	link.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	sess, err := link.Connect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.True(t, link.Connected())

	snap := link.Snapshot()
	assert.Equal(t, Connected, snap.State)
	assert.Equal(t, sess.Token, snap.Token)
	assert.Equal(t, "fake://controller", snap.Address)

	require.Len(t, conn.Received(), 1)
	assert.Equal(t, "PING:"+sess.Token, conn.Received()[0])

	mu.Lock()
	assert.Equal(t, []State{Connecting, Connected}, states)
	mu.Unlock()
}

func TestConnectLegacyPong(t *testing.T) {
	conn := newFakeConn(func(line string) []string { return []string{ReplyPong} })
	link := newTestLink(connTransport(conn), fastConfig())

	_, err := link.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, link.State())
}

func TestConnectWhenConnectedReturnsSession(t *testing.T) {
	conn := newFakeConn(firmware)
	tr := connTransport(conn)
	link := newTestLink(tr, fastConfig())

	first, err := link.Connect(context.Background())
	require.NoError(t, err)
	second, err := link.Connect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, int32(1), tr.dials.Load())
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		dial    func(ctx context.Context) (Conn, error)
		kind    ConnectErrorKind
		wrapped error
	}{
		{
			name: "unreachable",
			dial: func(context.Context) (Conn, error) { return nil, errors.New("no route to host") },
			kind: Unreachable,
		},
		{
			name: "silent controller times out",
			dial: func(context.Context) (Conn, error) {
				return newFakeConn(func(string) []string { return []string{"booting"} }), nil
			},
			kind:    ConnectTimeout,
			wrapped: ErrHandshakeTimeout,
		},
		{
			name: "nak rejects",
			dial: func(context.Context) (Conn, error) {
				return newFakeConn(func(string) []string { return []string{"NAK:busy"} }), nil
			},
			kind: HandshakeRejected,
		},
		{
			name: "wrong nonce rejects",
			dial: func(context.Context) (Conn, error) {
				return newFakeConn(func(string) []string { return []string{"PONG:someone-else"} }), nil
			},
			kind: HandshakeRejected,
		},
		{
			name: "closed during handshake",
			dial: func(context.Context) (Conn, error) {
				c := newFakeConn(nil)
				c.respond = func(string) []string { c.drop(); return nil }
				return c, nil
			},
			kind:    Unreachable,
			wrapped: ErrConnectionLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newTestLink(&fakeTransport{dial: tt.dial}, fastConfig())

			_, err := link.Connect(context.Background())
			require.Error(t, err)
			assert.True(t, IsConnectKind(err, tt.kind), "got %v", err)
			if tt.wrapped != nil {
				assert.ErrorIs(t, err, tt.wrapped)
			}
			assert.Equal(t, Error, link.State())
			assert.NotEmpty(t, link.Snapshot().LastError)
		})
	}
}

func TestConnectRecoversAfterFailure(t *testing.T) {
	var attempt atomic.Int32
	tr := &fakeTransport{dial: func(context.Context) (Conn, error) {
		if attempt.Add(1) == 1 {
			return nil, errors.New("refused")
		}
		return newFakeConn(firmware), nil
	}}
	link := newTestLink(tr, fastConfig())

	_, err := link.Connect(context.Background())
	require.Error(t, err)

	_, err = link.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, link.Connected())
}

func TestConcurrentConnectRejected(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{dial: func(ctx context.Context) (Conn, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return newFakeConn(firmware), nil
	}}
	link := newTestLink(tr, Config{HandshakeTimeout: 2 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := link.Connect(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return link.State() == Connecting }, time.Second, 5*time.Millisecond)

	_, err := link.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnecting)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), tr.dials.Load())
}

func TestDisconnectAbortsConnect(t *testing.T) {
	tr := &fakeTransport{dial: func(ctx context.Context) (Conn, error) {
		return newFakeConn(nil), nil
	}}
	link := newTestLink(tr, Config{HandshakeTimeout: 5 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := link.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return link.State() == Connecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, link.Disconnect())

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsConnectKind(err, ConnectTimeout))
	case <-time.After(time.Second):
		t.Fatal("connect not aborted by disconnect")
	}
	assert.Equal(t, Disconnected, link.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	conn := newFakeConn(firmware)
	link := newTestLink(connTransport(conn), fastConfig())

	require.NoError(t, link.Disconnect())
	assert.Equal(t, Disconnected, link.State())

	_, err := link.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, link.Disconnect())
	require.NoError(t, link.Disconnect())
	assert.Equal(t, Disconnected, link.State())
	assert.Empty(t, link.Snapshot().Token)

	_, err = conn.ReadLine()
	assert.Error(t, err, "session closed")
}

func TestSendMaterial(t *testing.T) {
	tests := []struct {
		category detection.Category
		command  string
	}{
		{detection.Plastic, "DEPOSITAR:-30,-45"},
		{detection.Metal, "DEPOSITAR:-30,-45"},
		{detection.Paper, "DEPOSITAR:-30,45"},
		{detection.Glass, "DEPOSITAR:59,-45"},
		{detection.Organic, "DEPOSITAR:59,-45"},
		{detection.General, "DEPOSITAR:59,45"},
	}

	for _, tt := range tests {
		t.Run(tt.category.String(), func(t *testing.T) {
			conn := newFakeConn(firmware)
			link := newTestLink(connTransport(conn), fastConfig())
			_, err := link.Connect(context.Background())
			require.NoError(t, err)

			ack, err := link.SendMaterial(context.Background(), tt.category)
			require.NoError(t, err)
			assert.Equal(t, tt.category, ack.Category)

			got := conn.Received()
			require.Len(t, got, 2)
			assert.Equal(t, tt.command, got[1])
		})
	}
}

func TestSendMaterialNotConnected(t *testing.T) {
	link := newTestLink(connTransport(newFakeConn(firmware)), fastConfig())

	_, err := link.SendMaterial(context.Background(), detection.Glass)
	require.Error(t, err)
	assert.True(t, IsSendKind(err, NotConnected))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendMaterialErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply func(conn *fakeConn) []string
		kind  SendErrorKind
		state State
	}{
		{
			name:  "nak",
			reply: func(*fakeConn) []string { return []string{"NAK:jammed"} },
			kind:  Nak,
			state: Connected,
		},
		{
			name:  "error reply",
			reply: func(*fakeConn) []string { return []string{"ERROR"} },
			kind:  Nak,
			state: Connected,
		},
		{
			name:  "no ack",
			reply: func(*fakeConn) []string { return []string{"moving"} },
			kind:  SendTimeout,
			state: Connected,
		},
		{
			name:  "link drops",
			reply: func(c *fakeConn) []string { c.drop(); return nil },
			kind:  NotConnected,
			state: Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn(nil)
			conn.respond = func(line string) []string {
				if ParseCommand(line).Name == CmdPing {
					return firmware(line)
				}
				return tt.reply(conn)
			}
			link := newTestLink(connTransport(conn), fastConfig())
			_, err := link.Connect(context.Background())
			require.NoError(t, err)

			_, err = link.SendMaterial(context.Background(), detection.Metal)
			require.Error(t, err)
			assert.True(t, IsSendKind(err, tt.kind), "got %v", err)
			assert.Equal(t, tt.state, link.State())
		})
	}
}

func TestSendMaterialNakReason(t *testing.T) {
	conn := newFakeConn(nil)
	conn.respond = func(line string) []string {
		if ParseCommand(line).Name == CmdPing {
			return firmware(line)
		}
		return []string{"NAK:jammed"}
	}
	link := newTestLink(connTransport(conn), fastConfig())
	_, err := link.Connect(context.Background())
	require.NoError(t, err)

	_, err = link.SendMaterial(context.Background(), detection.Paper)
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "jammed", se.Reason)
}

func TestSendMaterialContextCancel(t *testing.T) {
	conn := newFakeConn(nil)
	conn.respond = func(line string) []string {
		if ParseCommand(line).Name == CmdPing {
			return firmware(line)
		}
		return nil
	}
	link := newTestLink(connTransport(conn), Config{AckTimeout: 10 * time.Second})
	_, err := link.Connect(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = link.SendMaterial(ctx, detection.Glass)
	assert.True(t, IsSendKind(err, SendTimeout))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStaleReplyNotTakenAsAck(t *testing.T) {
	var calls atomic.Int32
	conn := newFakeConn(nil)
	conn.respond = func(line string) []string {
		if ParseCommand(line).Name == CmdPing {
			return firmware(line)
		}
		if calls.Add(1) == 1 {
			return nil
		}
		return []string{ReplyReady}
	}
	link := newTestLink(connTransport(conn), fastConfig())
	_, err := link.Connect(context.Background())
	require.NoError(t, err)

	_, err = link.SendMaterial(context.Background(), detection.Glass)
	require.True(t, IsSendKind(err, SendTimeout))

	// A late LISTO from the first command arrives before the second is sent
	conn.in <- ReplyReady
	time.Sleep(20 * time.Millisecond)

	_, err = link.SendMaterial(context.Background(), detection.Glass)
	require.NoError(t, err)
}

func TestStep(t *testing.T) {
	conn := newFakeConn(firmware)
	link := newTestLink(connTransport(conn), fastConfig())
	_, err := link.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, link.Step(context.Background(), Pan, 90))
	require.NoError(t, link.Step(context.Background(), Tilt, -45))
	assert.Equal(t, []string{"GIRO:90", "INCL:-45"}, conn.Received()[1:])

	assert.Error(t, link.Step(context.Background(), Pan, 200))
	assert.Error(t, link.Step(context.Background(), Tilt, 46))
	assert.Error(t, link.Step(context.Background(), Axis("ZOOM"), 1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "state(7)", State(7).String())

	b, err := Connected.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "connected", string(b))
}
