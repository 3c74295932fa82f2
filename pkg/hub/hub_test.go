package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/protocol"
)

type frame struct {
	kind int
	data []byte
}

// fakeConn feeds queued reads to the client and records writes
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 4), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, frame{kind, append([]byte(nil), data...)})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}
func (f *fakeConn) Close() error { f.once.Do(func() { close(f.closed) }); return nil }

func (f *fakeConn) Writes() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.writes...)
}

func (f *fakeConn) texts() []protocol.MessageType {
	var out []protocol.MessageType
	for _, w := range f.Writes() {
		if w.kind != websocket.TextMessage {
			continue
		}
		if msg, err := protocol.ParseMessage(w.data); err == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test", WithLogger(log.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)
	t.Cleanup(cancel)
	return h, cancel
}

func connect(t *testing.T, h *Hub, want int) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go h.Serve(conn)
	require.Eventually(t, func() bool { return h.ClientCount() == want }, time.Second, time.Millisecond)
	return conn
}

func publish(t *testing.T, h *Hub, typ protocol.MessageType, data interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(typ, data)
	require.NoError(t, err)
	require.NoError(t, h.Publish(msg))
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, _ := startHub(t)
	a := connect(t, h, 1)
	b := connect(t, h, 2)

	publish(t, h, protocol.TypeStability, protocol.StabilityData{Phase: "accumulating"})
	h.BroadcastBinary([]byte{0xFF, 0xD8})

	for _, c := range []*fakeConn{a, b} {
		require.Eventually(t, func() bool { return len(c.Writes()) == 2 }, time.Second, time.Millisecond)
		w := c.Writes()
		assert.Equal(t, websocket.TextMessage, w[0].kind)
		assert.Equal(t, websocket.BinaryMessage, w[1].kind)
	}
}

func TestRetainedStateReplayedToNewClients(t *testing.T) {
	h, _ := startHub(t)

	publish(t, h, protocol.TypeConnection, protocol.ConnectionData{State: "connecting"})
	publish(t, h, protocol.TypeStability, protocol.StabilityData{Phase: "empty"})
	publish(t, h, protocol.TypeConnection, protocol.ConnectionData{State: "connected"})
	require.NoError(t, h.BroadcastJSON(map[string]string{"note": "not retained"}))
	h.BroadcastBinary([]byte{1})

	// Let the hub drain the queue before anyone connects
	time.Sleep(20 * time.Millisecond)

	late := connect(t, h, 1)
	require.Eventually(t, func() bool { return len(late.Writes()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.TypeConnection, protocol.TypeStability}, late.texts())

	msg, err := protocol.ParseMessage(late.Writes()[0].data)
	require.NoError(t, err)
	data, err := msg.GetConnectionData()
	require.NoError(t, err)
	assert.Equal(t, "connected", data.State, "latest value wins")
}

func TestPingAnsweredWithPong(t *testing.T) {
	h, _ := startHub(t)
	c := connect(t, h, 1)

	ping, err := protocol.NewPingMessage("p-1", time.Now().UnixMilli())
	require.NoError(t, err)
	raw, err := ping.Bytes()
	require.NoError(t, err)
	c.in <- raw
	c.in <- []byte("garbage")

	require.Eventually(t, func() bool { return len(c.texts()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.MessageType{protocol.TypePong}, c.texts())
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h, _ := startHub(t)
	c := connect(t, h, 1)
	c.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	h, cancel := startHub(t)
	c := connect(t, h, 1)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	assert.False(t, h.IsRunning())
	assert.Zero(t, h.ClientCount())

	select {
	case <-c.closed:
	case <-time.After(time.Second):
		t.Fatal("client connection left open")
	}

	// Serving after shutdown closes the connection immediately
	late := newFakeConn()
	h.Serve(late)
	select {
	case <-late.closed:
	default:
		t.Fatal("late connection not closed")
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := New("idle", WithLogger(log.Discard()))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			h.BroadcastBinary([]byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
	assert.Equal(t, uint64(300-256), h.Dropped())
}
