package sim

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name     string
		behavior Behavior
		line     string
		want     []string
	}{
		{"ping", Behavior{}, "PING:n1", []string{"PONG:n1"}},
		{"bare ping", Behavior{}, "PING", []string{"PONG"}},
		{"legacy pong", Behavior{LegacyPong: true}, "PING:n1", []string{"PONG"}},
		{"rejected", Behavior{RejectHandshake: true}, "PING:n1", []string{"NAK:busy"}},
		{"deposit", Behavior{}, "DEPOSITAR:59,-45", []string{"moviendo a 59,-45", "LISTO"}},
		{"deposit out of range", Behavior{}, "DEPOSITAR:200,0", nil},
		{"nak", Behavior{NakReason: "jammed"}, "DEPOSITAR:59,-45", []string{"NAK:jammed"}},
		{"silent", Behavior{Silent: true}, "DEPOSITAR:59,-45", []string{}},
		{"pan", Behavior{}, "GIRO:90", []string{"moviendo", "OK"}},
		{"unknown", Behavior{}, "FOO", []string{"ERROR:unknown command"}},
		{"blank", Behavior{}, "   ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(WithLogger(log.Discard()), WithBehavior(tt.behavior))
			got := texts(s.Handle(tt.line))
			if tt.want == nil {
				require.Len(t, got, 1)
				assert.Contains(t, got[0], "ERROR:")
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleTracksPosition(t *testing.T) {
	s := New(WithLogger(log.Discard()))

	s.Handle("DEPOSITAR:-30,45")
	assert.Equal(t, detection.BinPosition{Pan: -30, Tilt: 45}, s.Position())
	assert.Equal(t, 1, s.Deposits())

	s.Handle("GIRO:10")
	s.Handle("INCL:-5")
	assert.Equal(t, detection.BinPosition{Pan: 10, Tilt: -5}, s.Position())
	assert.Equal(t, 1, s.Deposits())

	s.SetBehavior(Behavior{NakReason: "x"})
	s.Handle("DEPOSITAR:59,45")
	assert.Equal(t, 1, s.Deposits(), "nak does not move")
	assert.Equal(t, []string{"DEPOSITAR:-30,45", "GIRO:10", "INCL:-5", "DEPOSITAR:59,45"}, s.Commands())
}

func TestLatencyOnFinalReply(t *testing.T) {
	s := New(WithLogger(log.Discard()), WithBehavior(Behavior{Latency: 250 * time.Millisecond}))
	lines := s.Handle("DEPOSITAR:59,45")
	require.Len(t, lines, 2)
	assert.Zero(t, lines[0].Delay)
	assert.Equal(t, 250*time.Millisecond, lines[1].Delay)
}

func startWebSocket(t *testing.T, s *Simulator) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	app := s.NewApp()
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })

	return "ws://" + ln.Addr().String() + "/ws"
}

func startTCP(t *testing.T, s *Simulator) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.ServeTCP(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestLinkOverTransports(t *testing.T) {
	tests := []struct {
		name      string
		transport func(t *testing.T, s *Simulator) controller.Transport
	}{
		{"websocket", func(t *testing.T, s *Simulator) controller.Transport {
			return controller.NewWebSocketTransport(startWebSocket(t, s))
		}},
		{"tcp", func(t *testing.T, s *Simulator) controller.Transport {
			return controller.NewTCPTransport(startTCP(t, s))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(WithLogger(log.Discard()), WithBehavior(Behavior{Latency: 20 * time.Millisecond}))
			link := controller.NewLink(tt.transport(t, s), controller.WithLogger(log.Discard()))

			ctx := context.Background()
			var err error
			require.Eventually(t, func() bool {
				_, err = link.Connect(ctx)
				return err == nil
			}, 2*time.Second, 50*time.Millisecond, "connect: %v", err)
			defer link.Disconnect()

			ack, err := link.SendMaterial(ctx, detection.Glass)
			require.NoError(t, err)
			assert.Equal(t, detection.Glass, ack.Category)
			assert.GreaterOrEqual(t, ack.Elapsed, 20*time.Millisecond)

			assert.Equal(t, 1, s.Deposits())
			assert.Equal(t, detection.BinPosition{Pan: 59, Tilt: -45}, s.Position())

			require.NoError(t, link.Step(ctx, controller.Pan, 0))
			assert.Equal(t, 0, s.Position().Pan)

			s.SetBehavior(Behavior{NakReason: "jammed"})
			_, err = link.SendMaterial(ctx, detection.Paper)
			assert.True(t, controller.IsSendKind(err, controller.Nak))
			assert.True(t, link.Connected(), "nak keeps the session")
		})
	}
}

func TestRejectedHandshakeOverWebSocket(t *testing.T) {
	s := New(WithLogger(log.Discard()), WithBehavior(Behavior{RejectHandshake: true}))
	url := startWebSocket(t, s)
	link := controller.NewLink(controller.NewWebSocketTransport(url), controller.WithLogger(log.Discard()))

	var err error
	require.Eventually(t, func() bool {
		_, err = link.Connect(context.Background())
		return controller.IsConnectKind(err, controller.HandshakeRejected)
	}, 2*time.Second, 50*time.Millisecond, "last error: %v", err)
	assert.Equal(t, controller.Error, link.State())
}

func TestLostConnectionOverTCP(t *testing.T) {
	s := New(WithLogger(log.Discard()), WithBehavior(Behavior{Silent: true}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.ServeTCP(ctx, ln)
		close(done)
	}()

	link := controller.NewLink(controller.NewTCPTransport(ln.Addr().String()),
		controller.WithLogger(log.Discard()),
		controller.WithConfig(controller.Config{AckTimeout: 5 * time.Second}))
	_, err = link.Connect(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = link.SendMaterial(context.Background(), detection.Metal)
	<-done
	require.Error(t, err)
	assert.True(t, controller.IsSendKind(err, controller.NotConnected), "got %v", err)
	assert.ErrorIs(t, err, controller.ErrConnectionLost)
	assert.Equal(t, controller.Error, link.State())
}

func TestStatusRoute(t *testing.T) {
	s := New(WithLogger(log.Discard()))
	s.Handle("DEPOSITAR:59,45")

	app := s.NewApp()
	resp, err := app.Test(httptest.NewRequest("GET", "/status", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body struct {
		Pan      int `json:"pan"`
		Tilt     int `json:"tilt"`
		Deposits int `json:"deposits"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 59, body.Pan)
	assert.Equal(t, 45, body.Tilt)
	assert.Equal(t, 1, body.Deposits)
}
