package controller

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a line-oriented session with the controller. ReadLine blocks
// until a line arrives or the connection is closed; Close unblocks it.
type Conn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
}

// Transport opens sessions with the controller
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

const writeWait = 5 * time.Second

// WebSocketTransport reaches the controller's Wi-Fi bridge
type WebSocketTransport struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport for url
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		URL: url,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

func (t *WebSocketTransport) String() string { return t.URL }

// Dial connects to the bridge
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	wmu     sync.Mutex
	pending []string
}

// ReadLine returns one line. A message carrying several lines is split.
func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		for _, l := range strings.Split(string(data), "\n") {
			if l = strings.TrimSpace(l); l != "" {
				c.pending = append(c.pending, l)
			}
		}
	}
	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsConn) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(line+"\n"))
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmu.Unlock()
	return c.ws.Close()
}

// TCPTransport reaches a serial-to-TCP bridge (the Bluetooth SPP module
// exposed through ser2net or the ESP32 telnet port).
type TCPTransport struct {
	Address string
	Dialer  net.Dialer
}

// NewTCPTransport creates a transport for host:port
func NewTCPTransport(address string) *TCPTransport {
	return &TCPTransport{Address: address, Dialer: net.Dialer{Timeout: 5 * time.Second}}
}

func (t *TCPTransport) String() string { return "tcp://" + t.Address }

// Dial connects to the bridge
func (t *TCPTransport) Dial(ctx context.Context) (Conn, error) {
	c, err := t.Dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, err
	}
	return &lineConn{c: c, r: bufio.NewReader(c)}, nil
}

type lineConn struct {
	c   net.Conn
	r   *bufio.Reader
	wmu sync.Mutex
}

func (c *lineConn) ReadLine() (string, error) {
	for {
		s, err := c.r.ReadString('\n')
		if s = strings.TrimSpace(s); s != "" {
			return s, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (c *lineConn) WriteLine(line string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.c.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.c.Write([]byte(line + "\n"))
	return err
}

func (c *lineConn) Close() error {
	return c.c.Close()
}
