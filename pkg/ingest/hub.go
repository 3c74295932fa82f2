// Package ingest accepts frames pushed by remote cameras (a phone browser
// or a small capture client) over WebSocket and exposes them as a frame
// source.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
	"github.com/teslashibe/go-sortbin/pkg/protocol"
)

var (
	// ErrStarted is returned when Frames is called twice
	ErrStarted = errors.New("ingest: frames already started")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("ingest: closed")
	// ErrNotConnected is returned when sending to an unknown camera
	ErrNotConnected = errors.New("ingest: camera not connected")
)

// readLimit bounds one frame message; a 1080p JPEG in base64 fits easily
const readLimit = 8 << 20

// CameraConnection is one connected remote camera
type CameraConnection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	Frames    uint64

	mu sync.Mutex
}

// Send sends a message to the camera
func (c *CameraConnection) Send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Hub manages WebSocket connections from remote cameras. Only the most
// recently connected camera feeds the station; the others stay connected
// and take over in order when it leaves.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	cameras map[string]*CameraConnection
	active  string
	started bool

	latest    chan pipeline.Frame
	closed    chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	messagesReceived atomic.Uint64
	framesReceived   atomic.Uint64
	framesDropped    atomic.Uint64
	framesIgnored    atomic.Uint64
	badMessages      atomic.Uint64
}

// Option configures a Hub
type Option func(*Hub)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a new camera hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:  log.Component("ingest"),
		cameras: make(map[string]*CameraConnection),
		latest:  make(chan pipeline.Frame, 1),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the camera endpoint on a Fiber app. The app must
// already reject non-upgrade requests under /ws.
func (h *Hub) RegisterRoutes(app fiber.Router) {
	app.Get("/ws/camera/:id", websocket.New(h.handleCamera, websocket.Config{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 4 << 10,
	}))
}

// RegisterAPIRoutes registers API routes listing connected cameras
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	cameras := api.Group("/cameras")

	cameras.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"cameras": h.GetCameraInfos(),
			"count":   h.CameraCount(),
			"active":  h.Active(),
		})
	})

	cameras.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}

// Frames returns the frame stream of the active camera. It holds at most one
// pending frame; a newer frame replaces an unread one.
func (h *Hub) Frames(ctx context.Context) (<-chan pipeline.Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
		return nil, ErrClosed
	default:
	}
	if h.started {
		return nil, ErrStarted
	}
	h.started = true

	out := make(chan pipeline.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case f := <-h.latest:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				case <-h.closed:
					return
				}
			case <-ctx.Done():
				return
			case <-h.closed:
				return
			}
		}
	}()
	return out, nil
}

// Close disconnects every camera and ends the frame stream
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)

		h.mu.RLock()
		cameras := make([]*CameraConnection, 0, len(h.cameras))
		for _, c := range h.cameras {
			cameras = append(cameras, c)
		}
		h.mu.RUnlock()

		for _, c := range cameras {
			c.mu.Lock()
			_ = c.Conn.Close()
			c.mu.Unlock()
		}
	})
	return nil
}

// handleCamera handles a camera WebSocket connection
func (h *Hub) handleCamera(c *websocket.Conn) {
	select {
	case <-h.closed:
		_ = c.Close()
		return
	default:
	}

	cameraID := c.Params("id")

	camera := &CameraConnection{
		ID:        cameraID,
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	h.mu.Lock()
	if prev, ok := h.cameras[cameraID]; ok {
		// Same id reconnecting; the stale socket gets closed
		_ = prev.Conn.Close()
	}
	h.cameras[cameraID] = camera
	h.active = cameraID
	count := len(h.cameras)
	h.mu.Unlock()

	h.logger.Info("camera connected", "camera", cameraID, "total", count)

	defer func() {
		h.mu.Lock()
		if h.cameras[cameraID] == camera {
			delete(h.cameras, cameraID)
			if h.active == cameraID {
				h.active = h.newestLocked()
			}
		}
		count := len(h.cameras)
		active := h.active
		h.mu.Unlock()

		h.logger.Info("camera disconnected", "camera", cameraID, "total", count, "active", active)
	}()

	c.SetReadLimit(readLimit)
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("camera read error", "camera", cameraID, "error", err)
			}
			return
		}

		camera.mu.Lock()
		camera.LastSeen = time.Now()
		camera.mu.Unlock()

		h.messagesReceived.Add(1)
		h.handleMessage(camera, data)
	}
}

// newestLocked picks the most recently connected camera, or ""
func (h *Hub) newestLocked() string {
	var id string
	var newest time.Time
	for _, c := range h.cameras {
		if id == "" || c.Connected.After(newest) {
			id = c.ID
			newest = c.Connected
		}
	}
	return id
}

// handleMessage processes an incoming message from a camera
func (h *Hub) handleMessage(camera *CameraConnection, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.badMessages.Add(1)
		h.logger.Debug("parse error", "camera", camera.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeFrame:
		h.handleFrame(camera, msg)

	case protocol.TypePing:
		ping, err := msg.GetPingData()
		if err != nil {
			h.badMessages.Add(1)
			return
		}
		pong, err := protocol.NewPongMessage(ping.ID, ping.Timestamp, time.Now().UnixMilli())
		if err != nil {
			return
		}
		if err := camera.Send(pong); err != nil {
			h.logger.Debug("pong failed", "camera", camera.ID, "error", err)
		}

	default:
		h.badMessages.Add(1)
		h.logger.Debug("unexpected message", "camera", camera.ID, "type", msg.Type)
	}
}

func (h *Hub) handleFrame(camera *CameraConnection, msg *protocol.Message) {
	h.framesReceived.Add(1)

	h.mu.RLock()
	active := h.active == camera.ID
	h.mu.RUnlock()
	if !active {
		h.framesIgnored.Add(1)
		return
	}

	fd, err := msg.GetFrameData()
	if err != nil {
		h.badMessages.Add(1)
		return
	}
	frame, err := fd.Frame()
	if err != nil {
		h.badMessages.Add(1)
		h.logger.Debug("bad frame", "camera", camera.ID, "frame_id", fd.FrameID, "error", err)
		return
	}
	frame.Seq = h.seq.Add(1)
	frame.Timestamp = time.Now()

	camera.mu.Lock()
	camera.Frames++
	camera.mu.Unlock()

	// Replace an unread frame with this newer one
	for {
		select {
		case h.latest <- frame:
			return
		default:
		}
		select {
		case <-h.latest:
			h.framesDropped.Add(1)
		default:
		}
	}
}

// SendTo sends a message to a specific camera
func (h *Hub) SendTo(cameraID string, msg *protocol.Message) error {
	h.mu.RLock()
	camera, ok := h.cameras[cameraID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	return camera.Send(msg)
}

// Active returns the camera currently feeding frames
func (h *Hub) Active() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// CameraCount returns the number of connected cameras
func (h *Hub) CameraCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cameras)
}

// Stats contains hub statistics
type Stats struct {
	CameraCount      int    `json:"camera_count"`
	MessagesReceived uint64 `json:"messages_received"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesDropped    uint64 `json:"frames_dropped"`
	FramesIgnored    uint64 `json:"frames_ignored"`
	BadMessages      uint64 `json:"bad_messages"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		CameraCount:      h.CameraCount(),
		MessagesReceived: h.messagesReceived.Load(),
		FramesReceived:   h.framesReceived.Load(),
		FramesDropped:    h.framesDropped.Load(),
		FramesIgnored:    h.framesIgnored.Load(),
		BadMessages:      h.badMessages.Load(),
	}
}

// CameraInfo contains info about a connected camera
type CameraInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Frames    uint64    `json:"frames"`
}

// GetCameraInfos returns info about all connected cameras
func (h *Hub) GetCameraInfos() []CameraInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]CameraInfo, 0, len(h.cameras))
	for _, c := range h.cameras {
		c.mu.Lock()
		infos = append(infos, CameraInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.LastSeen,
			Frames:    c.Frames,
		})
		c.mu.Unlock()
	}
	return infos
}
