// Package video receives a camera over WebRTC from a GStreamer webrtcsink
// producer and exposes its pictures as a frame source.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/pipeline"
)

var (
	// ErrStarted is returned when Frames is called twice
	ErrStarted = errors.New("video: frames already started")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("video: closed")
	// ErrNoVideo is returned when no video track arrives in time
	ErrNoVideo = errors.New("video: timeout waiting for video track")
)

// Config configures the WebRTC client
type Config struct {
	SignallingURL string
	// Producer is the producer's meta name; empty takes the first listed
	Producer string
	// ConnectTimeout bounds signalling plus the wait for the video track
	ConnectTimeout time.Duration
	// DecodeInterval is the minimum time between decoded pictures
	DecodeInterval time.Duration
	// MaxGOP bounds the buffered stream between keyframes
	MaxGOP   int
	Rotation int
	// FFmpegPath locates the decoder binary
	FFmpegPath string
}

// Client connects to a WebRTC video stream via GStreamer signalling
type Client struct {
	cfg     Config
	logger  *slog.Logger
	decoder Decoder

	mu      sync.Mutex
	sig     *signaller
	pc      *webrtc.PeerConnection
	started bool

	// ICE candidates gathered before the session id is known
	pendingICE   []ice
	sessionReady bool

	trackReady chan struct{}
	trackOnce  sync.Once
	latest     chan pipeline.Frame
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	seq     atomic.Uint64
	packets atomic.Uint64
	decoded atomic.Uint64
	blank   atomic.Uint64
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDecoder replaces the ffmpeg decoder
func WithDecoder(d Decoder) Option {
	return func(c *Client) { c.decoder = d }
}

// NewClient creates a new WebRTC video client
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.DecodeInterval <= 0 {
		cfg.DecodeInterval = 100 * time.Millisecond
	}
	if cfg.MaxGOP <= 0 {
		cfg.MaxGOP = 8 << 20
	}
	c := &Client{
		cfg:        cfg,
		logger:     log.Component("video"),
		trackReady: make(chan struct{}),
		latest:     make(chan pipeline.Frame, 1),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decoder == nil {
		c.decoder = NewFFmpegDecoder(cfg.FFmpegPath)
	}
	return c
}

// Frames connects and returns decoded pictures. The channel closes when ctx
// ends, the client is closed, or the producer ends the session.
func (c *Client) Frames(ctx context.Context) (<-chan pipeline.Frame, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrStarted
	}
	c.started = true
	c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	if err := c.connect(ctx); err != nil {
		c.Close()
		return nil, err
	}

	out := make(chan pipeline.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case f := <-c.latest:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				case <-c.closed:
					return
				}
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}()
	return out, nil
}

// connect runs signalling and waits for the video track
func (c *Client) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.logger.Info("connecting to signalling server", "url", c.cfg.SignallingURL)
	sig, err := dialSignalling(ctx, c.cfg.SignallingURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sig = sig
	c.mu.Unlock()

	if err := c.createPeerConnection(); err != nil {
		return fmt.Errorf("peer connection failed: %w", err)
	}

	producerID, err := sig.handshake(ctx, c.cfg.Producer)
	if err != nil {
		return fmt.Errorf("signalling failed: %w", err)
	}
	c.logger.Info("session started", "peer", sig.peerID, "producer", producerID, "session", sig.sessionID)
	c.flushICE()

	c.wg.Add(1)
	go c.handleSignalling()

	select {
	case <-c.trackReady:
		c.logger.Info("video connected")
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ErrNoVideo
	}
}

func (c *Client) createPeerConnection() error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}

	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info("got track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		if track.Codec().MimeType != webrtc.MimeTypeH264 {
			c.logger.Error("unsupported video codec", "codec", track.Codec().MimeType)
			return
		}
		c.wg.Add(1)
		go c.handleVideoTrack(trackReader(track))
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		c.queueICE(ice{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Info("connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			go c.Close()
		}
	})

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	return nil
}

// queueICE sends a local candidate, holding it until the session exists
func (c *Client) queueICE(candidate ice) {
	c.mu.Lock()
	sig := c.sig
	if !c.sessionReady {
		c.pendingICE = append(c.pendingICE, candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := sig.sendICE(candidate); err != nil {
		c.logger.Debug("send ice failed", "error", err)
	}
}

func (c *Client) flushICE() {
	c.mu.Lock()
	c.sessionReady = true
	pending := c.pendingICE
	c.pendingICE = nil
	sig := c.sig
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := sig.sendICE(candidate); err != nil {
			c.logger.Debug("send ice failed", "error", err)
		}
	}
}

func (c *Client) handleSignalling() {
	defer c.wg.Done()
	for {
		msg, err := c.sig.read(context.Background())
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("signalling error", "error", err)
				c.Close()
			}
			return
		}

		switch msg.Type {
		case "peer":
			c.handlePeerMessage(msg)
		case "endSession":
			c.logger.Info("producer ended session")
			c.Close()
			return
		case "error":
			c.logger.Warn("signalling server error", "peer", msg.PeerID)
		}
	}
}

func (c *Client) handlePeerMessage(msg message) {
	if msg.SDP != nil && msg.SDP.Type == "offer" {
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP.SDP}
		if err := c.pc.SetRemoteDescription(offer); err != nil {
			c.logger.Error("set remote description failed", "error", err)
			return
		}
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			c.logger.Error("create answer failed", "error", err)
			return
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			c.logger.Error("set local description failed", "error", err)
			return
		}
		if err := c.sig.sendSDP(answer.Type.String(), answer.SDP); err != nil {
			c.logger.Error("send answer failed", "error", err)
		}
	}

	if msg.ICE != nil && msg.ICE.Candidate != "" {
		err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.ICE.Candidate,
			SDPMid:        msg.ICE.SDPMid,
			SDPMLineIndex: msg.ICE.SDPMLineIndex,
		})
		if err != nil {
			c.logger.Debug("add ice candidate failed", "error", err)
		}
	}
}

// readPacket returns the next RTP packet of a track
type readPacket func() (*rtp.Packet, error)

func trackReader(track *webrtc.TrackRemote) readPacket {
	return func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
}

func (c *Client) handleVideoTrack(read readPacket) {
	defer c.wg.Done()
	c.trackOnce.Do(func() { close(c.trackReady) })

	decodes := make(chan []byte, 1)
	c.wg.Add(1)
	go c.decodeLoop(decodes)
	defer close(decodes)

	var asm assembler
	g := gop{max: c.cfg.MaxGOP}
	var lastDecode time.Time

	for {
		pkt, err := read()
		if err != nil {
			return
		}
		c.packets.Add(1)

		au, ok := asm.push(pkt)
		if !ok || !g.add(au) {
			continue
		}
		if time.Since(lastDecode) < c.cfg.DecodeInterval {
			continue
		}
		snapshot := g.snapshot()
		if snapshot == nil {
			continue
		}
		select {
		case decodes <- snapshot:
			lastDecode = time.Now()
		default:
			// Decoder still busy with the previous snapshot
		}
	}
}

func (c *Client) decodeLoop(decodes <-chan []byte) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for stream := range decodes {
		frame, ok := c.decode(ctx, stream)
		if !ok {
			continue
		}
		c.offer(frame)
	}
}

func (c *Client) decode(ctx context.Context, stream []byte) (pipeline.Frame, bool) {
	jpegData, err := c.decoder.Decode(ctx, stream)
	if err != nil {
		if !errors.Is(err, ErrNoPicture) && ctx.Err() == nil {
			c.logger.Debug("decode failed", "error", err)
		}
		return pipeline.Frame{}, false
	}
	img, err := imaging.Decode(bytes.NewReader(jpegData))
	if err != nil {
		c.logger.Debug("decoded picture unreadable", "error", err)
		return pipeline.Frame{}, false
	}
	if isBlank(img) {
		c.blank.Add(1)
		return pipeline.Frame{}, false
	}
	c.decoded.Add(1)
	return pipeline.Frame{
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
		Image:     img,
		Data:      jpegData,
		Rotation:  c.cfg.Rotation,
	}, true
}

// offer stores frame as the latest, replacing an unread one
func (c *Client) offer(frame pipeline.Frame) {
	for {
		select {
		case c.latest <- frame:
			return
		default:
		}
		select {
		case <-c.latest:
		default:
		}
	}
}

// Stats contains client counters
type Stats struct {
	Packets uint64 `json:"packets"`
	Decoded uint64 `json:"decoded"`
	Blank   uint64 `json:"blank"`
}

// GetStats returns client counters
func (c *Client) GetStats() Stats {
	return Stats{Packets: c.packets.Load(), Decoded: c.decoded.Load(), Blank: c.blank.Load()}
}

// Close closes the WebRTC connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		pc, sig := c.pc, c.sig
		c.mu.Unlock()

		if pc != nil {
			_ = pc.Close()
		}
		if sig != nil {
			_ = sig.close()
		}
	})
	return nil
}

// Wait blocks until the track reader and decoder have exited
func (c *Client) Wait() {
	c.wg.Wait()
}
