// Package sim emulates the bin firmware so the station can run without
// hardware. It speaks the controller line protocol over a WebSocket route
// (like the ESP32 Wi-Fi bridge) and over raw TCP (like a serial bridge).
package sim

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// Behavior controls how the simulated firmware answers
type Behavior struct {
	// Latency before the final reply to a movement command
	Latency time.Duration
	// NakReason, when set, makes every movement fail with NAK:<reason>
	NakReason string
	// Silent drops every reply to movement commands
	Silent bool
	// RejectHandshake answers PING with NAK
	RejectHandshake bool
	// LegacyPong answers PING with a bare PONG
	LegacyPong bool
}

// Simulator is a fake bin controller
type Simulator struct {
	logger *slog.Logger

	mu       sync.Mutex
	behavior Behavior
	commands []string
	position detection.BinPosition

	deposits    atomic.Int64
	connections atomic.Int32
}

// Option configures a Simulator
type Option func(*Simulator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithBehavior sets the initial behavior
func WithBehavior(b Behavior) Option {
	return func(s *Simulator) { s.behavior = b }
}

// New creates a simulator resting at the home position
func New(opts ...Option) *Simulator {
	s := &Simulator{logger: log.Component("sim")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBehavior replaces the behavior; it applies to the next command
func (s *Simulator) SetBehavior(b Behavior) {
	s.mu.Lock()
	s.behavior = b
	s.mu.Unlock()
}

// Behavior returns the current behavior
func (s *Simulator) Behavior() Behavior {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.behavior
}

// Commands returns every line received, oldest first
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Position is where the last movement left the platform
func (s *Simulator) Position() detection.BinPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Deposits counts completed DEPOSITAR commands
func (s *Simulator) Deposits() int {
	return int(s.deposits.Load())
}

// Connections is the number of open sessions
func (s *Simulator) Connections() int {
	return int(s.connections.Load())
}

// Line is one reply sent after an optional pause
type Line struct {
	Delay time.Duration
	Text  string
}

// Handle computes the firmware's answer to a single line
func (s *Simulator) Handle(line string) []Line {
	cmd := controller.ParseCommand(line)
	if cmd.Name == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
	b := s.behavior

	switch cmd.Name {
	case controller.CmdPing:
		switch {
		case b.RejectHandshake:
			return []Line{{Text: controller.ReplyNak + ":busy"}}
		case b.LegacyPong || cmd.Arg == "":
			return []Line{{Text: controller.ReplyPong}}
		}
		return []Line{{Text: controller.ReplyPong + ":" + cmd.Arg}}

	case controller.CmdDeposit:
		pos, err := controller.ParsePosition(cmd.Arg)
		if err != nil {
			return []Line{{Text: controller.ReplyError + ":" + err.Error()}}
		}
		return s.move(b, fmt.Sprintf("moviendo a %d,%d", pos.Pan, pos.Tilt), controller.ReplyReady, func() {
			s.position = pos
			s.deposits.Add(1)
		})

	case controller.CmdPan, controller.CmdTilt:
		var deg int
		if _, err := fmt.Sscanf(cmd.Arg, "%d", &deg); err != nil {
			return []Line{{Text: controller.ReplyError + ":bad angle"}}
		}
		return s.move(b, "moviendo", controller.ReplyOK, func() {
			if cmd.Name == controller.CmdPan {
				s.position.Pan = deg
			} else {
				s.position.Tilt = deg
			}
		})
	}

	return []Line{{Text: controller.ReplyError + ":unknown command"}}
}

// move is called with s.mu held
func (s *Simulator) move(b Behavior, progress, done string, apply func()) []Line {
	if b.Silent {
		return nil
	}
	if b.NakReason != "" {
		return []Line{{Text: controller.ReplyNak + ":" + b.NakReason}}
	}
	apply()
	return []Line{{Text: progress}, {Delay: b.Latency, Text: done}}
}

// serve runs one session over a line-oriented connection
func (s *Simulator) serve(ctx context.Context, id string, read func() (string, error), write func(string) error) {
	s.connections.Add(1)
	defer s.connections.Add(-1)
	s.logger.Info("controller session opened", "id", id)
	defer s.logger.Info("controller session closed", "id", id)

	for {
		line, err := read()
		if err != nil {
			return
		}
		for _, r := range s.Handle(line) {
			if r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					return
				}
			}
			if err := write(r.Text); err != nil {
				s.logger.Warn("controller write failed", "id", id, "error", err)
				return
			}
		}
	}
}

// RegisterRoutes mounts the firmware WebSocket at /ws
func (s *Simulator) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleWebSocket))
}

func (s *Simulator) handleWebSocket(c *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pending []string
	read := func() (string, error) {
		for len(pending) == 0 {
			_, data, err := c.ReadMessage()
			if err != nil {
				return "", err
			}
			for _, l := range strings.Split(string(data), "\n") {
				if l = strings.TrimSpace(l); l != "" {
					pending = append(pending, l)
				}
			}
		}
		l := pending[0]
		pending = pending[1:]
		return l, nil
	}
	write := func(line string) error {
		return c.WriteMessage(websocket.TextMessage, []byte(line))
	}
	s.serve(ctx, c.RemoteAddr().String(), read, write)
}

// ServeTCP accepts sessions on ln until ctx is done
func (s *Simulator) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			r := bufio.NewScanner(conn)
			read := func() (string, error) {
				for r.Scan() {
					if l := strings.TrimSpace(r.Text()); l != "" {
						return l, nil
					}
				}
				if err := r.Err(); err != nil {
					return "", err
				}
				return "", net.ErrClosed
			}
			write := func(line string) error {
				_, err := conn.Write([]byte(line + "\n"))
				return err
			}
			s.serve(ctx, conn.RemoteAddr().String(), read, write)
		}()
	}
}

// NewApp returns a fiber app serving only the simulator
func (s *Simulator) NewApp() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	s.RegisterRoutes(app)
	app.Get("/status", func(c *fiber.Ctx) error {
		pos := s.Position()
		return c.JSON(fiber.Map{
			"pan":         pos.Pan,
			"tilt":        pos.Tilt,
			"deposits":    s.Deposits(),
			"connections": s.Connections(),
		})
	})
	return app
}
