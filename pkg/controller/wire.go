package controller

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/teslashibe/go-sortbin/pkg/detection"
)

// Line protocol spoken by the bin firmware. One command or reply per line.
//
//	→ PING:<nonce>            ← PONG:<nonce>   (legacy firmware: PONG)
//	→ DEPOSITAR:<pan>,<tilt>  ← LISTO          (NAK[:reason] / ERROR[:reason])
//	→ GIRO:<deg> | INCL:<deg> ← OK
const (
	CmdPing    = "PING"
	CmdDeposit = "DEPOSITAR"
	CmdPan     = "GIRO"
	CmdTilt    = "INCL"

	ReplyPong  = "PONG"
	ReplyReady = "LISTO"
	ReplyOK    = "OK"
	ReplyNak   = "NAK"
	ReplyError = "ERROR"
)

// Axis selects a servo for legacy step commands
type Axis string

const (
	Pan  Axis = CmdPan
	Tilt Axis = CmdTilt
)

// Servo limits of the bin mechanism, in degrees
const (
	PanMin  = -80
	PanMax  = 160
	TiltMin = -45
	TiltMax = 45
)

// PingCommand starts the handshake
func PingCommand(nonce string) string {
	if nonce == "" {
		return CmdPing
	}
	return CmdPing + ":" + nonce
}

// DepositCommand encodes a bin position
func DepositCommand(p detection.BinPosition) string {
	return fmt.Sprintf("%s:%d,%d", CmdDeposit, p.Pan, p.Tilt)
}

// StepCommand encodes a single-axis move
func StepCommand(axis Axis, degrees int) string {
	return fmt.Sprintf("%s:%d", axis, degrees)
}

// Command is a parsed controller-bound line
type Command struct {
	Name string
	Arg  string
}

// ParseCommand splits "NAME[:ARG]"
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, ":")
	return Command{Name: strings.ToUpper(strings.TrimSpace(name)), Arg: strings.TrimSpace(arg)}
}

// ParsePosition reads "<pan>,<tilt>" and checks servo limits
func ParsePosition(arg string) (detection.BinPosition, error) {
	panStr, tiltStr, ok := strings.Cut(arg, ",")
	if !ok {
		return detection.BinPosition{}, fmt.Errorf("controller: malformed position %q", arg)
	}
	pan, err := strconv.Atoi(strings.TrimSpace(panStr))
	if err != nil {
		return detection.BinPosition{}, fmt.Errorf("controller: pan: %w", err)
	}
	tilt, err := strconv.Atoi(strings.TrimSpace(tiltStr))
	if err != nil {
		return detection.BinPosition{}, fmt.Errorf("controller: tilt: %w", err)
	}
	if pan < PanMin || pan > PanMax || tilt < TiltMin || tilt > TiltMax {
		return detection.BinPosition{}, fmt.Errorf("controller: position %d,%d out of range", pan, tilt)
	}
	return detection.BinPosition{Pan: pan, Tilt: tilt}, nil
}

// ReplyKind classifies a controller reply
type ReplyKind int

const (
	ReplyOther ReplyKind = iota
	ReplyKindPong
	ReplyKindReady
	ReplyKindOK
	ReplyKindNak
)

// Reply is a parsed controller-sent line
type Reply struct {
	Kind ReplyKind
	Arg  string
	Raw  string
}

// ParseReply classifies a line. Unrecognized lines are ReplyOther and are
// ignored by waiters (firmware prints progress while moving).
func ParseReply(line string) Reply {
	c := ParseCommand(line)
	r := Reply{Arg: c.Arg, Raw: strings.TrimSpace(line)}
	switch c.Name {
	case ReplyPong:
		r.Kind = ReplyKindPong
	case ReplyReady:
		r.Kind = ReplyKindReady
	case ReplyOK:
		r.Kind = ReplyKindOK
	case ReplyNak, ReplyError:
		r.Kind = ReplyKindNak
		if r.Arg == "" {
			r.Arg = c.Name
		}
	}
	return r
}
