package controller

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrAlreadyConnecting = errors.New("controller: connect already in progress")
	ErrHandshakeTimeout  = errors.New("controller: no handshake reply")
	ErrAckTimeout        = errors.New("controller: no acknowledgment")
	ErrConnectionLost    = errors.New("controller: connection lost")
	ErrNotConnected      = errors.New("controller: not connected")
)

// ConnectErrorKind classifies connect failures
type ConnectErrorKind int

const (
	Unreachable ConnectErrorKind = iota
	HandshakeRejected
	ConnectTimeout
)

func (k ConnectErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case HandshakeRejected:
		return "handshake_rejected"
	case ConnectTimeout:
		return "timeout"
	}
	return fmt.Sprintf("connect_error(%d)", int(k))
}

// ConnectError is returned by Connect. All kinds are recoverable by
// calling Connect again.
type ConnectError struct {
	Kind   ConnectErrorKind
	Reason string // controller reply for HandshakeRejected
	Err    error
}

func (e *ConnectError) Error() string {
	msg := "controller: connect " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendErrorKind classifies send failures
type SendErrorKind int

const (
	NotConnected SendErrorKind = iota
	SendTimeout
	Nak
)

func (k SendErrorKind) String() string {
	switch k {
	case NotConnected:
		return "not_connected"
	case SendTimeout:
		return "timeout"
	case Nak:
		return "nak"
	}
	return fmt.Sprintf("send_error(%d)", int(k))
}

// SendError is returned by SendMaterial and Step. No physical action is
// assumed to have happened.
type SendError struct {
	Kind   SendErrorKind
	Reason string // controller reply for Nak
	Err    error
}

func (e *SendError) Error() string {
	msg := "controller: send " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsConnectKind reports whether err is a ConnectError of kind k
func IsConnectKind(err error, k ConnectErrorKind) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == k
}

// IsSendKind reports whether err is a SendError of kind k
func IsSendKind(err error, k SendErrorKind) bool {
	var se *SendError
	return errors.As(err, &se) && se.Kind == k
}
