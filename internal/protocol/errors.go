package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGestalt is returned when a capability descriptor is missing
	// required fields or names unknown capabilities.
	ErrInvalidGestalt = errors.New("invalid gestalt")

	// ErrUnsupportedEncoding is returned when no codec exists for an encoding
	// or content type.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")

	// ErrMalformedMsg is returned when a decoded envelope lacks tid or type.
	ErrMalformedMsg = errors.New("malformed message")
)

// RemoteError is the Go form of an error envelope received from a peer.
type RemoteError struct {
	Msg *Msg
}

func (e *RemoteError) Error() string {
	if e.Msg.Src != nil {
		return fmt.Sprintf("remote error on %s: %s", e.Msg.Src.Type, e.Msg.Message)
	}
	return "remote error: " + e.Msg.Message
}

// NewError wraps err in an error envelope answering src. src may be nil
// when the failing input could not be decoded at all.
func NewError(src *Msg, err error) *Msg {
	m := &Msg{
		Type:    TypeError,
		Version: Version,
		Message: err.Error(),
	}
	if src == nil {
		m.Tid = NewTid()
		return m
	}
	m.Tid = src.Tid
	m.Tenant = src.Tenant
	if src.Conn != nil {
		c := *src.Conn
		m.Conn = &c
	}
	// the echoed request never carries its own src chain or credentials
	echo := src.Clone()
	echo.Src = nil
	echo.Auth = nil
	m.Src = echo
	return m
}

// NewErrorf is NewError with a formatted message.
func NewErrorf(src *Msg, format string, args ...any) *Msg {
	return NewError(src, fmt.Errorf(format, args...))
}
