// Package transport carries protocol messages between a client and a sync
// server, over HTTP request/response or a persistent WebSocket, and layers
// a handshaken Session on top.
//
// Connect performs the whole client flow: one HTTP gestalt exchange, transport
// selection from the server's advertised capabilities, transport start and
// the open handshake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fpsync/fpsync/internal/protocol"
)

var (
	// ErrTimeout is wrapped by every elapsed request or connect timeout.
	// Its text contains "Timeout" so callers can match on the message.
	ErrTimeout = errors.New("transport Timeout")

	// ErrConnClosed is returned for requests pending or issued after the
	// transport was closed or the socket died.
	ErrConnClosed = errors.New("connection closed")

	// ErrNotOpen is returned by a Session used before its handshake.
	ErrNotOpen = errors.New("session not open")

	// ErrDuplicateTid is returned when a tid is already awaiting a reply.
	ErrDuplicateTid = errors.New("duplicate tid")

	// ErrBindOverflow ends a bind stream whose reader fell more than
	// Settings.BindBuffer messages behind.
	ErrBindOverflow = errors.New("bind stream overflow")
)

// RequestOpts tune one Request or Bind.
type RequestOpts struct {
	// WaitFor selects the reply. nil accepts the first message with the
	// request's tid. Error envelopes with the tid are always accepted.
	WaitFor protocol.Predicate

	// Timeout overrides Settings.RequestTimeout for this call.
	Timeout time.Duration
}

// RawConn is one concrete transport.
type RawConn interface {
	// Start makes the transport ready to carry requests.
	Start(ctx context.Context) error

	// Close tears the transport down, failing every pending request.
	Close(ctx context.Context) error

	// Request sends msg and waits for one reply.
	Request(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*protocol.Msg, error)

	// Bind sends msg and returns a stream of every matching reply.
	Bind(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*Stream, error)

	// Send delivers msg without waiting for a reply.
	Send(ctx context.Context, msg *protocol.Msg) error

	// OnMsg registers fn for every inbound message, including unsolicited
	// server pushes. The returned function unregisters it.
	OnMsg(fn func(*protocol.Msg)) (unsubscribe func())

	// Codec is the negotiated wire format.
	Codec() protocol.Codec

	// ActiveBinds counts streams that have not been cancelled or ended.
	ActiveBinds() int
}

// Settings hold transport timeouts and buffer sizes.
type Settings struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	BindBuffer     int // per-stream queue limit before ErrBindOverflow
	ReadLimit      int64
}

// DefaultSettings returns the timeouts used when none are configured.
func DefaultSettings() *Settings {
	return &Settings{
		RequestTimeout: 10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		BindBuffer:     256,
		ReadLimit:      4 << 20,
	}
}

func (s *Settings) withDefaults() *Settings {
	d := DefaultSettings()
	if s == nil {
		return d
	}
	out := *s
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = d.RequestTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = d.ConnectTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.BindBuffer <= 0 {
		out.BindBuffer = d.BindBuffer
	}
	if out.ReadLimit <= 0 {
		out.ReadLimit = d.ReadLimit
	}
	return &out
}

func (s *Settings) timeoutFor(opts RequestOpts) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return s.RequestTimeout
}

// timeoutError converts a deadline hit on tctx into ErrTimeout and leaves
// every other error untouched.
func timeoutError(tctx context.Context, d time.Duration, err error) error {
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return fmt.Errorf("%w after %s: %v", ErrTimeout, d, err)
	}
	return err
}

// accepts reports whether m resolves a waiter registered with pred.
func accepts(pred protocol.Predicate, m *protocol.Msg) bool {
	return m.IsError() || pred == nil || pred(m)
}

// subscribers is the general inbound fan-out.
type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(*protocol.Msg)
}

func newSubscribers() *subscribers {
	return &subscribers{fns: make(map[int]func(*protocol.Msg))}
}

func (s *subscribers) add(fn func(*protocol.Msg)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.fns[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) broadcast(m *protocol.Msg) {
	s.mu.RLock()
	fns := make([]func(*protocol.Msg), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(m)
	}
}
