package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/metrics"
	"github.com/fpsync/fpsync/internal/protocol"
)

var (
	// ErrUnexpectedMessage is returned for messages no route matches.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrMissingConnection is returned when a message that needs a session
	// carries an identity that is not a live room member.
	ErrMissingConnection = errors.New("missing connection")
)

// Request is one inbound message being handled. Peer is nil for messages
// that arrived over HTTP.
type Request struct {
	Msg  *protocol.Msg
	Peer *socket
}

// HandlerFunc answers a request. A nil reply means nothing is sent back
// directly; an error becomes an error envelope.
type HandlerFunc func(ctx context.Context, req *Request) (*protocol.Msg, error)

// Route is one dispatcher entry.
type Route struct {
	Match              protocol.Predicate
	RequiresConnection bool
	Handle             HandlerFunc
}

// Dispatcher validates inbound messages and routes them to handlers.
// Registered routes are tried in order before the built-in catalog.
type Dispatcher struct {
	routes   []Route
	catalog  func(protocol.MsgType) (Route, bool)
	room     *room
	verifier auth.Verifier
	metrics  *metrics.Metrics
	logger   *log.Logger
	debug    atomic.Bool
}

// Register appends a route checked before the built-in catalog. It is the
// extension point for embedders that serve extra message types or override
// a built-in handler; the fpsync binary itself only uses the catalog.
func (d *Dispatcher) Register(r Route) {
	d.routes = append(d.routes, r)
}

func (d *Dispatcher) lookup(m *protocol.Msg) (Route, bool) {
	for _, r := range d.routes {
		if r.Match(m) {
			return r, true
		}
	}
	if d.catalog == nil {
		return Route{}, false
	}
	return d.catalog(m.Type)
}

// Dispatch handles m and returns the direct reply, or nil if there is none.
// Handler failures and panics come back as error envelopes whose src is m.
func (d *Dispatcher) Dispatch(ctx context.Context, m *protocol.Msg, peer *socket) (res *protocol.Msg) {
	start := time.Now()
	transport := "http"
	if peer != nil {
		transport = "ws"
	}
	defer func() {
		d.metrics.ObserveDispatch(string(m.Type), transport, start, res.IsError())
	}()

	if d.debug.Load() {
		d.logger.Printf("%s %s tid=%s conn=%s", transport, m.Type, m.Tid, m.ConnID())
	}

	route, ok := d.lookup(m)
	if !ok {
		return protocol.NewError(m, fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Type))
	}

	if d.verifier != nil && m.Type != protocol.ReqGestalt {
		if err := d.verifier.Verify(ctx, m.Auth); err != nil {
			return protocol.NewError(m, err)
		}
	}

	if route.RequiresConnection && !d.room.isMember(m.ConnID()) {
		return protocol.NewError(m, fmt.Errorf("%w: %s", ErrMissingConnection, m.ConnID()))
	}

	return d.invoke(ctx, route, &Request{Msg: m, Peer: peer})
}

func (d *Dispatcher) invoke(ctx context.Context, route Route, req *Request) (res *protocol.Msg) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("ERROR: Handler for %s panicked: %v", req.Msg.Type, r)
			res = protocol.NewError(req.Msg, fmt.Errorf("internal error: %v", r))
			res.Stack = string(debug.Stack())
		}
	}()

	res, err := route.Handle(ctx, req)
	if err != nil {
		return protocol.NewError(req.Msg, err)
	}
	return res
}
