package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/fpsync/fpsync/internal/protocol"
)

const maxHTTPBody = 16 << 20

// HTTPConn sends each message as one PUT and reads one reply from the
// response body. Each request picks one of the advertised endpoints at
// random.
type HTTPConn struct {
	endpoints []string
	codec     protocol.Codec
	client    *http.Client
	settings  *Settings
	subs      *subscribers
	closed    atomic.Bool
}

// NewHTTPConn returns a transport over the given absolute endpoint URLs.
// A nil client means http.DefaultClient.
func NewHTTPConn(endpoints []string, codec protocol.Codec, client *http.Client, settings *Settings) (*HTTPConn, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one http endpoint is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPConn{
		endpoints: endpoints,
		codec:     codec,
		client:    client,
		settings:  settings.withDefaults(),
		subs:      newSubscribers(),
	}, nil
}

func (c *HTTPConn) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return nil
}

func (c *HTTPConn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *HTTPConn) Codec() protocol.Codec { return c.codec }

// ActiveBinds is always zero: an HTTP bind ends with its single reply.
func (c *HTTPConn) ActiveBinds() int { return 0 }

func (c *HTTPConn) OnMsg(fn func(*protocol.Msg)) func() {
	return c.subs.add(fn)
}

// Request PUTs msg and decodes the response body. A reply that is neither
// an error envelope nor accepted by opts.WaitFor is an error.
func (c *HTTPConn) Request(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*protocol.Msg, error) {
	res, err := c.roundTrip(ctx, msg, c.settings.timeoutFor(opts))
	if err != nil {
		return nil, err
	}
	if !accepts(opts.WaitFor, res) {
		return nil, fmt.Errorf("unexpected reply %s to %s (tid %s)", res.Type, msg.Type, msg.Tid)
	}
	return res, nil
}

// Bind performs one request and returns a stream holding its reply that
// has already ended.
func (c *HTTPConn) Bind(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*Stream, error) {
	res, err := c.Request(ctx, msg, opts)
	if err != nil {
		return nil, err
	}
	s := newStream(msg.Tid, msg.ConnID(), opts.WaitFor, 1)
	s.deliver(res)
	s.end(io.EOF)
	return s, nil
}

// Send PUTs msg and discards the reply.
func (c *HTTPConn) Send(ctx context.Context, msg *protocol.Msg) error {
	_, err := c.roundTrip(ctx, msg, c.settings.RequestTimeout)
	return err
}

func (c *HTTPConn) roundTrip(ctx context.Context, msg *protocol.Msg, timeout time.Duration) (*protocol.Msg, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	body, err := c.codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.endpoints[rand.IntN(len(c.endpoints))]
	req, err := http.NewRequestWithContext(tctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", c.codec.ContentType())
	req.Header.Set("Accept", c.codec.ContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, timeoutError(tctx, timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, timeoutError(tctx, timeout, fmt.Errorf("failed to read response: %w", err))
	}

	codec := c.codec
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if rc, err := protocol.CodecForContentType(ct); err == nil {
			codec = rc
		}
	}
	res, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("http %d from %s: %w", resp.StatusCode, endpoint, err)
	}

	c.subs.broadcast(res)
	return res, nil
}
