package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fpsync/fpsync/internal/protocol"
)

// WSConn multiplexes requests, binds and server pushes over one WebSocket.
// Inbound messages go to every OnMsg subscriber, then to the pending request
// with the same tid, then to every matching bind stream.
type WSConn struct {
	url      string
	codec    protocol.Codec
	settings *Settings
	client   *http.Client
	logger   *log.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	started bool
	cause   error

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	pending *pendingTable
	binds   *bindRegistry
	subs    *subscribers
}

// NewWSConn returns a transport that dials url on Start. A nil logger
// writes to stderr.
func NewWSConn(url string, codec protocol.Codec, client *http.Client, settings *Settings, logger *log.Logger) *WSConn {
	if logger == nil {
		logger = log.New(os.Stderr, "[ws] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSConn{
		url:      url,
		codec:    codec,
		settings: settings.withDefaults(),
		client:   client,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		pending:  newPendingTable(),
		binds:    newBindRegistry(),
		subs:     newSubscribers(),
	}
}

// Start dials the socket, failing with ErrTimeout if the connect timeout
// elapses first, and starts the reader.
func (c *WSConn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	dctx, cancel := context.WithTimeout(ctx, c.settings.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{HTTPClient: c.client})
	if err != nil {
		return timeoutError(dctx, c.settings.ConnectTimeout, fmt.Errorf("failed to dial %s: %w", c.url, err))
	}
	ws.SetReadLimit(c.settings.ReadLimit)

	c.ws = ws
	c.started = true

	c.wg.Add(1)
	go c.readLoop(ws)
	return nil
}

// Close closes the socket. Pending requests fail with ErrConnClosed and
// every bind stream ends.
func (c *WSConn) Close(ctx context.Context) error {
	c.shutdown(ErrConnClosed)
	c.wg.Wait()
	return nil
}

// Done is closed once the socket is gone.
func (c *WSConn) Done() <-chan struct{} { return c.closed }

// Err reports why the socket closed, or nil while it is open.
func (c *WSConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *WSConn) Codec() protocol.Codec { return c.codec }

func (c *WSConn) ActiveBinds() int { return c.binds.len() }

func (c *WSConn) OnMsg(fn func(*protocol.Msg)) func() {
	return c.subs.add(fn)
}

// Request sends msg and waits for the first reply with its tid that is an
// error envelope or passes opts.WaitFor.
func (c *WSConn) Request(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*protocol.Msg, error) {
	p, err := c.pending.add(msg.Tid, opts.WaitFor)
	if err != nil {
		return nil, err
	}

	timeout := c.settings.timeoutFor(opts)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.write(tctx, msg); err != nil {
		c.pending.remove(msg.Tid)
		return nil, timeoutError(tctx, timeout, err)
	}

	select {
	case res := <-p.res:
		return res.msg, res.err
	case <-tctx.Done():
		c.pending.remove(msg.Tid)
		return nil, timeoutError(tctx, timeout, tctx.Err())
	}
}

// Bind registers a stream for msg's tid and connection, then sends msg.
func (c *WSConn) Bind(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*Stream, error) {
	s := newStream(msg.Tid, msg.ConnID(), opts.WaitFor, c.settings.BindBuffer)
	if !c.binds.add(s) {
		return nil, ErrConnClosed
	}

	timeout := c.settings.timeoutFor(opts)
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.write(tctx, msg); err != nil {
		s.Cancel()
		return nil, timeoutError(tctx, timeout, err)
	}
	return s, nil
}

func (c *WSConn) Send(ctx context.Context, msg *protocol.Msg) error {
	tctx, cancel := context.WithTimeout(ctx, c.settings.WriteTimeout)
	defer cancel()
	return timeoutError(tctx, c.settings.WriteTimeout, c.write(tctx, msg))
}

func (c *WSConn) write(ctx context.Context, msg *protocol.Msg) error {
	c.mu.Lock()
	ws, cause := c.ws, c.cause
	c.mu.Unlock()

	if cause != nil {
		return cause
	}
	if ws == nil {
		return fmt.Errorf("websocket not started")
	}

	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := ws.Write(ctx, frameType(c.codec), data); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *WSConn) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := ws.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				c.shutdown(ErrConnClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrConnClosed, err))
			}
			return
		}

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Printf("WARNING: Dropping undecodable frame (%d bytes): %v", len(data), err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *WSConn) dispatch(msg *protocol.Msg) {
	c.subs.broadcast(msg)
	c.pending.resolve(msg)
	c.binds.dispatch(msg)
}

// shutdown records cause, closes the socket and fails everything waiting
// on it. Only the first call has any effect.
func (c *WSConn) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = cause
		ws := c.ws
		c.mu.Unlock()

		close(c.closed)
		c.pending.closeAll(cause)
		c.binds.closeAll()

		if ws != nil {
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = ws.Close(websocket.StatusNormalClosure, "")
			}()
			select {
			case <-done:
			case <-time.After(c.settings.WriteTimeout):
				_ = ws.CloseNow()
			}
		}
		c.cancel()
	})
}

func frameType(codec protocol.Codec) websocket.MessageType {
	if codec.Encoding() == protocol.EncodingCBOR {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}
