package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/protocol"
)

// Session is a RawConn after the open handshake. Every message it sends
// carries the established connection identity and, when a token provider
// is configured, a fresh auth token.
type Session struct {
	raw    RawConn
	tokens auth.TokenProvider
	reqID  string
	logger *log.Logger

	mu   sync.RWMutex
	conn *protocol.QSId
}

// NewSession wraps raw. An empty reqID is replaced by a random UUID. A nil
// logger writes to stderr.
func NewSession(raw RawConn, tokens auth.TokenProvider, reqID string, logger *log.Logger) *Session {
	if reqID == "" {
		reqID = uuid.NewString()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Session{raw: raw, tokens: tokens, reqID: reqID, logger: logger}
}

// Raw returns the underlying transport.
func (s *Session) Raw() RawConn { return s.raw }

// Conn returns the connection identity and whether the session is open.
func (s *Session) Conn() (protocol.QSId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return protocol.QSId{}, false
	}
	return *s.conn, true
}

// Open performs the handshake: reqOpen with our reqId, answered by resOpen
// carrying the server's resId. Opening an open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	if _, ok := s.Conn(); ok {
		return nil
	}

	req := protocol.NewReqOpen(s.reqID)
	if err := s.attachAuth(ctx, req); err != nil {
		return err
	}
	res, err := s.raw.Request(ctx, req, RequestOpts{WaitFor: protocol.IsResOpen})
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	if res.Conn == nil || res.Conn.ResID == "" || res.Conn.ReqID != s.reqID {
		return fmt.Errorf("failed to open session: %w: resOpen carries conn %+v", protocol.ErrMalformedMsg, res.Conn)
	}

	conn := *res.Conn
	s.mu.Lock()
	s.conn = &conn
	s.mu.Unlock()
	return nil
}

// Close announces reqClose and closes the transport. The transport is
// closed even if the announcement fails.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var announceErr error
	if conn != nil {
		req := protocol.NewReqClose(*conn)
		if err := s.attachAuth(ctx, req); err != nil {
			announceErr = err
		} else if res, err := s.raw.Request(ctx, req, RequestOpts{WaitFor: protocol.IsResClose}); err != nil {
			announceErr = err
		} else {
			announceErr = res.Err()
		}
		if announceErr != nil {
			s.logger.Printf("WARNING: Failed to announce close of %s: %v", conn, announceErr)
		}
	}

	if err := s.raw.Close(ctx); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Request sends msg over the open session. Remote failures come back as
// error envelopes; use Msg.Err to inspect them.
func (s *Session) Request(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*protocol.Msg, error) {
	out, err := s.prepare(ctx, msg)
	if err != nil {
		return nil, err
	}
	return s.raw.Request(ctx, out, opts)
}

// Bind sends msg over the open session and streams its replies.
func (s *Session) Bind(ctx context.Context, msg *protocol.Msg, opts RequestOpts) (*Stream, error) {
	out, err := s.prepare(ctx, msg)
	if err != nil {
		return nil, err
	}
	return s.raw.Bind(ctx, out, opts)
}

// Send delivers msg over the open session without waiting.
func (s *Session) Send(ctx context.Context, msg *protocol.Msg) error {
	out, err := s.prepare(ctx, msg)
	if err != nil {
		return err
	}
	return s.raw.Send(ctx, out)
}

// OnMsg registers fn for every inbound message on the transport.
func (s *Session) OnMsg(fn func(*protocol.Msg)) func() {
	return s.raw.OnMsg(fn)
}

// ActiveBinds counts the transport's live bind streams.
func (s *Session) ActiveBinds() int { return s.raw.ActiveBinds() }

func (s *Session) prepare(ctx context.Context, msg *protocol.Msg) (*protocol.Msg, error) {
	conn, ok := s.Conn()
	if !ok {
		return nil, ErrNotOpen
	}
	out := msg.Clone()
	out.Conn = &conn
	if err := s.attachAuth(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Session) attachAuth(ctx context.Context, msg *protocol.Msg) error {
	if s.tokens == nil {
		return nil
	}
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	msg.Auth = tok
	return nil
}

// PutMeta merges metas into the tenant/ledger and returns what the server
// acknowledged.
func (s *Session) PutMeta(ctx context.Context, tl protocol.TenantLedger, metas []protocol.CRDTEntry) ([]protocol.CRDTEntry, error) {
	res, err := s.Request(ctx, protocol.NewReqPutMeta(tl, metas), RequestOpts{WaitFor: protocol.IsResPutMeta})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Metas, nil
}

// DelMeta removes cids from the tenant/ledger, or all entries when cids is
// empty.
func (s *Session) DelMeta(ctx context.Context, tl protocol.TenantLedger, cids []string) error {
	res, err := s.Request(ctx, protocol.NewReqDelMeta(tl, cids), RequestOpts{WaitFor: protocol.IsResDelMeta})
	if err != nil {
		return err
	}
	return res.Err()
}

// GetMeta returns the entries of the tenant/ledger this connection has not
// yet been sent, in one round trip. Over a socket the server stays silent
// when there is nothing new, so streaming clients use BindMeta instead.
func (s *Session) GetMeta(ctx context.Context, tl protocol.TenantLedger) ([]protocol.CRDTEntry, error) {
	res, err := s.Request(ctx, protocol.NewBindGetMeta(tl), RequestOpts{WaitFor: protocol.IsEventGetMeta})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Metas, nil
}

// BindMeta subscribes to meta events for the tenant/ledger.
func (s *Session) BindMeta(ctx context.Context, tl protocol.TenantLedger) (*Stream, error) {
	return s.Bind(ctx, protocol.NewBindGetMeta(tl), RequestOpts{WaitFor: protocol.IsEventGetMeta})
}

// SignedURL asks for a signed URL for one data or WAL operation. t must be
// one of the data/WAL request types.
func (s *Session) SignedURL(ctx context.Context, t protocol.MsgType, tl protocol.TenantLedger, op protocol.SignedOp) (*protocol.Msg, error) {
	resType, ok := protocol.ResponseTypeFor(t)
	if !ok {
		return nil, fmt.Errorf("no response type for %s", t)
	}
	res, err := s.Request(ctx, protocol.NewReqSignedOp(t, tl, op), RequestOpts{WaitFor: protocol.IsType(resType)})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Chat relays text to the other members of this connection's room.
func (s *Session) Chat(ctx context.Context, text string) error {
	res, err := s.Request(ctx, protocol.NewReqChat(text), RequestOpts{WaitFor: protocol.IsResChat})
	if err != nil {
		return err
	}
	return res.Err()
}
