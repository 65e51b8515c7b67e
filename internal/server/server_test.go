package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/merger"
	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/sign"
	"github.com/fpsync/fpsync/internal/store"
	"github.com/fpsync/fpsync/internal/transport"
)

var (
	quiet = log.New(io.Discard, "", 0)
	tl    = protocol.TenantLedger{Tenant: "t", Ledger: "l"}
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	m := merger.New(db.RawDB(), quiet)
	if err := m.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Merger = m
	cfg.Logger = quiet
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop()
	})
	return srv, ts
}

func connect(t *testing.T, ts *httptest.Server, reqID string) *transport.Session {
	t.Helper()
	s, _, err := transport.Connect(context.Background(), &transport.Config{
		URL:    ts.URL,
		ReqID:  reqID,
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("Connect(%s) failed: %v", reqID, err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func reqResOnly(c *Config) {
	c.Gestalt = protocol.NewGestalt(protocol.GestaltParams{Capabilities: []protocol.Capability{protocol.CapReqRes}})
}

func cids(entries []protocol.CRDTEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.CID)
	}
	return out
}

func TestDispatch_UnexpectedMessage(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	m := protocol.New(protocol.ResChat)
	res := srv.dispatcher.Dispatch(context.Background(), m, nil)
	if !res.IsError() || !strings.Contains(res.Message, ErrUnexpectedMessage.Error()) {
		t.Fatalf("Dispatch(resChat) = %+v, want unexpected message", res)
	}
	if res.Src == nil || res.Src.Tid != m.Tid {
		t.Errorf("error src = %+v, want the request", res.Src)
	}
}

func TestDispatch_MissingConnection(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	called := false
	srv.Dispatcher().Register(Route{
		Match:              protocol.IsType("reqCustom"),
		RequiresConnection: true,
		Handle: func(context.Context, *Request) (*protocol.Msg, error) {
			called = true
			return nil, nil
		},
	})

	for _, conn := range []*protocol.QSId{nil, {ReqID: "ghost", ResID: "x"}} {
		m := protocol.New("reqCustom")
		m.Conn = conn
		res := srv.dispatcher.Dispatch(context.Background(), m, nil)
		if !res.IsError() || !strings.Contains(res.Message, ErrMissingConnection.Error()) {
			t.Errorf("Dispatch(conn=%v) = %+v, want missing connection", conn, res)
		}
	}
	if called {
		t.Error("handler ran for a message without a live connection")
	}
}

func TestDispatch_RegisteredRouteOverridesCatalog(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.Dispatcher().Register(Route{
		Match: protocol.IsType(protocol.ReqChat),
		Handle: func(_ context.Context, req *Request) (*protocol.Msg, error) {
			res := req.Msg.Reply(protocol.ResChat)
			res.Message = "custom: " + req.Msg.Message
			return res, nil
		},
	})

	res := srv.dispatcher.Dispatch(context.Background(), protocol.NewReqChat("hi"), nil)
	if res.IsError() || res.Message != "custom: hi" {
		t.Errorf("Dispatch(reqChat) = %+v, want the registered handler's reply", res)
	}
}

func TestDispatch_OpenCloseIdempotence(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	open := func() protocol.QSId {
		res := srv.dispatcher.Dispatch(ctx, protocol.NewReqOpen("r1"), nil)
		if res.Type != protocol.ResOpen || res.Conn == nil {
			t.Fatalf("open = %+v, want resOpen", res)
		}
		return *res.Conn
	}

	first := open()
	second := open()
	if first != second {
		t.Fatalf("reopen with same reqId = %s, want %s", second, first)
	}
	if srv.MemberCount() != 1 {
		t.Errorf("MemberCount() = %d, want 1", srv.MemberCount())
	}

	res := srv.dispatcher.Dispatch(ctx, protocol.NewReqClose(first), nil)
	if res.Type != protocol.ResClose {
		t.Fatalf("close = %+v, want resClose", res)
	}
	if srv.MemberCount() != 0 {
		t.Errorf("MemberCount() after close = %d, want 0", srv.MemberCount())
	}

	third := open()
	if third.ResID == first.ResID {
		t.Errorf("open after close reused resId %s", first.ResID)
	}

	stale := protocol.NewReqChat("hi")
	stale.Conn = &first
	if res := srv.dispatcher.Dispatch(ctx, stale, nil); !res.IsError() {
		t.Errorf("stale identity accepted: %+v", res)
	}
}

func TestDispatch_OpenRequiresReqID(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	res := srv.dispatcher.Dispatch(context.Background(), protocol.New(protocol.ReqOpen), nil)
	if !res.IsError() {
		t.Fatalf("open without reqId = %+v, want error", res)
	}
}

func TestDispatch_PanicBecomesErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.Dispatcher().Register(Route{
		Match: protocol.IsType("reqBoom"),
		Handle: func(context.Context, *Request) (*protocol.Msg, error) {
			panic("kaboom")
		},
	})

	m := protocol.New("reqBoom")
	res := srv.dispatcher.Dispatch(context.Background(), m, nil)
	if !res.IsError() || !strings.Contains(res.Message, "kaboom") {
		t.Fatalf("Dispatch() = %+v, want error envelope", res)
	}
	if res.Stack == "" {
		t.Error("panic envelope has no stack")
	}
	if res.Tid != m.Tid {
		t.Errorf("tid = %s, want %s", res.Tid, m.Tid)
	}
}

func TestDispatch_VerifiesAuth(t *testing.T) {
	secret := []byte("s3cret")
	srv, _ := newTestServer(t, func(c *Config) {
		c.Verifier = &auth.JWTVerifier{Secret: secret}
	})
	ctx := context.Background()

	if res := srv.dispatcher.Dispatch(ctx, protocol.NewReqGestalt(protocol.NewGestalt(protocol.GestaltParams{})), nil); res.IsError() {
		t.Errorf("gestalt request rejected: %s", res.Message)
	}

	anon := protocol.NewReqOpen("r1")
	res := srv.dispatcher.Dispatch(ctx, anon, nil)
	if !res.IsError() || !strings.Contains(res.Message, auth.ErrUnauthorized.Error()) {
		t.Errorf("anonymous open = %+v, want unauthorized", res)
	}

	tok, err := (&auth.JWTProvider{Secret: secret, Subject: "alice"}).Token(ctx)
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	signed := protocol.NewReqOpen("r1")
	signed.Auth = tok
	if res := srv.dispatcher.Dispatch(ctx, signed, nil); res.IsError() {
		t.Errorf("authenticated open rejected: %s", res.Message)
	}
}

func TestEndToEnd_MetaOverHTTP(t *testing.T) {
	_, ts := newTestServer(t, reqResOnly)
	ctx := context.Background()

	a := connect(t, ts, "client-a")
	if _, ok := a.Raw().(*transport.HTTPConn); !ok {
		t.Fatalf("client uses %T, want *transport.HTTPConn", a.Raw())
	}
	acked, err := a.PutMeta(ctx, tl, []protocol.CRDTEntry{{CID: "m1", Parents: []string{}}})
	if err != nil {
		t.Fatalf("PutMeta() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m1"}, cids(acked)); diff != "" {
		t.Errorf("put ack mismatch (-want +got):\n%s", diff)
	}

	b := connect(t, ts, "client-b")
	got, err := b.GetMeta(ctx, tl)
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m1"}, cids(got)); diff != "" {
		t.Errorf("first delivery mismatch (-want +got):\n%s", diff)
	}

	again, err := b.GetMeta(ctx, tl)
	if err != nil {
		t.Fatalf("second GetMeta() failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second delivery = %v, want nothing new", cids(again))
	}

	if _, err := a.PutMeta(ctx, tl, []protocol.CRDTEntry{{CID: "m2", Parents: []string{"m1"}}}); err != nil {
		t.Fatalf("PutMeta(m2) failed: %v", err)
	}
	next, err := b.GetMeta(ctx, tl)
	if err != nil {
		t.Fatalf("third GetMeta() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m2"}, cids(next)); diff != "" {
		t.Errorf("delivery after new head mismatch (-want +got):\n%s", diff)
	}
}

func TestEndToEnd_MetaOverWebSocket(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := connect(t, ts, "client-a")
	if _, ok := a.Raw().(*transport.WSConn); !ok {
		t.Fatalf("client uses %T, want *transport.WSConn", a.Raw())
	}
	if _, err := a.PutMeta(ctx, tl, []protocol.CRDTEntry{{CID: "m1", Parents: []string{}}}); err != nil {
		t.Fatalf("PutMeta() failed: %v", err)
	}

	b := connect(t, ts, "client-b")
	stream, err := b.BindMeta(ctx, tl)
	if err != nil {
		t.Fatalf("BindMeta() failed: %v", err)
	}
	defer stream.Cancel()

	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"m1"}, cids(ev.Metas)); diff != "" {
		t.Errorf("first event mismatch (-want +got):\n%s", diff)
	}

	// a second bind from the same identity has nothing new to report
	idle, err := b.BindMeta(ctx, tl)
	if err != nil {
		t.Fatalf("second BindMeta() failed: %v", err)
	}
	defer idle.Cancel()
	wctx, wcancel := context.WithTimeout(ctx, 200*time.Millisecond)
	if m, err := idle.Next(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second bind delivered %+v, %v; want nothing", m, err)
	}
	wcancel()

	if _, err := a.PutMeta(ctx, tl, []protocol.CRDTEntry{{CID: "m2", Parents: []string{"m1"}}}); err != nil {
		t.Fatalf("PutMeta(m2) failed: %v", err)
	}
	for _, s := range []*transport.Stream{stream, idle} {
		ev, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next() after push failed: %v", err)
		}
		if diff := cmp.Diff([]string{"m2"}, cids(ev.Metas)); diff != "" {
			t.Errorf("pushed event mismatch (-want +got):\n%s", diff)
		}
	}

	if srv.MemberCount() != 2 {
		t.Errorf("MemberCount() = %d, want 2", srv.MemberCount())
	}
}

func TestChat_BroadcastsToOtherMembers(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ctx := context.Background()

	a := connect(t, ts, "client-a")
	b := connect(t, ts, "client-b")

	got := make(chan *protocol.Msg, 4)
	unsubscribe := b.OnMsg(func(m *protocol.Msg) {
		if m.Type == protocol.ResChat {
			got <- m
		}
	})
	defer unsubscribe()

	selfSeen := make(chan *protocol.Msg, 4)
	a.OnMsg(func(m *protocol.Msg) {
		if m.Type == protocol.ResChat {
			selfSeen <- m
		}
	})

	if err := a.Chat(ctx, "hello room"); err != nil {
		t.Fatalf("Chat() failed: %v", err)
	}

	select {
	case m := <-got:
		if m.Message != "hello room" {
			t.Errorf("pushed chat = %q, want %q", m.Message, "hello room")
		}
		if aConn, _ := a.Conn(); m.ConnID() != aConn {
			t.Errorf("pushed chat conn = %s, want sender %s", m.ConnID(), aConn)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other member did not receive the chat")
	}

	// the sender sees only its own acknowledgement
	if n := len(selfSeen); n != 1 {
		t.Errorf("sender saw %d chat messages, want 1", n)
	}
}

func TestDisconnect_DropsMembers(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ctx := context.Background()

	a := connect(t, ts, "client-a")
	_ = connect(t, ts, "client-b")
	if srv.MemberCount() != 2 {
		t.Fatalf("MemberCount() = %d, want 2", srv.MemberCount())
	}

	// drop the socket without announcing reqClose
	if err := a.Raw().Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.MemberCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.MemberCount() != 1 {
		t.Errorf("MemberCount() after disconnect = %d, want 1", srv.MemberCount())
	}
}

func TestSignedOps(t *testing.T) {
	signer, err := sign.NewJWTSigner("https://objects.example.com", []byte("k"))
	if err != nil {
		t.Fatalf("NewJWTSigner() failed: %v", err)
	}
	_, ts := newTestServer(t, func(c *Config) {
		c.Bridge = sign.NewBridge(signer, quiet)
	})
	ctx := context.Background()
	s := connect(t, ts, "client-a")

	res, err := s.SignedURL(ctx, protocol.ReqPutWAL, tl, protocol.SignedOp{Key: "bafy"})
	if err != nil {
		t.Fatalf("SignedURL() failed: %v", err)
	}
	if res.Type != protocol.ResPutWAL || !strings.Contains(res.SignedURL, "/wal/t/l/bafy") {
		t.Errorf("SignedURL() = %s %q", res.Type, res.SignedURL)
	}

	if _, err := s.SignedURL(ctx, protocol.ReqGetData, tl, protocol.SignedOp{}); err == nil {
		t.Error("SignedURL() without key succeeded")
	}
}

func TestSignedOps_NoSigner(t *testing.T) {
	_, ts := newTestServer(t, reqResOnly)
	s := connect(t, ts, "client-a")

	_, err := s.SignedURL(context.Background(), protocol.ReqGetData, tl, protocol.SignedOp{Key: "k"})
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("SignedURL() = %v, want remote error", err)
	}
}

func TestRateLimit(t *testing.T) {
	_, ts := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	s := connect(t, ts, "client-a") // the open consumes the burst

	err := s.Chat(context.Background(), "too fast")
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("Chat() = %v, want rate limit error", err)
	}
}

func TestHTTP_RejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/fp", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/fp", bytes.NewReader([]byte(`{"type":"reqChat"}`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	env, err := protocol.JSON().Decode(data)
	if err != nil || !env.IsError() {
		t.Errorf("body = %s, want error envelope", data)
	}

	resp, err = http.Get(ts.URL + "/fp")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /fp status = %d, want 405", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, reqResOnly)
	_ = connect(t, ts, "client-a")

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	var health struct {
		Status  string `json:"status"`
		Members int    `json:"members"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if health.Status != "ok" || health.Members != 1 {
		t.Errorf("/health = %+v, want ok with 1 member", health)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "fpsync_messages_total") {
		t.Errorf("/metrics lacks fpsync_messages_total")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.Addr = "127.0.0.1:0" })
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if srv.Addr() == "127.0.0.1:0" {
		t.Error("Addr() did not report the bound port")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestNew_RequiresMerger(t *testing.T) {
	if _, err := New(&Config{Logger: quiet}); err == nil {
		t.Error("New() without merger succeeded")
	}
}
