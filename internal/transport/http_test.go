package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fpsync/fpsync/internal/protocol"
)

func reqResGestalt() protocol.Gestalt {
	return protocol.NewGestalt(protocol.GestaltParams{Capabilities: []protocol.Capability{protocol.CapReqRes}})
}

func TestHTTPConn_RoundTrip(t *testing.T) {
	fs := newFakeServer(t, reqResGestalt(), nil)
	c, err := NewHTTPConn([]string{fs.URL + "/fp"}, protocol.JSON(), nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPConn() failed: %v", err)
	}

	var seen []*protocol.Msg
	c.OnMsg(func(m *protocol.Msg) { seen = append(seen, m) })

	req := protocol.NewReqChat("hello")
	res, err := c.Request(context.Background(), req, RequestOpts{WaitFor: protocol.IsResChat})
	if err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if res.Tid != req.Tid || res.Message != "hello" {
		t.Errorf("Request() = %+v, want echo of %s", res, req.Tid)
	}
	if len(seen) != 1 {
		t.Errorf("subscriber saw %d messages, want 1", len(seen))
	}

	if _, err := c.Request(context.Background(), protocol.NewReqChat("x"), RequestOpts{WaitFor: protocol.IsResPutMeta}); err == nil {
		t.Error("Request() accepted a reply its predicate rejects")
	}
}

func TestHTTPConn_BindYieldsOneReply(t *testing.T) {
	fs := newFakeServer(t, reqResGestalt(), nil)
	c, err := NewHTTPConn([]string{fs.URL + "/fp"}, protocol.JSON(), nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPConn() failed: %v", err)
	}

	s, err := c.Bind(context.Background(), protocol.NewReqChat("once"), RequestOpts{})
	if err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	if m, err := s.Next(context.Background()); err != nil || m.Message != "once" {
		t.Fatalf("Next() = %+v, %v; want the single reply", m, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("second Next() = %v, want io.EOF", err)
	}
	if got := c.ActiveBinds(); got != 0 {
		t.Errorf("ActiveBinds() = %d, want 0", got)
	}
}

func TestHTTPConn_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	c, err := NewHTTPConn([]string{srv.URL + "/fp"}, protocol.JSON(), nil, &Settings{RequestTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewHTTPConn() failed: %v", err)
	}

	_, err = c.Request(context.Background(), protocol.NewReqChat("slow"), RequestOpts{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Request() = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "Timeout") {
		t.Errorf("error text %q does not mention Timeout", err)
	}
}

func TestHTTPConn_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c, err := NewHTTPConn([]string{"http://" + addr + "/fp"}, protocol.JSON(), nil, nil)
	if err != nil {
		t.Fatalf("NewHTTPConn() failed: %v", err)
	}
	_, err = c.Request(context.Background(), protocol.NewReqChat("x"), RequestOpts{})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Request() = %v, want connection refused", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("refused connection reported as timeout: %v", err)
	}
}

func TestHTTPConn_ClosedRejects(t *testing.T) {
	fs := newFakeServer(t, reqResGestalt(), nil)
	c, _ := NewHTTPConn([]string{fs.URL + "/fp"}, protocol.JSON(), nil, nil)
	_ = c.Close(context.Background())

	if _, err := c.Request(context.Background(), protocol.NewReqChat("x"), RequestOpts{}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Request() after Close = %v, want ErrConnClosed", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Start() after Close = %v, want ErrConnClosed", err)
	}
}

func TestNewHTTPConn_RequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPConn(nil, protocol.JSON(), nil, nil); err == nil {
		t.Error("NewHTTPConn(nil) succeeded")
	}
}
