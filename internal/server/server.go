// Package server is the sync server: one HTTP endpoint for request/response
// traffic, one WebSocket endpoint for streaming sessions, both feeding the
// same dispatcher, room and meta merger.
//
// Routes:
//
//	PUT /fp       one envelope in, one envelope out (JSON or CBOR by Content-Type)
//	GET /ws       WebSocket upgrade; text frames JSON, binary frames CBOR
//	GET /health   liveness and membership counts
//	GET /metrics  Prometheus exposition
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/fpsync/fpsync/internal/auth"
	"github.com/fpsync/fpsync/internal/merger"
	"github.com/fpsync/fpsync/internal/metrics"
	"github.com/fpsync/fpsync/internal/protocol"
	"github.com/fpsync/fpsync/internal/sign"
)

const maxBodyBytes = 16 << 20

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// Gestalt advertised to clients (default: both transports, JSON and CBOR)
	Gestalt protocol.Gestalt

	// Merger backs the meta operations. Required.
	Merger *merger.Merger

	// Bridge answers data/WAL requests. Without it they fail.
	Bridge *sign.Bridge

	// Verifier checks auth tokens. nil accepts every request.
	Verifier auth.Verifier

	// Metrics collectors (default: a fresh registry)
	Metrics *metrics.Metrics

	// RateLimit is the per-socket inbound message rate; 0 disables it.
	RateLimit float64
	RateBurst int

	// WriteTimeout bounds each push to a socket (default: 5s)
	WriteTimeout time.Duration

	// Debug logs every dispatched message.
	Debug bool

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. Merger still has to be set.
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":8787",
		RateBurst:    50,
		WriteTimeout: 5 * time.Second,
	}
}

// Server manages HTTP and WebSocket clients of one room.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	gestalt    protocol.Gestalt
	merger     *merger.Merger
	bridge     *sign.Bridge
	dispatcher *Dispatcher
	room       *room
	metrics    *metrics.Metrics

	// WebSocket client management
	sockets   map[*socket]bool
	socketsMu sync.RWMutex
	rateLimit float64
	rateBurst int
	writeTO   time.Duration

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a server. It does not listen until Start.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Merger == nil {
		return nil, fmt.Errorf("server requires a merger")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}
	g := config.Gestalt
	if g.ID == "" {
		g = protocol.NewGestalt(protocol.GestaltParams{})
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m := config.Metrics
	if m == nil {
		m = metrics.New()
	}
	writeTO := config.WriteTimeout
	if writeTO <= 0 {
		writeTO = DefaultConfig().WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		gestalt:   g,
		merger:    config.Merger,
		bridge:    config.Bridge,
		room:      newRoom(),
		metrics:   m,
		sockets:   make(map[*socket]bool),
		rateLimit: config.RateLimit,
		rateBurst: config.RateBurst,
		writeTO:   writeTO,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	s.dispatcher = &Dispatcher{
		catalog:  s.catalog,
		room:     s.room,
		verifier: config.Verifier,
		metrics:  m,
		logger:   logger,
	}
	s.dispatcher.debug.Store(config.Debug)
	return s, nil
}

// SetDebug toggles per-message logging.
func (s *Server) SetDebug(on bool) { s.dispatcher.debug.Store(on) }

// Gestalt returns what the server advertises.
func (s *Server) Gestalt() protocol.Gestalt { return s.gestalt }

// Dispatcher returns the dispatcher, for registering extra routes.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Handler returns the HTTP routes without listening.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fp", s.handleHTTP)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start begins listening and serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every socket, shuts the HTTP server down and waits for all
// socket readers to exit.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	s.socketsMu.RLock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.socketsMu.RUnlock()
	for _, sock := range socks {
		_ = sock.ws.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// MemberCount returns the number of open connection identities.
func (s *Server) MemberCount() int { return s.room.len() }

// SocketCount returns the number of connected WebSockets.
func (s *Server) SocketCount() int {
	s.socketsMu.RLock()
	defer s.socketsMu.RUnlock()
	return len(s.sockets)
}

// handleHTTP serves one request/response exchange.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.Header().Set("Allow", "PUT, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	codec, err := protocol.CodecForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		s.writeEnvelope(w, protocol.JSON(), http.StatusUnsupportedMediaType, protocol.NewError(nil, err))
		return
	}
	out := codec
	if accept := r.Header.Get("Accept"); accept != "" {
		if c, err := protocol.CodecForContentType(accept); err == nil {
			out = c
		}
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeEnvelope(w, out, http.StatusBadRequest, protocol.NewError(nil, fmt.Errorf("failed to read body: %w", err)))
		return
	}
	msg, err := codec.Decode(data)
	if err != nil {
		s.writeEnvelope(w, out, http.StatusBadRequest, protocol.NewError(nil, err))
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), msg, nil)
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeEnvelope(w, out, http.StatusOK, res)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, codec protocol.Codec, status int, m *protocol.Msg) {
	data, err := codec.Encode(m)
	if err != nil {
		s.logger.Printf("Failed to encode %s: %v", m.Type, err)
		http.Error(w, "failed to encode reply", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxBodyBytes)

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		burst := s.rateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), burst)
	}
	sock := newSocket(ws, limiter, s.writeTO)

	s.socketsMu.Lock()
	s.sockets[sock] = true
	count := len(s.sockets)
	s.socketsMu.Unlock()
	s.metrics.Sockets.Inc()

	s.logger.Printf("Client connected (total: %d)", count)

	s.wg.Add(1)
	go s.readLoop(sock)
}

// readLoop handles one socket's messages in arrival order.
func (s *Server) readLoop(sock *socket) {
	defer s.wg.Done()
	defer s.removeSocket(sock)

	for {
		typ, data, err := sock.ws.Read(s.ctx)
		if err != nil {
			return
		}

		msg, err := sock.decode(typ, data)
		if err != nil {
			s.reply(sock, protocol.NewError(nil, err))
			continue
		}
		if !sock.allow() {
			s.metrics.RateLimited.Inc()
			s.reply(sock, protocol.NewErrorf(msg, "rate limit exceeded"))
			continue
		}

		if res := s.dispatcher.Dispatch(s.ctx, msg, sock); res != nil {
			s.reply(sock, res)
		}
	}
}

func (s *Server) reply(sock *socket, m *protocol.Msg) {
	if err := sock.push(s.ctx, m); err != nil {
		s.logger.Printf("Failed to send %s to client: %v", m.Type, err)
	}
}

// removeSocket forgets sock and every room member attached to it.
func (s *Server) removeSocket(sock *socket) {
	s.socketsMu.Lock()
	if _, exists := s.sockets[sock]; !exists {
		s.socketsMu.Unlock()
		return
	}
	delete(s.sockets, sock)
	count := len(s.sockets)
	s.socketsMu.Unlock()
	s.metrics.Sockets.Dec()

	dropped := s.room.dropPeer(sock)
	s.metrics.Members.Sub(float64(len(dropped)))

	_ = sock.ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d, members dropped: %d)", count, len(dropped))
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"members": s.MemberCount(),
		"sockets": s.SocketCount(),
	})
}
