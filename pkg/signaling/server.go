package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/cmdq/internal/observability"
	"github.com/harun/cmdq/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Request is an inbound request handed to a Handler
type Request struct {
	ID     string
	Method string
	Data   json.RawMessage
	PeerID string
}

// Bind decodes the request data into v
func (r *Request) Bind(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return NewPeerError(CodeBadRequest, fmt.Sprintf("invalid data: %v", err))
	}
	return nil
}

// Handler serves one method. Returning a *PeerError keeps its code; any
// other error is reported as 500.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host     string
	Port     int
	Schemas  *SchemaRegistry
	DedupTTL time.Duration
	Logger   *zerolog.Logger

	// Per-connection admission limits; 0 disables the limit
	RequestsPerMinute int
	MaxConcurrent     int
}

// Server is a signaling peer that answers requests over WebSocket
type Server struct {
	addr     string
	schemas  *SchemaRegistry
	dedup    *dedupCache
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	requestsPerMinute int
	maxConcurrent     int

	server   *http.Server
	listener net.Listener

	// ctx is cancelled by Stop; every handler context derives from it
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	handlers map[string]Handler

	connMu       sync.Mutex
	conns        map[string]*peerConn
	shuttingDown bool
	inFlight     sync.WaitGroup
}

type peerConn struct {
	id      string
	conn    *websocket.Conn
	limiter *peerLimiter
	writeMu sync.Mutex
}

func (p *peerConn) send(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(msg)
}

// NewServer creates a signaling server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.RequestsPerMinute < 0 || cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("request limits cannot be negative")
	}
	if cfg.Schemas == nil {
		cfg.Schemas = NewSchemaRegistry(cfg.Logger)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		ctx:      ctx,
		cancel:   cancel,
		addr:     net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		schemas:  cfg.Schemas,
		dedup:    newDedupCache(cfg.DedupTTL),
		logger:   logger.With().Str("component", "signaling-server").Logger(),
		handlers: make(map[string]Handler),

		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,

		conns:    make(map[string]*peerConn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handle registers the handler for method
func (s *Server) Handle(method string, handler Handler) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
	return nil
}

// Schemas returns the server's schema registry
func (s *Server) Schemas() *SchemaRegistry {
	return s.schemas
}

// Handler returns the HTTP handler serving /ws, /metrics and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"stats":  s.Stats(),
		})
	})
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting signaling server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Signaling server error")
		}
	}()

	return nil
}

// Addr returns the listen address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new requests, cancels the handlers in flight, waits for them
// to answer and then closes every connection
func (s *Server) Stop() error {
	s.connMu.Lock()
	s.shuttingDown = true
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.connMu.Unlock()

	s.logger.Info().Msg("Shutting down signaling server")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, dropping in-flight requests")
	}

	for _, pc := range conns {
		_ = pc.conn.Close()
	}

	s.dedup.Stop()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Signaling server stopped")
	return nil
}

// Broadcast sends a notification to every connected peer
func (s *Server) Broadcast(method string, data interface{}) error {
	msg, err := NewNotification(method, data)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.connMu.Unlock()

	for _, pc := range conns {
		if err := pc.send(msg); err != nil {
			s.logger.Warn().Err(err).Str("peerId", pc.id).Msg("Failed to send notification")
		}
	}
	return nil
}

// Stats is a snapshot of the server's load
type Stats struct {
	Connections    int `json:"connections"`
	InFlight       int `json:"inFlight"`
	WindowRequests int `json:"windowRequests"`
	DedupEntries   int `json:"dedupEntries"`
}

// Stats sums the per-connection limiter counters and the dedup cache size
func (s *Server) Stats() Stats {
	s.connMu.Lock()
	limiters := make([]*peerLimiter, 0, len(s.conns))
	for _, pc := range s.conns {
		limiters = append(limiters, pc.limiter)
	}
	s.connMu.Unlock()

	stats := Stats{
		Connections:  len(limiters),
		DedupEntries: s.dedup.Size(),
	}
	for _, l := range limiters {
		window, inFlight := l.stats()
		stats.WindowRequests += window
		stats.InFlight += inFlight
	}
	return stats
}

// Connections returns the number of connected peers
func (s *Server) Connections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.connMu.Lock()
	shuttingDown := s.shuttingDown
	s.connMu.Unlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	peerID, _ := gonanoid.New()
	pc := &peerConn{
		id:      peerID,
		conn:    conn,
		limiter: newPeerLimiter(s.requestsPerMinute, s.maxConcurrent),
	}

	s.connMu.Lock()
	if s.shuttingDown {
		s.connMu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[peerID] = pc
	count := len(s.conns)
	s.connMu.Unlock()
	observability.SetPeerConnections(count)

	s.logger.Info().
		Str("peerId", peerID).
		Str("ip", r.RemoteAddr).
		Msg("Peer connected")

	go s.serveConn(pc)
}

func (s *Server) serveConn(pc *peerConn) {
	defer func() {
		_ = pc.conn.Close()

		s.connMu.Lock()
		delete(s.conns, pc.id)
		count := len(s.conns)
		s.connMu.Unlock()
		observability.SetPeerConnections(count)

		s.logger.Info().Str("peerId", pc.id).Msg("Peer disconnected")
	}()

	for {
		_, raw, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("peerId", pc.id).Msg("WebSocket error")
			}
			return
		}

		msg, err := ParseMessage(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("peerId", pc.id).Msg("Dropping malformed message")
			continue
		}

		switch {
		case msg.Request:
			if !s.admit() {
				s.refuse(pc, msg, CodeServiceUnavailable, "server shutting down")
				continue
			}
			if ok, reason := pc.limiter.acquire(); !ok {
				s.inFlight.Done()
				s.refuse(pc, msg, CodeTooManyRequests, reason)
				continue
			}

			go func() {
				defer s.inFlight.Done()
				defer pc.limiter.release()
				s.serveRequest(pc, msg)
			}()
		case msg.Notification:
			s.logger.Debug().Str("peerId", pc.id).Str("method", msg.Method).Msg("Notification received")
		default:
			s.logger.Debug().Str("peerId", pc.id).Str("id", msg.ID).Msg("Ignoring unsolicited response")
		}
	}
}

// admit counts a request in flight unless Stop has begun. Stop flips
// shuttingDown under the same lock, so no Add races its Wait.
func (s *Server) admit() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.shuttingDown {
		return false
	}
	s.inFlight.Add(1)
	return true
}

func (s *Server) refuse(pc *peerConn, msg *Message, code int, reason string) {
	observability.RecordPeerRequest("server", msg.Method, 0, false)
	if err := pc.send(NewErrorResponse(msg.ID, code, reason)); err != nil {
		s.logger.Error().Err(err).Str("peerId", pc.id).Msg("Failed to send rejection")
	}
}

func (s *Server) serveRequest(pc *peerConn, msg *Message) {
	ctx := tracing.NewRequestContext(s.ctx)
	ctx = tracing.WithPeerID(ctx, pc.id)
	ctx = tracing.WithRequestID(ctx, msg.ID)

	ctx, span := tracing.StartSpan(
		ctx,
		"cmdq.signaling",
		"signaling.handle",
		attribute.String("request_id", msg.ID),
		attribute.String("method", msg.Method),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	response := s.process(ctx, pc, msg)

	ok := response.OK
	observability.RecordPeerRequest("server", msg.Method, time.Since(start), ok)
	if !ok {
		span.SetStatus(codes.Error, response.ErrorReason)
		logger.Debug().
			Str("method", msg.Method).
			Int("errorCode", response.ErrorCode).
			Str("errorReason", response.ErrorReason).
			Msg("Request failed")
	} else {
		logger.Debug().Str("method", msg.Method).Dur("duration", time.Since(start)).Msg("Request handled")
	}

	if err := pc.send(response); err != nil {
		logger.Error().Err(err).Msg("Failed to send response")
	}
}

// process runs the request pipeline: dedup replay, method lookup, schema
// validation and the handler itself. A retransmission that arrives while
// the first copy is still running waits for its response.
func (s *Server) process(ctx context.Context, pc *peerConn, msg *Message) *Message {
	key := msg.Method + ":" + msg.ID
	entry, owner := s.dedup.Claim(key)
	if !owner {
		if response, ok := entry.Wait(ctx.Done()); ok {
			return response
		}
		return NewErrorResponse(msg.ID, CodeServiceUnavailable, "server shutting down")
	}

	response, cache := s.dispatch(ctx, pc, msg)
	s.dedup.Complete(key, entry, response, cache)
	return response
}

// dispatch answers msg. Lookup and validation failures are not cached so a
// later retransmission sees newly registered methods and schemas.
func (s *Server) dispatch(ctx context.Context, pc *peerConn, msg *Message) (*Message, bool) {
	s.mu.RLock()
	handler, exists := s.handlers[msg.Method]
	s.mu.RUnlock()

	if !exists {
		return NewErrorResponse(msg.ID, CodeNotFound, fmt.Sprintf("method not found: %s", msg.Method)), false
	}

	if err := s.schemas.Validate(msg.Method, msg.Data); err != nil {
		return NewErrorResponse(msg.ID, CodeBadRequest, err.Error()), false
	}

	response := s.invoke(ctx, handler, &Request{
		ID:     msg.ID,
		Method: msg.Method,
		Data:   msg.Data,
		PeerID: pc.id,
	})
	return response, true
}

func (s *Server) invoke(ctx context.Context, handler Handler, req *Request) (response *Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("method", req.Method).Msg("Handler panicked")
			response = NewErrorResponse(req.ID, CodeInternalError, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	result, err := handler(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			return NewErrorResponse(req.ID, CodeServiceUnavailable, "server shutting down")
		}
		var peerErr *PeerError
		if errors.As(err, &peerErr) {
			return NewErrorResponse(req.ID, peerErr.Code, peerErr.Reason)
		}
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}

	response, err = NewSuccessResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}
	return response
}
