package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marinabox/marinabox/internal/observability"
	"github.com/marinabox/marinabox/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// maxRequestBytes bounds an RPC request body or WebSocket frame.
const maxRequestBytes = 1 << 20

// Server exposes the session and agent surface over HTTP and WebSocket
type Server struct {
	host           string
	port           int
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	authHandler    *AuthHandler
	origins        *OriginChecker
	broadcaster    *EventBroadcaster
	backend        Backend
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	shutdownWait   time.Duration
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Backend      Backend
	Logger       zerolog.Logger

	// AllowedOrigins lists browser origins accepted besides loopback ones.
	AllowedOrigins []string

	// ShutdownWait bounds how long Stop waits for in-flight requests.
	ShutdownWait time.Duration
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 30 * time.Second
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	origins := NewOriginChecker(cfg.AllowedOrigins)

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		clients:      clients,
		router:       NewRPCRouter(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		origins:      origins,
		broadcaster:  NewEventBroadcaster(clients, logger),
		backend:      cfg.Backend,
		logger:       logger,
		shutdownWait: cfg.ShutdownWait,
		upgrader: websocket.Upgrader{
			CheckOrigin: origins.CheckRequest,
		},
	}

	s.registerBuiltinMethods()

	if !s.authHandler.Enabled() {
		logger.Warn().Msg("Gateway shared secret not set; requests are not authenticated")
	}

	return s, nil
}

// Handler returns the HTTP handler serving every gateway route
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.authHandler.Middleware(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/rpc", s.authHandler.Middleware(http.HandlerFunc(s.handleRPC)))
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	s.broadcaster.Broadcast(EventServerShutdown, "", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownWait):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(tracing.Detach(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// requestContext carries the caller's trace id or a fresh one.
func requestContext(parent context.Context, traceID, requestID string) context.Context {
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(parent, traceID)
	if requestID != "" {
		ctx = tracing.WithRequestID(ctx, requestID)
	}
	return ctx
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.origins.CheckRequest(r) {
		s.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("Rejected RPC request from disallowed origin")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	// Browsers cannot send application/json cross-origin without a preflight.
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{
			JSONRPC: "2.0",
			Error:   toRPCError(err),
		})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := requestContext(r.Context(), r.Header.Get("X-Trace-Id"), req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads requests from a client until it disconnects
func (s *Server) handleClient(client *Client) {
	ctx, cancel := context.WithCancel(withClientID(context.Background(), client.ID))
	defer func() {
		// Runs started by this client are cancelled with it.
		cancel()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(ctx, client, message)
	}
}

// handleMessage handles a single request frame from a client
func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		rpcErr := toRPCError(err)
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, InternalError, "Server is shutting down")
		return
	}

	allowed, code, reason := client.RateLimiter.Acquire()
	if !allowed {
		s.sendError(client, req.ID, code, reason)
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()

		reqCtx := requestContext(ctx, "", req.ID)
		reqCtx = withEventSink(reqCtx, func(msg EventMessage) {
			if err := client.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Failed to stream event")
			}
		})

		response := s.router.RouteRequest(reqCtx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
