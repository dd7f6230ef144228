package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
)

// SecretHeader authenticates single-shot HTTP RPC requests.
const SecretHeader = "X-Turnloop-Secret"

const (
	defaultTickInterval = 30 * time.Second
	maxRPCBody          = 1 << 20
	drainTimeout        = 30 * time.Second
)

// AgentProvider returns the agent owning a session, creating it on first use.
type AgentProvider func(ctx context.Context, sessionKey string) (*agent.Agent, error)

// Config holds server configuration.
type Config struct {
	Host string
	// Port 0 picks a free port; see Addr.
	Port int
	// SharedSecret enables HMAC challenge authentication. Clients are trusted
	// on connect when it is empty.
	SharedSecret string
	// RateLimit is the per-client request budget per minute.
	RateLimit int
	// MaxInFlight caps concurrent requests per client.
	MaxInFlight  int
	TickInterval time.Duration
	Agents       AgentProvider
	Logger       zerolog.Logger
}

// Server is the websocket and HTTP JSON-RPC gateway in front of the agents.
type Server struct {
	cfg         Config
	addr        string
	auth        *Authenticator
	clients     *Registry
	router      *Router
	broadcaster *EventBroadcaster
	logger      zerolog.Logger
	upgrader    websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	mu       sync.RWMutex
	draining bool
	inFlight sync.WaitGroup

	tickCancel context.CancelFunc
	tickDone   chan struct{}
}

// NewServer validates cfg and registers the built-in methods.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Agents == nil {
		return nil, errors.New("agent provider is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewRegistry()
	s := &Server{
		cfg:         cfg,
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth:        NewAuthenticator(cfg.SharedSecret),
		clients:     clients,
		router:      NewRouter(logger),
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if err := s.registerBuiltinMethods(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"clients": s.clients.Len(),
		})
	})
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Gateway listening")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTicker()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight requests and closes every
// connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.logger.Info().Msg("Gateway draining")
	s.stopTicker()
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn().Msg("Gateway drain timed out, closing connections")
	}

	for _, client := range s.clients.All(false) {
		_ = client.Conn.Close()
	}
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) isDraining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// startTicker broadcasts a liveness tick so idle clients can detect a dead
// connection.
func (s *Server) startTicker() {
	ctx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickDone = make(chan struct{})

	go func() {
		defer close(s.tickDone)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Data:   map[string]interface{}{"status": "alive", "clients": s.clients.Len()},
				})
			}
		}
	}()
}

func (s *Server) stopTicker() {
	if s.tickCancel == nil {
		return
	}
	s.tickCancel()
	<-s.tickDone
	s.tickCancel = nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		observability.RecordGatewayRejected("draining")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	now := time.Now()
	client := &Client{
		ID:           uuid.NewString(),
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		Limiter:      NewRequestLimiter(s.cfg.RateLimit, s.cfg.MaxInFlight),
		State:        StateConnecting,
	}
	s.clients.Add(client)
	logger := s.logger.With().Str("client_id", client.ID).Logger()
	logger.Info().Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.greet(client); err != nil {
		logger.Error().Err(err).Msg("Failed to greet client")
		_ = conn.Close()
		s.clients.Remove(client.ID)
		return
	}
	go s.serveClient(client, logger)
}

// greet sends the authentication challenge, or accepts the client outright
// when no shared secret is configured.
func (s *Server) greet(client *Client) error {
	if !s.auth.Enabled() {
		client.Authenticated = true
		client.State = StateAuthenticated
		return client.WriteJSON(AuthResult{Event: "auth.success", Success: true})
	}
	challenge, err := s.auth.Issue(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(challenge)
}

// serveClient reads frames until the client disconnects or runs out of
// authentication attempts.
func (s *Server) serveClient(client *Client, logger zerolog.Logger) {
	defer func() {
		_ = client.Conn.Close()
		client.State = StateDisconnected
		s.clients.Remove(client.ID)
		logger.Info().Msg("Client disconnected")
	}()

	for {
		_, frame, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}
		s.clients.Touch(client.ID)
		if !s.handleFrame(client, frame, logger) {
			return
		}
	}
}

// handleFrame processes one frame. It returns false when the connection
// should be dropped.
func (s *Server) handleFrame(client *Client, frame []byte, logger zerolog.Logger) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(frame, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.answerChallenge(client, authResp.Signature, logger)
	}

	req, rpcErr := s.router.Decode(frame)
	requestID := ""
	if req != nil {
		requestID = req.ID
	}
	if !client.Authenticated {
		observability.RecordGatewayRejected("unauthenticated")
		s.reply(client, errorResponse(requestID, &RPCError{Code: AuthenticationRequired, Message: "Authentication required"}), logger)
		return true
	}
	if rpcErr != nil {
		observability.RecordGatewayRejected("malformed")
		s.reply(client, errorResponse(requestID, rpcErr), logger)
		return true
	}
	if s.isDraining() {
		observability.RecordGatewayRejected("draining")
		s.reply(client, errorResponse(req.ID, &RPCError{Code: InternalError, Message: "server is shutting down"}), logger)
		return true
	}

	release, rpcErr := client.Limiter.Acquire()
	if rpcErr != nil {
		observability.RecordGatewayRejected("rate_limited")
		s.reply(client, errorResponse(req.ID, rpcErr), logger)
		return true
	}

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	ctx = withClient(ctx, client)

	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer release()
		s.reply(client, s.router.Dispatch(ctx, req), logger)
	}()
	return true
}

func (s *Server) answerChallenge(client *Client, signature string, logger zerolog.Logger) bool {
	result := s.auth.Answer(client, signature)
	if err := client.WriteJSON(result); err != nil {
		logger.Error().Err(err).Msg("Failed to send auth result")
		return false
	}
	if result.Success {
		logger.Info().Msg("Client authenticated")
		return true
	}

	observability.RecordGatewayRejected("auth_failed")
	logger.Warn().Str("reason", result.Message).Int("attempts_left", result.AttemptsLeft).Msg("Authentication failed")
	return !exhausted(client)
}

func (s *Server) reply(client *Client, resp *RPCResponse, logger zerolog.Logger) {
	if err := client.WriteJSON(resp); err != nil {
		logger.Error().Err(err).Str("request_id", resp.ID).Msg("Failed to send response")
	}
}

// handleRPC serves single-shot HTTP JSON-RPC. Events are not streamed to
// HTTP callers.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.CheckSecret(r.Header.Get(SecretHeader)) {
		observability.RecordGatewayRejected("auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.isDraining() {
		observability.RecordGatewayRejected("draining")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	req, rpcErr := s.router.Decode(body)
	if rpcErr != nil {
		observability.RecordGatewayRejected("malformed")
		id := ""
		if req != nil {
			id = req.ID
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorResponse(id, rpcErr))
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Str("request_id", req.ID).Str("method", req.Method).Msg("HTTP RPC request")

	s.inFlight.Add(1)
	resp := s.router.Dispatch(ctx, req)
	s.inFlight.Done()

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// Broadcast sends an event to every authenticated client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod adds an RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.Register(name, handler)
}

// UnregisterMethod removes an RPC method.
func (s *Server) UnregisterMethod(name string) {
	s.router.Unregister(name)
}

// Clients describes the connected websocket clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Snapshot()
}
