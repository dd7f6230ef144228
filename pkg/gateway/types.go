package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType groups agent events delivered to gateway clients.
type StreamType string

const (
	StreamTypeLifecycle StreamType = "lifecycle"
	StreamTypeMessage   StreamType = "message"
	StreamTypeTool      StreamType = "tool"
)

// RPCRequest is one JSON-RPC 2.0 call. A non-empty IdempotencyKey makes a
// retried call replay the first response.
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// clone copies the response so a cached reply can be re-addressed without
// touching the original.
func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		rpcErr := *r.Error
		r.Error = &rpcErr
	}
	return r
}

// EventMessage is a server-initiated event. Agent events travel in Data.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Stream    StreamType  `json:"stream,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Session   string      `json:"session_key,omitempty"`
}

// AuthChallenge is sent on connect when a shared secret is configured. The
// client answers with Sign(secret, Challenge) within ExpiresIn seconds.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
	ExpiresIn int    `json:"expiresIn,omitempty"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of an auth.response.
type AuthResult struct {
	Event        string `json:"event"`
	Success      bool   `json:"success,omitempty"`
	Message      string `json:"message,omitempty"`
	AttemptsLeft int    `json:"attemptsLeft,omitempty"`
}

// ClientInfo is the public view of a client returned by gateway.clients.
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
	Sessions      []string  `json:"sessions,omitempty"`
}

// ClientState tracks a connection through authentication.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method. For websocket requests the context
// carries the calling client; see clientFromContext.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

type clientKey struct{}

func withClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, client)
}

// clientFromContext returns the websocket client a request arrived on. HTTP
// requests have none.
func clientFromContext(ctx context.Context) (*Client, bool) {
	client, ok := ctx.Value(clientKey{}).(*Client)
	return client, ok && client != nil
}

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// Client is one websocket connection.
type Client struct {
	ID               string
	Conn             *websocket.Conn
	Authenticated    bool
	Challenge        string
	ChallengeExpires time.Time
	ConnectedAt      time.Time
	LastActivity     time.Time
	IPAddress        string
	AuthAttempts     int
	Limiter          *RequestLimiter
	State            ClientState

	writeMu sync.Mutex
	subMu   sync.Mutex
	subs    map[string]func()
}

// WriteMessage writes one frame. gorilla/websocket allows a single concurrent
// writer, so every write to Conn goes through here or WriteJSON.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as a text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// Watch records an event subscription for a session. It returns false when the
// client already watches the session; the given unsubscribe is then called.
func (c *Client) Watch(sessionKey string, unsubscribe func()) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, exists := c.subs[sessionKey]; exists {
		unsubscribe()
		return false
	}
	if c.subs == nil {
		c.subs = make(map[string]func())
	}
	c.subs[sessionKey] = unsubscribe
	return true
}

// Unwatch drops the subscription for a session.
func (c *Client) Unwatch(sessionKey string) bool {
	c.subMu.Lock()
	unsubscribe, exists := c.subs[sessionKey]
	delete(c.subs, sessionKey)
	c.subMu.Unlock()
	if exists {
		unsubscribe()
	}
	return exists
}

// Sessions lists the watched session keys.
func (c *Client) Sessions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	return keys
}

func (c *Client) unwatchAll() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = nil
	c.subMu.Unlock()
	for _, unsubscribe := range subs {
		unsubscribe()
	}
}
