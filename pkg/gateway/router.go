package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
)

const jsonRPCVersion = "2.0"

// Router maps JSON-RPC method names to handlers.
type Router struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replies *replyCache
	logger  zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	return &Router{
		methods: make(map[string]RequestHandler),
		replies: newReplyCache(replyTTL, replyCacheLimit),
		logger:  logger,
	}
}

// Register adds a method. Names are unique.
func (r *Router) Register(name string, handler RequestHandler) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("method name is required")
	}
	if handler == nil {
		return fmt.Errorf("method %s: handler is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("method %s is already registered", name)
	}
	r.methods[name] = handler
	return nil
}

// Unregister removes a method if present.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// Methods lists the registered method names in order.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) handler(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// Decode parses one request frame. The id and method are required, and
// jsonrpc must be 2.0 when present.
func (r *Router) Decode(data []byte) (*RPCRequest, *RPCError) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return &req, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion:
		return &req, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", req.JSONRPC)}
	}
	req.JSONRPC = jsonRPCVersion
	return &req, nil
}

// Dispatch runs req and always returns a response. A repeated idempotency key
// for the same method replays the stored response with the new request ID.
func (r *Router) Dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replyKey(req.Method, req.IdempotencyKey)
	if key != "" {
		if cached, ok := r.replies.get(key); ok {
			cached.ID = req.ID
			observability.RecordGatewayRequest(req.Method, "replayed", 0)
			return &cached
		}
	}

	handler, ok := r.handler(req.Method)
	if !ok {
		observability.RecordGatewayRejected("unknown_method")
		return errorResponse(req.ID, &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)})
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	start := time.Now()
	result, err := r.call(ctx, req.Method, handler, params)
	status := "ok"

	var resp *RPCResponse
	if err != nil {
		status = "error"
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		resp = errorResponse(req.ID, rpcErr)
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
	}
	observability.RecordGatewayRequest(req.Method, status, time.Since(start))

	if key != "" {
		r.replies.put(key, *resp)
	}
	return resp
}

// call runs handler, turning a panic into an internal error.
func (r *Router) call(ctx context.Context, method string, handler RequestHandler, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Error().
				Str("method", method).
				Interface("panic", p).
				Msg("RPC handler panicked")
			result, err = nil, &RPCError{Code: InternalError, Message: fmt.Sprintf("method %s failed", method)}
		}
	}()
	return handler(ctx, params)
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: rpcErr}
}
