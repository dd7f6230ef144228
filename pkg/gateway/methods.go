package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
)

// registerBuiltinMethods wires the agent control surface and gateway
// introspection into the router.
func (s *Server) registerBuiltinMethods() error {
	methods := map[string]RequestHandler{
		"agent.prompt":      s.handleAgentPrompt,
		"agent.steer":       s.handleAgentSteer,
		"agent.follow_up":   s.handleAgentFollowUp,
		"agent.abort":       s.handleAgentAbort,
		"agent.state":       s.handleAgentState,
		"agent.subscribe":   s.handleAgentSubscribe,
		"agent.unsubscribe": s.handleAgentUnsubscribe,
		"gateway.clients": func(context.Context, map[string]interface{}) (interface{}, error) {
			return s.Clients(), nil
		},
		"gateway.methods": func(context.Context, map[string]interface{}) (interface{}, error) {
			return s.router.Methods(), nil
		},
	}
	for name, handler := range methods {
		if err := s.router.Register(name, handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

var errNeedsWebsocket = &RPCError{Code: InvalidRequest, Message: "subscriptions require a websocket connection"}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a non-empty string", name),
		}
	}
	return value, nil
}

// sessionAgent resolves the sessionKey parameter to its agent.
func (s *Server) sessionAgent(ctx context.Context, params map[string]interface{}) (string, *agent.Agent, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return "", nil, err
	}
	a, err := s.cfg.Agents(ctx, sessionKey)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve agent for session %s: %w", sessionKey, err)
	}
	return sessionKey, a, nil
}

// watch streams a session's agent events to the calling websocket client.
// HTTP callers have no client and get nothing.
func (s *Server) watch(ctx context.Context, sessionKey string, a *agent.Agent) bool {
	client, ok := clientFromContext(ctx)
	if !ok {
		return false
	}
	clientID := client.ID
	unsubscribe := a.Subscribe(func(event agent.Event) {
		s.broadcaster.BroadcastToClient(clientID, AgentEvent(sessionKey, event))
	})
	return client.Watch(sessionKey, unsubscribe)
}

// handleAgentPrompt runs a prompt to completion, including follow-ups, and
// streams its events to the caller unless watch is false.
func (s *Server) handleAgentPrompt(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	sessionKey, a, err := s.sessionAgent(ctx, params)
	if err != nil {
		return nil, err
	}
	if watch, ok := params["watch"].(bool); !ok || watch {
		s.watch(ctx, sessionKey, a)
	}

	ctx = tracing.WithSessionKey(ctx, sessionKey)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Int("chars", len(message)).Msg("Gateway prompt")

	msgs, err := a.Prompt(ctx, agentctx.User(message))
	if err != nil {
		return nil, fmt.Errorf("agent run failed: %w", err)
	}

	result := map[string]interface{}{
		"sessionKey": sessionKey,
		"messages":   msgs,
	}
	if final, ok := lastAssistant(msgs); ok {
		result["text"] = final.TextContent()
		result["stopReason"] = final.StopReason
		if final.ErrorMessage != "" {
			result["errorMessage"] = final.ErrorMessage
		}
	}
	return result, nil
}

func lastAssistant(msgs []agentctx.AgentMessage) (agentctx.AgentMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			return msgs[i], true
		}
	}
	return agentctx.AgentMessage{}, false
}

func (s *Server) handleAgentSteer(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	sessionKey, a, err := s.sessionAgent(ctx, params)
	if err != nil {
		return nil, err
	}
	a.Steer(agentctx.User(message))
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"pending":    a.State().PendingSteering,
	}, nil
}

func (s *Server) handleAgentFollowUp(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	sessionKey, a, err := s.sessionAgent(ctx, params)
	if err != nil {
		return nil, err
	}
	a.FollowUp(agentctx.User(message))
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"pending":    a.State().PendingFollowUps,
	}, nil
}

// handleAgentAbort handles agent.abort RPC method
func (s *Server) handleAgentAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, a, err := s.sessionAgent(ctx, params)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sessionKey": sessionKey,
		"aborted":    a.Abort(),
	}, nil
}

func (s *Server) handleAgentState(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, a, err := s.sessionAgent(ctx, params)
	if err != nil {
		return nil, err
	}
	state := a.State()
	env := state.Envelope

	tools := make([]string, 0, len(env.Tools))
	for _, tool := range env.Tools {
		tools = append(tools, tool.Name)
	}
	parts := make([]string, 0, len(env.System.Parts))
	for _, part := range env.System.Parts {
		parts = append(parts, part.Name)
	}

	return map[string]interface{}{
		"sessionKey":       sessionKey,
		"agentId":          state.ID,
		"running":          state.Running,
		"pendingSteering":  state.PendingSteering,
		"pendingFollowUps": state.PendingFollowUps,
		"model":            env.Meta.Model.ID,
		"contextLimit":     env.Meta.ContextLimit,
		"messages":         env.Messages.Len(),
		"systemParts":      parts,
		"tools":            tools,
	}, nil
}

func (s *Server) handleAgentSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if _, ok := clientFromContext(ctx); !ok {
		return nil, errNeedsWebsocket
	}
	sessionKey, a, err := s.sessionAgent(ctx, params)
	if err != nil {
		return nil, err
	}
	s.watch(ctx, sessionKey, a)
	return map[string]interface{}{"sessionKey": sessionKey, "subscribed": true}, nil
}

func (s *Server) handleAgentUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}
	client, ok := clientFromContext(ctx)
	if !ok {
		return nil, errNeedsWebsocket
	}
	return map[string]interface{}{
		"sessionKey":   sessionKey,
		"unsubscribed": client.Unwatch(sessionKey),
	}, nil
}
