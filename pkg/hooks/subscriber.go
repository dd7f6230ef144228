package hooks

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/llm"
)

// maxTextEnv bounds message text exported to hook scripts.
const maxTextEnv = 4096

// Subscriber adapts the manager to agent.Agent.Subscribe. Hooks run
// synchronously, so a slow script delays delivery of the next event. Failures
// are logged and counted; they never affect the run.
func (m *Manager) Subscriber(ctx context.Context, sessionKey string) func(agent.Event) {
	logger := zerolog.Nop()
	if m != nil {
		logger = m.logger
	}
	return func(event agent.Event) {
		name := string(event.Type)
		if !m.Has(name) {
			return
		}

		hookCtx := tracing.WithSessionKey(ctx, sessionKey)
		if event.RunID != "" {
			hookCtx = tracing.WithRunID(hookCtx, event.RunID)
		}
		if err := m.Run(hookCtx, name, EventData(sessionKey, event)); err != nil {
			observability.RecordHookError("shell:" + name)
			hookLogger := tracing.LoggerFromContext(hookCtx, logger)
			hookLogger.Warn().
				Err(err).
				Str("event", name).
				Msg("Hook failed")
		}
	}
}

// EventData flattens the fields of an event that scripts care about.
func EventData(sessionKey string, event agent.Event) map[string]interface{} {
	data := map[string]interface{}{
		"session_key": sessionKey,
		"run_id":      event.RunID,
	}

	switch event.Type {
	case agent.EventTurnStart:
		data["turn_index"] = event.TurnIndex
	case agent.EventTurnEnd:
		data["turn_index"] = event.TurnIndex
		data["tool_results"] = len(event.ToolResults)
		data["cache_invalidated"] = event.CacheInvalidated
		if event.Message != nil {
			data["stop_reason"] = string(event.Message.StopReason)
			data["text"] = truncate(event.Message.TextContent())
		}
	case agent.EventToolExecutionEnd:
		data["tool_call_id"] = event.ToolCallID
		data["tool_name"] = event.ToolName
		data["is_error"] = event.IsError
		if event.Result != nil {
			data["result"] = truncate(event.Result.Text())
		}
	case agent.EventAgentEnd:
		data["message_count"] = len(event.Messages)
		for i := len(event.Messages) - 1; i >= 0; i-- {
			if msg := event.Messages[i]; msg.Role == llm.RoleAssistant {
				data["stop_reason"] = string(msg.StopReason)
				data["text"] = truncate(msg.TextContent())
				break
			}
		}
	}
	return data
}

func truncate(s string) string {
	if len(s) <= maxTextEnv {
		return s
	}
	return s[:maxTextEnv]
}
