package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

// Config holds the per-run strategies of the loop.
type Config struct {
	// TransformContext rewrites the message list before each request. The
	// envelope itself is left untouched.
	TransformContext func(ctx context.Context, msgs []agentctx.AgentMessage) ([]agentctx.AgentMessage, error)
	// ConvertToLLM narrows messages to the canonical set sent to the transport.
	// Defaults to ConvertToLLM.
	ConvertToLLM func(ctx context.Context, msgs []agentctx.AgentMessage) ([]llm.Message, error)
	// Executor runs tool calls. Defaults to an executor with no timeout.
	Executor *toolexecutor.ToolExecutor
	Logger   zerolog.Logger
}

// Hooks are awaited at fixed points of every turn. All are optional.
type Hooks struct {
	// GetSteeringMessages is polled before each tool call. Returned messages
	// pre-empt the remaining calls of the turn.
	GetSteeringMessages func(ctx context.Context) ([]agentctx.AgentMessage, error)
	// GetInjectedMessages is polled once at the end of each turn.
	GetInjectedMessages func(ctx context.Context) ([]agentctx.AgentMessage, error)
	// PrepareTurn returns patch ops applied to the envelope before the request
	// of each turn.
	PrepareTurn func(ctx context.Context, env *agentctx.Envelope) ([]agentctx.PatchOp, error)
}

// ConvertToLLM keeps messages with a core role and drops the rest.
func ConvertToLLM(_ context.Context, msgs []agentctx.AgentMessage) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role.IsCore() {
			out = append(out, msg.Message)
		}
	}
	return out, nil
}
