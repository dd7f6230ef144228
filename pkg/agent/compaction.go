package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
)

const summaryInstruction = "Summarize the conversation above for a model that will continue it. " +
	"Keep decisions, open tasks, file paths and tool output that still matter. Reply with the summary only."

// TransportSummarizer summarizes dropped messages with one request to
// transport.
func TransportSummarizer(transport llm.Transport, model llm.Model) Summarizer {
	return func(ctx context.Context, dropped []agentctx.AgentMessage) (string, error) {
		msgs, err := ConvertToLLM(ctx, dropped)
		if err != nil {
			return "", err
		}
		msgs = append(msgs, llm.NewUserMessage(summaryInstruction))

		stream := transport.Stream(ctx, model, llm.Context{
			SystemPrompt: "You write concise, factual conversation summaries.",
			Messages:     msgs,
		}, llm.Options{})
		msg, err := stream.Result(ctx)
		if err != nil {
			return "", err
		}
		switch msg.StopReason {
		case llm.StopReasonError, llm.StopReasonAborted:
			return "", fmt.Errorf("summary request failed: %s", msg.ErrorMessage)
		}
		summary := strings.TrimSpace(msg.TextContent())
		if summary == "" {
			return "", errors.New("summary request returned no text")
		}
		return summary, nil
	}
}

// AutoCompact returns a PrepareTurn hook that compacts the cached history once
// the envelope grows within reserveTokens of its context limit. The kept tail
// gets half of the remaining budget.
func AutoCompact(reserveTokens int, summarize Summarizer) func(ctx context.Context, env *agentctx.Envelope) ([]agentctx.PatchOp, error) {
	return func(ctx context.Context, env *agentctx.Envelope) ([]agentctx.PatchOp, error) {
		if !agentctx.NeedsCompaction(env, reserveTokens) {
			return nil, nil
		}
		keep := (env.Meta.ContextLimit - reserveTokens) / 2
		plan, ok := agentctx.PlanCompaction(env.Messages.Cached, keep)
		if !ok {
			return nil, nil
		}
		summary, err := summarize(ctx, plan.Dropped)
		if err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		return []agentctx.PatchOp{agentctx.ApplyCompaction(compactionReason, agentctx.Compaction{
			Summary:               summary,
			FirstKeptMessageIndex: plan.FirstKeptMessageIndex,
			TokensBefore:          plan.TokensBefore,
			Timestamp:             time.Now().UnixMilli(),
		})}, nil
	}
}
