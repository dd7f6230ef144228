package agentctx

import (
	"encoding/json"

	"github.com/harun/turnloop/pkg/llm"
)

// EstimateTokens gives a rough token count for a message (1 token ≈ 4 chars).
// Custom-role messages are counted by their JSON-encoded payload.
func EstimateTokens(msg AgentMessage) int {
	chars := 0
	if !msg.Role.IsCore() && msg.Payload != nil {
		if raw, err := json.Marshal(msg.Payload); err == nil {
			chars += len(raw)
		}
	}
	for _, block := range msg.Content {
		switch block.Type {
		case llm.ContentText:
			chars += len(block.Text)
		case llm.ContentThinking:
			chars += len(block.Thinking)
		case llm.ContentToolCall:
			chars += len(block.Name)
			if raw, err := json.Marshal(block.Arguments); err == nil {
				chars += len(raw)
			}
		}
	}
	return (chars + 3) / 4
}

// EstimateMessagesTokens sums EstimateTokens over msgs.
func EstimateMessagesTokens(msgs []AgentMessage) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg)
	}
	return total
}

// EstimateEnvelopeTokens estimates the size of a full request built from env.
func EstimateEnvelopeTokens(env *Envelope) int {
	return (len(env.System.Compiled)+3)/4 + EstimateMessagesTokens(env.Messages.All())
}

// CompactionPlan is a proposed compaction of the cached history.
type CompactionPlan struct {
	FirstKeptMessageIndex int
	TokensBefore          int
	// Dropped are the messages the summary replaces.
	Dropped []AgentMessage
}

// PlanCompaction picks the cut index that keeps the most recent cached
// messages within keepTokens. The kept tail never starts with a tool result, so
// a tool call is never separated from its result. ok is false when nothing
// would be dropped.
func PlanCompaction(cached []AgentMessage, keepTokens int) (plan CompactionPlan, ok bool) {
	total := EstimateMessagesTokens(cached)
	cut := len(cached)
	kept := 0
	for cut > 0 {
		next := EstimateTokens(cached[cut-1])
		if kept+next > keepTokens {
			break
		}
		kept += next
		cut--
	}
	for cut > 0 && cut < len(cached) && cached[cut].Role == llm.RoleToolResult {
		cut--
	}
	if cut == 0 {
		return CompactionPlan{}, false
	}
	return CompactionPlan{
		FirstKeptMessageIndex: cut,
		TokensBefore:          total,
		Dropped:               append([]AgentMessage(nil), cached[:cut]...),
	}, true
}

// NeedsCompaction reports whether env has grown past its context limit minus
// reserveTokens. An envelope without a limit never needs compaction.
func NeedsCompaction(env *Envelope, reserveTokens int) bool {
	if env.Meta.ContextLimit <= 0 {
		return false
	}
	return EstimateEnvelopeTokens(env) > env.Meta.ContextLimit-reserveTokens
}
