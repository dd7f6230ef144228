package agent

import (
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/eventstream"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

// EventType identifies an agent event.
type EventType string

const (
	EventAgentStart          EventType = "agent_start"
	EventTurnStart           EventType = "turn_start"
	EventMessageStart        EventType = "message_start"
	EventMessageUpdate       EventType = "message_update"
	EventMessageEnd          EventType = "message_end"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventTurnEnd             EventType = "turn_end"
	EventAgentEnd            EventType = "agent_end"
)

// Event is one step of a run. Only the fields relevant to Type are set.
type Event struct {
	Type  EventType `json:"type"`
	Seq   int64     `json:"seq"`
	RunID string    `json:"runId"`

	// TurnIndex is set on turn_start and turn_end.
	TurnIndex int `json:"turnIndex"`

	// Message is the message for message_* events and the assistant message on
	// turn_end.
	Message *agentctx.AgentMessage `json:"message,omitempty"`
	// Delta is the transport event behind a message_update.
	Delta *llm.AssistantMessageEvent `json:"delta,omitempty"`

	ToolCallID    string                 `json:"toolCallId,omitempty"`
	ToolName      string                 `json:"toolName,omitempty"`
	Args          map[string]interface{} `json:"args,omitempty"`
	PartialResult *toolexecutor.Result   `json:"partialResult,omitempty"`
	Result        *toolexecutor.Result   `json:"result,omitempty"`
	IsError       bool                   `json:"isError,omitempty"`

	// ToolResults and CacheInvalidated are set on turn_end.
	ToolResults      []agentctx.AgentMessage `json:"toolResults,omitempty"`
	CacheInvalidated bool                    `json:"cacheInvalidated,omitempty"`

	// Messages is set on agent_end: every message the run produced.
	Messages []agentctx.AgentMessage `json:"messages,omitempty"`
	// Envelope is the final envelope on agent_end.
	Envelope *agentctx.Envelope `json:"-"`
}

// Stream carries the events of one run and resolves to the messages it
// produced.
type Stream = eventstream.Stream[Event, []agentctx.AgentMessage]

func newStream() *Stream {
	return eventstream.New[Event, []agentctx.AgentMessage](func(e Event) ([]agentctx.AgentMessage, bool) {
		if e.Type != EventAgentEnd {
			return nil, false
		}
		return e.Messages, true
	})
}
