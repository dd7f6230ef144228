package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/harun/turnloop/pkg/eventstream"
)

// EventType tags an event produced by a transport.
type EventType string

const (
	EventStart         EventType = "start"
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// AssistantMessageEvent is one step of a streamed assistant response.
type AssistantMessageEvent struct {
	Type         EventType `json:"type"`
	ContentIndex int       `json:"contentIndex"`
	Delta        string    `json:"delta,omitempty"`

	// ToolCallID and ToolName are set on the first tool_call_delta of a block.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	// Partial is the accumulated message after this event, when the transport
	// tracks one.
	Partial *Message `json:"partial,omitempty"`

	// Message is the final message on done and error events.
	Message *Message `json:"message,omitempty"`
	Err     error    `json:"-"`
}

// IsTerminal reports whether the event ends the response.
func (e AssistantMessageEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// AssistantStream carries a streamed response and resolves to the final message.
type AssistantStream = eventstream.Stream[AssistantMessageEvent, Message]

// NewAssistantStream creates a stream that completes on done or error events.
func NewAssistantStream() *AssistantStream {
	return eventstream.New[AssistantMessageEvent, Message](func(e AssistantMessageEvent) (Message, bool) {
		if !e.IsTerminal() {
			return Message{}, false
		}
		if e.Message != nil {
			return *e.Message, true
		}
		return ErrorResponse(Model{}, StopReasonError, e.Err), true
	})
}

// Transport produces a streamed assistant response for a request. Failures are
// reported as an error event on the stream, never as a Go error.
type Transport interface {
	Stream(ctx context.Context, model Model, llmCtx Context, opts Options) *AssistantStream
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, model Model, llmCtx Context, opts Options) *AssistantStream

// Stream calls f.
func (f TransportFunc) Stream(ctx context.Context, model Model, llmCtx Context, opts Options) *AssistantStream {
	return f(ctx, model, llmCtx, opts)
}

// ErrorResponse builds a terminal assistant message for a failed or aborted
// request.
func ErrorResponse(model Model, reason StopReason, err error) Message {
	msg := Message{
		Role:       RoleAssistant,
		StopReason: reason,
		Provider:   model.Provider,
		Model:      model.ID,
		Usage:      &Usage{},
		Timestamp:  time.Now().UnixMilli(),
	}
	if err != nil {
		msg.ErrorMessage = err.Error()
	}
	return msg
}

// AbortReason maps a context error to the stop reason it implies.
func AbortReason(err error) StopReason {
	if errors.Is(err, context.Canceled) {
		return StopReasonAborted
	}
	return StopReasonError
}

// Builder accumulates deltas into an assistant message.
type Builder struct {
	msg      Message
	toolArgs map[int]*strings.Builder
}

// NewBuilder starts an empty assistant message for model.
func NewBuilder(model Model) *Builder {
	return &Builder{
		msg: Message{
			Role:      RoleAssistant,
			Provider:  model.Provider,
			Model:     model.ID,
			Timestamp: time.Now().UnixMilli(),
		},
		toolArgs: make(map[int]*strings.Builder),
	}
}

func (b *Builder) block(index int, kind ContentType) *ContentBlock {
	if index < 0 {
		index = len(b.msg.Content)
	}
	for len(b.msg.Content) <= index {
		b.msg.Content = append(b.msg.Content, ContentBlock{Type: kind})
	}
	return &b.msg.Content[index]
}

// Apply folds a delta event into the message. Other event types are ignored.
func (b *Builder) Apply(event AssistantMessageEvent) {
	switch event.Type {
	case EventTextDelta:
		blk := b.block(event.ContentIndex, ContentText)
		blk.Text += event.Delta
	case EventThinkingDelta:
		blk := b.block(event.ContentIndex, ContentThinking)
		blk.Thinking += event.Delta
	case EventToolCallDelta:
		blk := b.block(event.ContentIndex, ContentToolCall)
		if event.ToolCallID != "" {
			blk.ID = event.ToolCallID
		}
		if event.ToolName != "" {
			blk.Name = event.ToolName
		}
		buf, ok := b.toolArgs[event.ContentIndex]
		if !ok {
			buf = &strings.Builder{}
			b.toolArgs[event.ContentIndex] = buf
		}
		buf.WriteString(event.Delta)
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(buf.String()), &args); err == nil {
			blk.Arguments = args
		}
	}
}

// Snapshot returns a copy of the message accumulated so far.
func (b *Builder) Snapshot() Message {
	return b.msg.Clone()
}

// Finish completes the message with a stop reason and usage.
func (b *Builder) Finish(reason StopReason, usage *Usage) Message {
	msg := b.msg.Clone()
	for i := range msg.Content {
		if msg.Content[i].Type == ContentToolCall && msg.Content[i].Arguments == nil {
			msg.Content[i].Arguments = map[string]interface{}{}
		}
	}
	msg.StopReason = reason
	if usage == nil {
		usage = &Usage{}
	}
	msg.Usage = usage
	return msg
}

// Fail completes the message as aborted or errored, keeping partial content.
func (b *Builder) Fail(reason StopReason, err error) Message {
	msg := b.Finish(reason, nil)
	if err != nil {
		msg.ErrorMessage = err.Error()
	}
	return msg
}
