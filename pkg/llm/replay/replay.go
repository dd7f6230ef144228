// Package replay serves recorded assistant responses in order. It makes runs
// reproducible: the same fixture and hook answers yield the same event sequence.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/harun/turnloop/pkg/llm"
)

// ErrExhausted is reported when every recorded response has been served.
var ErrExhausted = errors.New("replay: no recorded responses left")

// Response is one recorded model response.
type Response struct {
	// Message is streamed as deltas and then completed. Ignored when Error is set.
	Message llm.Message `yaml:"message"`
	// Error fails the response with a transport error.
	Error string `yaml:"error,omitempty"`
	// Hang blocks the response after its first event until the request is
	// cancelled.
	Hang bool `yaml:"hang,omitempty"`
}

// Fixture is the on-disk recording format.
type Fixture struct {
	Responses []Response `yaml:"responses"`
}

// Transport implements llm.Transport from a fixed list of responses.
type Transport struct {
	mu        sync.Mutex
	responses []Response
	requests  []llm.Context
}

// New creates a transport that serves responses in order.
func New(responses ...Response) *Transport {
	return &Transport{responses: responses}
}

// Load reads a YAML fixture file.
func Load(path string) (*Transport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML fixture.
func Parse(data []byte) (*Transport, error) {
	var fixture Fixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	return New(fixture.Responses...), nil
}

// Requests returns the contexts received so far, in call order.
func (t *Transport) Requests() []llm.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]llm.Context, len(t.requests))
	copy(out, t.requests)
	return out
}

// Calls returns how many times Stream was called.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// Stream serves the next recorded response.
func (t *Transport) Stream(ctx context.Context, model llm.Model, llmCtx llm.Context, _ llm.Options) *llm.AssistantStream {
	t.mu.Lock()
	t.requests = append(t.requests, cloneContext(llmCtx))
	var (
		resp Response
		ok   bool
	)
	if len(t.responses) > 0 {
		resp, t.responses, ok = t.responses[0], t.responses[1:], true
	}
	t.mu.Unlock()

	out := llm.NewAssistantStream()
	builder := llm.NewBuilder(model)
	fail := func(reason llm.StopReason, err error) {
		msg := builder.Fail(reason, err)
		out.Push(llm.AssistantMessageEvent{Type: llm.EventError, Message: &msg, Err: err})
	}

	if !ok {
		fail(llm.StopReasonError, ErrExhausted)
		return out
	}
	if ctx.Err() != nil {
		fail(llm.AbortReason(ctx.Err()), ctx.Err())
		return out
	}

	partial := builder.Snapshot()
	out.Push(llm.AssistantMessageEvent{Type: llm.EventStart, Partial: &partial})

	if resp.Hang {
		go func() {
			<-ctx.Done()
			fail(llm.AbortReason(ctx.Err()), ctx.Err())
		}()
		return out
	}
	if resp.Error != "" {
		fail(llm.StopReasonError, errors.New(resp.Error))
		return out
	}

	for i, block := range resp.Message.Content {
		event := llm.AssistantMessageEvent{ContentIndex: i}
		switch block.Type {
		case llm.ContentText:
			event.Type, event.Delta = llm.EventTextDelta, block.Text
		case llm.ContentThinking:
			event.Type, event.Delta = llm.EventThinkingDelta, block.Thinking
		case llm.ContentToolCall:
			args := block.Arguments
			if args == nil {
				args = map[string]interface{}{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				fail(llm.StopReasonError, fmt.Errorf("replay: marshal arguments: %w", err))
				return out
			}
			event.Type, event.Delta = llm.EventToolCallDelta, string(raw)
			event.ToolCallID, event.ToolName = block.ID, block.Name
		default:
			continue
		}
		builder.Apply(event)
		snap := builder.Snapshot()
		event.Partial = &snap
		out.Push(event)
	}

	reason := resp.Message.StopReason
	if reason == "" {
		reason = llm.StopReasonStop
		if len(resp.Message.ToolCalls()) > 0 {
			reason = llm.StopReasonToolUse
		}
	}
	msg := builder.Finish(reason, resp.Message.Usage)
	out.Push(llm.AssistantMessageEvent{Type: llm.EventDone, Message: &msg})
	return out
}

func cloneContext(c llm.Context) llm.Context {
	out := llm.Context{SystemPrompt: c.SystemPrompt}
	out.Messages = make([]llm.Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	out.Tools = append([]llm.Tool(nil), c.Tools...)
	return out
}

// Text is a shorthand for a plain text response.
func Text(text string) Response {
	return Response{Message: llm.Message{
		Role:       llm.RoleAssistant,
		Content:    []llm.ContentBlock{llm.Text(text)},
		StopReason: llm.StopReasonStop,
	}}
}

// ToolCalls is a shorthand for a response that only requests tools.
func ToolCalls(calls ...llm.ContentBlock) Response {
	return Response{Message: llm.Message{
		Role:       llm.RoleAssistant,
		Content:    calls,
		StopReason: llm.StopReasonToolUse,
	}}
}

// Failure is a shorthand for a transport error.
func Failure(message string) Response {
	return Response{Error: message}
}

// Hang is a shorthand for a response that waits for cancellation.
func Hang() Response {
	return Response{Hang: true}
}
