package agentctx

import (
	"fmt"
	"time"

	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

// AgentMessage is a conversation entry. Core roles use the embedded canonical
// message; any other role carries its data in Payload and is never inspected.
type AgentMessage struct {
	llm.Message
	Payload interface{} `json:"payload,omitempty"`
}

// FromLLM wraps a canonical message.
func FromLLM(msg llm.Message) AgentMessage {
	return AgentMessage{Message: msg}
}

// User builds a user message with a single text block.
func User(text string) AgentMessage {
	return FromLLM(llm.NewUserMessage(text))
}

// Custom builds a message with a caller-defined role.
func Custom(role llm.Role, payload interface{}) AgentMessage {
	return AgentMessage{
		Message: llm.Message{Role: role, Timestamp: time.Now().UnixMilli()},
		Payload: payload,
	}
}

// Clone returns a deep copy of the canonical part. Payload is shared.
func (m AgentMessage) Clone() AgentMessage {
	return AgentMessage{Message: m.Message.Clone(), Payload: m.Payload}
}

// SystemPart is a named fragment of the system prompt.
type SystemPart struct {
	Name string `json:"name" mapstructure:"name"`
	Text string `json:"text" mapstructure:"text"`
}

// System holds the ordered prompt parts and their concatenation.
type System struct {
	Parts    []SystemPart `json:"parts"`
	Compiled string       `json:"compiled"`
}

// Messages splits history into the persisted part and request-only additions.
type Messages struct {
	Cached   []AgentMessage `json:"cached"`
	Uncached []AgentMessage `json:"uncached"`
}

// All returns cached followed by uncached messages in a fresh slice.
func (m Messages) All() []AgentMessage {
	out := make([]AgentMessage, 0, len(m.Cached)+len(m.Uncached))
	out = append(out, m.Cached...)
	return append(out, m.Uncached...)
}

// Len returns the number of cached and uncached messages.
func (m Messages) Len() int {
	return len(m.Cached) + len(m.Uncached)
}

// Meta is run metadata carried alongside the conversation.
type Meta struct {
	Model        llm.Model `json:"model"`
	ContextLimit int       `json:"contextLimit"`
	TurnIndex    int       `json:"turnIndex"`
	RequestIndex int       `json:"requestIndex"`

	// Signal is owned by the caller. Closing it cancels the run.
	Signal <-chan struct{} `json:"-"`
}

// Envelope is the unit of conversation state. Envelopes are treated as
// immutable: every change produces a new envelope and leaves the old one intact.
type Envelope struct {
	System   System                         `json:"system"`
	Tools    []*toolexecutor.ToolDefinition `json:"tools"`
	Messages Messages                       `json:"messages"`
	Options  llm.Options                    `json:"options"`
	Meta     Meta                           `json:"meta"`
}

// Config seeds a new envelope.
type Config struct {
	SystemParts []SystemPart
	Tools       []*toolexecutor.ToolDefinition
	Messages    []AgentMessage
	Options     llm.Options
	Model       llm.Model
	// ContextLimit defaults to the model's context window.
	ContextLimit int
	Signal       <-chan struct{}
}

// New builds an envelope and checks its invariants.
func New(cfg Config) (*Envelope, error) {
	limit := cfg.ContextLimit
	if limit <= 0 {
		limit = cfg.Model.ContextWindow
	}
	env := &Envelope{
		System: System{
			Parts:    append([]SystemPart(nil), cfg.SystemParts...),
			Compiled: CompileSystemPrompt(cfg.SystemParts),
		},
		Tools:    append([]*toolexecutor.ToolDefinition(nil), cfg.Tools...),
		Messages: Messages{Cached: append([]AgentMessage(nil), cfg.Messages...)},
		Options:  cfg.Options,
		Meta: Meta{
			Model:        cfg.Model,
			ContextLimit: limit,
			Signal:       cfg.Signal,
		},
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks that part and tool names are unique and the compiled prompt
// is current.
func (e *Envelope) Validate() error {
	seen := make(map[string]bool, len(e.System.Parts))
	for _, part := range e.System.Parts {
		if part.Name == "" {
			return fmt.Errorf("system part name cannot be empty")
		}
		if seen[part.Name] {
			return fmt.Errorf("duplicate system part %q", part.Name)
		}
		seen[part.Name] = true
	}
	if e.System.Compiled != CompileSystemPrompt(e.System.Parts) {
		return fmt.Errorf("compiled system prompt is stale")
	}

	tools := make(map[string]bool, len(e.Tools))
	for _, tool := range e.Tools {
		if tool == nil {
			return fmt.Errorf("nil tool definition")
		}
		if tools[tool.Name] {
			return fmt.Errorf("duplicate tool %q", tool.Name)
		}
		tools[tool.Name] = true
	}
	return nil
}

// clone copies the envelope with fresh top-level slices. Message values are
// shared because they are never mutated after creation.
func (e *Envelope) clone() *Envelope {
	out := *e
	out.System.Parts = append([]SystemPart(nil), e.System.Parts...)
	out.Tools = append([]*toolexecutor.ToolDefinition(nil), e.Tools...)
	out.Messages.Cached = append([]AgentMessage(nil), e.Messages.Cached...)
	out.Messages.Uncached = append([]AgentMessage(nil), e.Messages.Uncached...)
	return &out
}

// AppendCached returns a new envelope with msgs appended to the cached history.
func (e *Envelope) AppendCached(msgs ...AgentMessage) *Envelope {
	out := e.clone()
	out.Messages.Cached = append(out.Messages.Cached, msgs...)
	return out
}

// WithMeta returns a new envelope carrying meta.
func (e *Envelope) WithMeta(meta Meta) *Envelope {
	out := e.clone()
	out.Meta = meta
	return out
}

// WithSignal returns a new envelope whose runs are cancelled by signal.
func (e *Envelope) WithSignal(signal <-chan struct{}) *Envelope {
	meta := e.Meta
	meta.Signal = signal
	return e.WithMeta(meta)
}

// Tool returns the tool named name, or nil.
func (e *Envelope) Tool(name string) *toolexecutor.ToolDefinition {
	return toolexecutor.Find(e.Tools, name)
}
