package llm

import (
	"strings"
	"time"
)

// Role identifies the author of a canonical message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
)

// IsCore reports whether the role is one every transport understands.
func (r Role) IsCore() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolResult:
		return true
	}
	return false
}

// ContentType tags a content block.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentThinking ContentType = "thinking"
	ContentToolCall ContentType = "toolCall"
)

// ContentBlock is one entry of a message's ordered content.
type ContentBlock struct {
	Type      ContentType            `json:"type" yaml:"type"`
	Text      string                 `json:"text,omitempty" yaml:"text,omitempty"`
	Thinking  string                 `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	ID        string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Text builds a text block.
func Text(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ToolCall builds a tool call block.
func ToolCall(id, name string, args map[string]interface{}) ContentBlock {
	return ContentBlock{Type: ContentToolCall, ID: id, Name: name, Arguments: args}
}

// StopReason explains why the model stopped producing output.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonLength  StopReason = "length"
	StopReasonToolUse StopReason = "toolUse"
	StopReasonAborted StopReason = "aborted"
	StopReasonError   StopReason = "error"
)

// Cost is the monetary cost of a response in USD.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Usage tracks token consumption for one response.
type Usage struct {
	Input       int  `json:"input" yaml:"input"`
	Output      int  `json:"output" yaml:"output"`
	CacheRead   int  `json:"cacheRead" yaml:"cacheRead"`
	CacheWrite  int  `json:"cacheWrite" yaml:"cacheWrite"`
	TotalTokens int  `json:"totalTokens" yaml:"totalTokens"`
	Cost        Cost `json:"cost" yaml:"-"`
}

// Message is the canonical, provider-neutral message shape.
type Message struct {
	Role      Role           `json:"role" yaml:"role"`
	Content   []ContentBlock `json:"content,omitempty" yaml:"content,omitempty"`
	Timestamp int64          `json:"timestamp" yaml:"timestamp,omitempty"`

	// Assistant fields.
	StopReason   StopReason `json:"stopReason,omitempty" yaml:"stopReason,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	Usage        *Usage     `json:"usage,omitempty" yaml:"usage,omitempty"`
	Provider     string     `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string     `json:"model,omitempty" yaml:"model,omitempty"`

	// Tool result fields.
	ToolCallID string      `json:"toolCallId,omitempty" yaml:"toolCallId,omitempty"`
	ToolName   string      `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	Details    interface{} `json:"details,omitempty" yaml:"details,omitempty"`
	IsError    bool        `json:"isError,omitempty" yaml:"isError,omitempty"`
}

// NewUserMessage creates a user message with a single text block.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Content:   []ContentBlock{Text(text)},
		Timestamp: time.Now().UnixMilli(),
	}
}

// TextContent joins every text block of the message.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, block := range m.Content {
		if block.Type == ContentText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool call blocks in declaration order.
func (m Message) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, block := range m.Content {
		if block.Type == ContentToolCall {
			calls = append(calls, block)
		}
	}
	return calls
}

// Clone returns a copy that shares no slices or maps with m.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = make([]ContentBlock, len(m.Content))
		for i, block := range m.Content {
			out.Content[i] = block
			if block.Arguments != nil {
				args := make(map[string]interface{}, len(block.Arguments))
				for k, v := range block.Arguments {
					args[k] = v
				}
				out.Content[i].Arguments = args
			}
		}
	}
	if m.Usage != nil {
		usage := *m.Usage
		out.Usage = &usage
	}
	return out
}

// Tool describes a callable tool to the model.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Model identifies the model a request targets.
type Model struct {
	ID            string `json:"id" mapstructure:"id"`
	Provider      string `json:"provider" mapstructure:"provider"`
	ContextWindow int    `json:"context_window,omitempty" mapstructure:"context_window"`
	MaxTokens     int    `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
}

// Options carries per-run request configuration.
type Options struct {
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Context is everything a transport needs to produce one assistant response.
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
}
