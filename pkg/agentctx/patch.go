package agentctx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

var (
	// ErrInvalidateCacheReasonRequired is returned for a cached-scope op with
	// an empty invalidateCacheReason.
	ErrInvalidateCacheReasonRequired = errors.New("invalidateCacheReason is required for cached-scope patch ops")
	// ErrInvalidPatch is returned for a malformed op.
	ErrInvalidPatch = errors.New("invalid patch op")
)

// OpType names a patch operation.
type OpType string

const (
	OpMessagesUncachedAppend  OpType = "messages_uncached_append"
	OpMessagesUncachedReplace OpType = "messages_uncached_replace"
	OpMessagesCachedReplace   OpType = "messages_cached_replace"
	OpSystemPartSet           OpType = "system_part_set"
	OpToolsRemove             OpType = "tools_remove"
	OpCompactionApply         OpType = "compaction_apply"
)

// Scope tells whether an op touches the cacheable prefix of the request.
type Scope string

const (
	ScopeCached   Scope = "cached"
	ScopeUncached Scope = "uncached"
)

// Scope returns the scope of the op type.
func (t OpType) Scope() Scope {
	switch t {
	case OpMessagesUncachedAppend, OpMessagesUncachedReplace:
		return ScopeUncached
	default:
		return ScopeCached
	}
}

// Compaction describes a compaction_apply op.
type Compaction struct {
	Summary               string `json:"summary"`
	FirstKeptMessageIndex int    `json:"firstKeptMessageIndex"`
	// TokensBefore is recorded for auditing only.
	TokensBefore int   `json:"tokensBefore"`
	Timestamp    int64 `json:"timestamp"`
}

// PatchOp is one validated mutation of an envelope. Fields not used by Type are
// ignored.
type PatchOp struct {
	Type                  OpType         `json:"type"`
	InvalidateCacheReason string         `json:"invalidateCacheReason,omitempty"`
	Messages              []AgentMessage `json:"messages,omitempty"`
	Name                  string         `json:"name,omitempty"`
	Text                  string         `json:"text,omitempty"`
	ToolNames             []string       `json:"toolNames,omitempty"`
	Compaction            *Compaction    `json:"compaction,omitempty"`
}

// Scope returns the scope of the op.
func (op PatchOp) Scope() Scope {
	return op.Type.Scope()
}

// AppendUncached appends request-only messages.
func AppendUncached(msgs ...AgentMessage) PatchOp {
	return PatchOp{Type: OpMessagesUncachedAppend, Messages: msgs}
}

// ReplaceUncached replaces all request-only messages. With no messages it
// clears them.
func ReplaceUncached(msgs ...AgentMessage) PatchOp {
	return PatchOp{Type: OpMessagesUncachedReplace, Messages: msgs}
}

// ReplaceCached replaces the persisted history.
func ReplaceCached(reason string, msgs []AgentMessage) PatchOp {
	return PatchOp{Type: OpMessagesCachedReplace, InvalidateCacheReason: reason, Messages: msgs}
}

// SetSystemPart upserts a named system prompt part.
func SetSystemPart(reason, name, text string) PatchOp {
	return PatchOp{Type: OpSystemPartSet, InvalidateCacheReason: reason, Name: name, Text: text}
}

// RemoveTools drops tools by name.
func RemoveTools(reason string, names ...string) PatchOp {
	return PatchOp{Type: OpToolsRemove, InvalidateCacheReason: reason, ToolNames: names}
}

// ApplyCompaction replaces the head of the history with a summary.
func ApplyCompaction(reason string, c Compaction) PatchOp {
	return PatchOp{Type: OpCompactionApply, InvalidateCacheReason: reason, Compaction: &c}
}

// PatchError reports which op of a patch failed.
type PatchError struct {
	Index int
	Op    OpType
	Err   error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch op %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

// PatchResult is the outcome of ApplyPatch.
type PatchResult struct {
	Envelope         *Envelope
	CacheInvalidated bool
}

// CompileSystemPrompt concatenates part texts in order with no separator.
func CompileSystemPrompt(parts []SystemPart) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// ApplyPatch applies ops in order to a copy of env. It never mutates env. If
// any op fails, no envelope is returned and the error of the first failing op
// is reported.
func ApplyPatch(env *Envelope, ops []PatchOp) (PatchResult, error) {
	if env == nil {
		return PatchResult{}, fmt.Errorf("%w: nil envelope", ErrInvalidPatch)
	}

	out := env.clone()
	invalidated := false
	for i, op := range ops {
		if err := applyOp(out, op); err != nil {
			return PatchResult{}, &PatchError{Index: i, Op: op.Type, Err: err}
		}
		if op.Scope() == ScopeCached {
			invalidated = true
		}
	}
	return PatchResult{Envelope: out, CacheInvalidated: invalidated}, nil
}

func applyOp(env *Envelope, op PatchOp) error {
	if op.Scope() == ScopeCached && strings.TrimSpace(op.InvalidateCacheReason) == "" {
		return ErrInvalidateCacheReasonRequired
	}

	switch op.Type {
	case OpMessagesUncachedAppend:
		env.Messages.Uncached = append(env.Messages.Uncached, op.Messages...)

	case OpMessagesUncachedReplace:
		env.Messages.Uncached = append([]AgentMessage(nil), op.Messages...)

	case OpMessagesCachedReplace:
		env.Messages.Cached = append([]AgentMessage(nil), op.Messages...)

	case OpSystemPartSet:
		if op.Name == "" {
			return fmt.Errorf("%w: system part name is required", ErrInvalidPatch)
		}
		found := false
		for i := range env.System.Parts {
			if env.System.Parts[i].Name == op.Name {
				env.System.Parts[i].Text = op.Text
				found = true
				break
			}
		}
		if !found {
			env.System.Parts = append(env.System.Parts, SystemPart{Name: op.Name, Text: op.Text})
		}
		env.System.Compiled = CompileSystemPrompt(env.System.Parts)

	case OpToolsRemove:
		remove := make(map[string]bool, len(op.ToolNames))
		for _, name := range op.ToolNames {
			remove[name] = true
		}
		kept := make([]*toolexecutor.ToolDefinition, 0, len(env.Tools))
		for _, tool := range env.Tools {
			if !remove[tool.Name] {
				kept = append(kept, tool)
			}
		}
		env.Tools = kept

	case OpCompactionApply:
		c := op.Compaction
		if c == nil {
			return fmt.Errorf("%w: compaction details are required", ErrInvalidPatch)
		}
		n := len(env.Messages.Cached)
		if c.FirstKeptMessageIndex < 0 || c.FirstKeptMessageIndex > n {
			return fmt.Errorf("%w: firstKeptMessageIndex %d out of range [0, %d]", ErrInvalidPatch, c.FirstKeptMessageIndex, n)
		}
		summary := AgentMessage{Message: llm.Message{
			Role:      llm.RoleUser,
			Content:   []llm.ContentBlock{llm.Text(c.Summary)},
			Timestamp: c.Timestamp,
		}}
		cached := make([]AgentMessage, 0, 1+n-c.FirstKeptMessageIndex)
		cached = append(cached, summary)
		cached = append(cached, env.Messages.Cached[c.FirstKeptMessageIndex:]...)
		env.Messages.Cached = cached

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPatch, op.Type)
	}
	return nil
}
