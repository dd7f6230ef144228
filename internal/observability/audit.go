package observability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/turnloop/internal/tracing"
)

// Audit entry kinds.
const (
	AuditTool     = "tool"
	AuditContext  = "context"
	AuditApproval = "approval"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Kind   string
	Action string
	// Actor is the session or agent responsible. It defaults to the session
	// key in the context.
	Actor    string
	Outcome  string
	Details  map[string]interface{}
	Occurred time.Time
}

// AuditTrail appends entries to a JSON-lines file. A trail that is not open
// drops everything.
type AuditTrail struct {
	mu     sync.Mutex
	file   *os.File
	writer zerolog.Logger
}

var (
	trailMu sync.RWMutex
	trail   = &AuditTrail{writer: zerolog.Nop()}
)

// Trail returns the process-wide audit trail.
func Trail() *AuditTrail {
	trailMu.RLock()
	defer trailMu.RUnlock()
	return trail
}

// OpenAuditTrail starts appending to path and closes the previous trail.
func OpenAuditTrail(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	trailMu.Lock()
	previous := trail
	trail = &AuditTrail{file: file, writer: zerolog.New(file)}
	trailMu.Unlock()
	return previous.Close()
}

// Append writes entry, filling the time, actor and correlation IDs from ctx.
// The entry is also attached to the active span as an event.
func (a *AuditTrail) Append(ctx context.Context, entry AuditEntry) {
	if entry.Occurred.IsZero() {
		entry.Occurred = time.Now()
	}
	ids := tracing.FromContext(ctx)
	if entry.Actor == "" {
		entry.Actor = ids.SessionKey
	}

	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		span.AddEvent("audit."+entry.Kind, trace.WithAttributes(
			attribute.String("audit.action", entry.Action),
			attribute.String("audit.outcome", entry.Outcome),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	ev := a.writer.Log().
		Time("time", entry.Occurred).
		Str("type", entry.Kind).
		Str("action", entry.Action).
		Str("actor", entry.Actor).
		Str("status", entry.Outcome).
		EmbedObject(ids)
	if len(entry.Details) > 0 {
		ev = ev.Interface("metadata", entry.Details)
	}
	ev.Send()
}

// Close stops the trail. Later appends are dropped.
func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.writer = zerolog.Nop()
	return err
}

// AuditToolCall records a settled tool call.
func AuditToolCall(ctx context.Context, tool, status string, details map[string]interface{}) {
	Trail().Append(ctx, AuditEntry{Kind: AuditTool, Action: "execute:" + tool, Outcome: status, Details: details})
}

// AuditContextChange records a patch or compaction applied to, or rejected
// by, an agent's envelope.
func AuditContextChange(ctx context.Context, action, actor, status string, details map[string]interface{}) {
	Trail().Append(ctx, AuditEntry{Kind: AuditContext, Action: action, Actor: actor, Outcome: status, Details: details})
}

// AuditApprovalDecision records how a gated tool call was decided.
func AuditApprovalDecision(ctx context.Context, tool string, approved bool, reason string) {
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	Trail().Append(ctx, AuditEntry{
		Kind:    AuditApproval,
		Action:  "approve:" + tool,
		Outcome: outcome,
		Details: map[string]interface{}{"reason": reason},
	})
}
