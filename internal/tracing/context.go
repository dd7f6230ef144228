package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Fields are the correlation IDs carried from a gateway request down to a
// single tool call.
type Fields struct {
	TraceID    string
	RunID      string
	SessionKey string
	ToolCallID string
}

type fieldsKey struct{}

// NewTraceID returns a random trace ID.
func NewTraceID() string {
	return uuid.NewString()
}

// NewRunID returns a random run ID.
func NewRunID() string {
	return uuid.NewString()
}

// FromContext returns the fields stored in ctx. A nil ctx has none.
func FromContext(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

// NewContext stores f in ctx, replacing any fields already there.
func NewContext(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, fieldsKey{}, f)
}

func update(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return NewContext(ctx, f)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.TraceID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.RunID = id })
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return update(ctx, func(f *Fields) { f.SessionKey = key })
}

func WithToolCallID(ctx context.Context, id string) context.Context {
	return update(ctx, func(f *Fields) { f.ToolCallID = id })
}

func GetTraceID(ctx context.Context) string    { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string      { return FromContext(ctx).RunID }
func GetSessionKey(ctx context.Context) string { return FromContext(ctx).SessionKey }
func GetToolCallID(ctx context.Context) string { return FromContext(ctx).ToolCallID }

// NewRunContext starts a run: it attaches a fresh run ID and makes sure a
// trace ID is present.
func NewRunContext(ctx context.Context) (context.Context, string) {
	runID := NewRunID()
	return update(ctx, func(f *Fields) {
		if f.TraceID == "" {
			f.TraceID = NewTraceID()
		}
		f.RunID = runID
	}), runID
}
