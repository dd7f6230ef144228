package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// MarshalZerologObject writes the non-empty IDs.
func (f Fields) MarshalZerologObject(e *zerolog.Event) {
	for _, kv := range f.pairs() {
		e.Str(kv[0], kv[1])
	}
}

func (f Fields) pairs() [][2]string {
	all := [][2]string{
		{"trace_id", f.TraceID},
		{"run_id", f.RunID},
		{"session_key", f.SessionKey},
		{"tool_call_id", f.ToolCallID},
	}
	out := all[:0]
	for _, kv := range all {
		if kv[1] != "" {
			out = append(out, kv)
		}
	}
	return out
}

// LoggerFromContext returns base with the IDs in ctx attached as top-level
// fields.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	pairs := FromContext(ctx).pairs()
	if len(pairs) == 0 {
		return base
	}
	lc := base.With()
	for _, kv := range pairs {
		lc = lc.Str(kv[0], kv[1])
	}
	return lc.Logger()
}
