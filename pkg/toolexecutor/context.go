package toolexecutor

import "context"

type callContextKey struct{}

// ContextWithCall attaches the call being executed to ctx for tool handlers
// that delegate to helpers.
func ContextWithCall(ctx context.Context, call Call) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callContextKey{}, call)
}

// CallFromContext extracts the call attached by ContextWithCall.
func CallFromContext(ctx context.Context) (Call, bool) {
	if ctx == nil {
		return Call{}, false
	}
	call, ok := ctx.Value(callContextKey{}).(Call)
	return call, ok
}
