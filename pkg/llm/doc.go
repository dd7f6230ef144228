// Package llm defines the canonical, provider-neutral message shapes and the
// streaming transport contract used by the agent loop.
//
// Invariants:
// - A transport reports failures as an error event, never as a Go error.
// - Every AssistantStream resolves to exactly one assistant message.
//
// Usage:
//
//	stream := transport.Stream(ctx, model, llm.Context{Messages: msgs}, llm.Options{})
//	for event := range stream.All(ctx) {
//		_ = event
//	}
//	msg, _ := stream.Result(ctx)
package llm
