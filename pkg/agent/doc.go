// Package agent runs the turn loop of an LLM agent.
//
// Invariants:
// - Every run emits agent_start first and agent_end last; Seq increases by one per event.
// - Within a turn the assistant message precedes its tool results, then steering, then injected messages.
// - A new turn starts only after a toolUse or forceContinue stop.
// - Runs, patches and compactions of one Agent are serialized through its commandqueue lane.
//
// Usage:
//
//	a, _ := agent.New(agent.Options{Envelope: env, Transport: transport})
//	defer a.Close()
//	msgs, _ := a.Prompt(ctx, agentctx.User("hello"))
//	_ = msgs
package agent
