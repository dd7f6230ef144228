// Package agentctx holds the conversation state of an agent run and the patch
// engine that changes it.
//
// Invariants:
// - System.Compiled always equals CompileSystemPrompt(System.Parts).
// - System part names and tool names are unique.
// - ApplyPatch never mutates its input and applies a patch all-or-nothing.
// - Cached-scope ops require a non-empty invalidateCacheReason.
//
// Usage:
//
//	env, _ := agentctx.New(agentctx.Config{
//		SystemParts: []agentctx.SystemPart{{Name: "base", Text: "You are helpful."}},
//		Model: llm.Model{ID: "claude-sonnet-4-5", Provider: "anthropic"},
//	})
//	res, err := agentctx.ApplyPatch(env, []agentctx.PatchOp{
//		agentctx.SetSystemPart("repo rules changed", "rules", "Use tabs."),
//	})
//	if err == nil && res.CacheInvalidated {
//		env = res.Envelope
//	}
package agentctx
