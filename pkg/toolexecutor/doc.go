// Package toolexecutor registers and executes structured tools for the agent loop.
//
// Invariants:
// - Tool names are unique within an executor.
// - Arguments are schema-validated before execution.
// - Handler errors and panics become results with IsError set; Execute never fails.
// - Progress reported after a call has settled is dropped.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
//			return toolexecutor.TextResult(call.Arguments["text"].(string)), nil
//		},
//	})
//	result := exec.Execute(ctx, exec.GetTool("echo"), toolexecutor.Call{ID: "1", Name: "echo", Arguments: args}, nil)
package toolexecutor
