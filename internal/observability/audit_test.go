package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/internal/tracing"
)

func readAudit(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var entries []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	return entries
}

func TestAuditTrail_DropsWhenClosed(t *testing.T) {
	assert.NotPanics(t, func() {
		(&AuditTrail{}).Append(context.Background(), AuditEntry{Kind: AuditTool, Action: "execute:exec"})
	})
}

func TestAuditTrail_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	require.NoError(t, OpenAuditTrail(path))
	t.Cleanup(func() { _ = Trail().Close() })

	ctx := tracing.NewContext(context.Background(), tracing.Fields{RunID: "run-1", SessionKey: "session-1", ToolCallID: "call_1"})
	AuditToolCall(ctx, "read_file", "success", map[string]interface{}{"duration_ms": 3})
	AuditContextChange(ctx, "patch", "agent-7", "applied", map[string]interface{}{"ops": 2})
	AuditApprovalDecision(ctx, "exec", false, "denied by user")
	require.NoError(t, Trail().Close())

	entries := readAudit(t, path)
	require.Len(t, entries, 3)

	tool := entries[0]
	assert.Equal(t, "tool", tool["type"])
	assert.Equal(t, "execute:read_file", tool["action"])
	assert.Equal(t, "session-1", tool["actor"])
	assert.Equal(t, "success", tool["status"])
	assert.Equal(t, "run-1", tool["run_id"])
	assert.Equal(t, "call_1", tool["tool_call_id"])
	assert.EqualValues(t, 3, tool["metadata"].(map[string]interface{})["duration_ms"])
	assert.Contains(t, tool, "time")

	assert.Equal(t, "context", entries[1]["type"])
	assert.Equal(t, "agent-7", entries[1]["actor"])

	assert.Equal(t, "approval", entries[2]["type"])
	assert.Equal(t, "approve:exec", entries[2]["action"])
	assert.Equal(t, "denied", entries[2]["status"])
	assert.Equal(t, "denied by user", entries[2]["metadata"].(map[string]interface{})["reason"])
}

func TestAuditTrail_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, OpenAuditTrail(path))

	trail := Trail()
	require.NoError(t, trail.Close())
	require.NoError(t, trail.Close())

	trail.Append(context.Background(), AuditEntry{Kind: AuditTool, Action: "execute:exec"})
	assert.Empty(t, readAudit(t, path))
}
