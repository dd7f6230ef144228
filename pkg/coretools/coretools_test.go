package coretools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/toolexecutor"
)

func tool(t *testing.T, root, name string) toolexecutor.ToolDefinition {
	t.Helper()
	defs, err := Definitions(Options{WorkDir: root})
	require.NoError(t, err)
	for _, def := range defs {
		if def.Name == name {
			return def
		}
	}
	t.Fatalf("tool %s not found", name)
	return toolexecutor.ToolDefinition{}
}

func invoke(t *testing.T, def toolexecutor.ToolDefinition, args map[string]interface{}) (toolexecutor.Result, error) {
	t.Helper()
	return def.Handler(context.Background(), toolexecutor.Call{ID: "call_1", Name: def.Name, Arguments: args}, func(toolexecutor.Result) {})
}

func TestRegisterCoreTools(t *testing.T) {
	executor := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, RegisterCoreTools(executor, Options{WorkDir: t.TempDir()}))

	assert.ElementsMatch(t, []string{"read_file", "write_file", "edit_file", "apply_patch", "exec"}, executor.ListTools())
	assert.Error(t, RegisterCoreTools(nil, Options{}))
}

func TestReadFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello world"), 0o644))

	result, err := invoke(t, tool(t, root, "read_file"), map[string]interface{}{"path": "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text())
	assert.False(t, result.Truncated)

	result, err = invoke(t, tool(t, root, "read_file"), map[string]interface{}{"path": "notes.txt", "max_bytes": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text())
	assert.True(t, result.Truncated)

	_, err = invoke(t, tool(t, root, "read_file"), map[string]interface{}{"path": "missing.txt"})
	assert.Error(t, err)
}

func TestPathsStayInsideWorkDir(t *testing.T) {
	root := t.TempDir()

	for _, path := range []string{"../escape.txt", "/etc/passwd", "file:///etc/passwd", ""} {
		_, err := invoke(t, tool(t, root, "read_file"), map[string]interface{}{"path": path})
		assert.Error(t, err, path)
	}

	_, err := resolvePath(root, "sub/../inside.txt")
	assert.NoError(t, err)
}

func TestWriteFile(t *testing.T) {
	root := t.TempDir()
	write := tool(t, root, "write_file")

	result, err := invoke(t, write, map[string]interface{}{"path": "dir/out.txt", "content": "one\n"})
	require.NoError(t, err)
	assert.Contains(t, result.Text(), "Wrote 4 bytes")

	_, err = invoke(t, write, map[string]interface{}{"path": "dir/out.txt", "content": "two\n", "append": true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "dir", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	_, err = invoke(t, write, map[string]interface{}{"path": "dir/out.txt", "content": "three\n"})
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(root, "dir", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "three\n", string(data))
}

func TestEditFile(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "main.go")
	edit := tool(t, root, "edit_file")

	require.NoError(t, os.WriteFile(target, []byte("a := 1\nb := 1\n"), 0o644))

	_, err := invoke(t, edit, map[string]interface{}{"path": "main.go", "search": "1", "replace": "2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches 2 times")

	_, err = invoke(t, edit, map[string]interface{}{"path": "main.go", "search": "a := 1", "replace": "a := 2"})
	require.NoError(t, err)
	data, _ := os.ReadFile(target)
	assert.Equal(t, "a := 2\nb := 1\n", string(data))

	result, err := invoke(t, edit, map[string]interface{}{"path": "main.go", "search": ":=", "replace": "=", "replace_all": true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Details.(map[string]interface{})["occurrences"])
	data, _ = os.ReadFile(target)
	assert.Equal(t, "a = 2\nb = 1\n", string(data))

	_, err = invoke(t, edit, map[string]interface{}{"path": "main.go", "search": "zzz", "replace": "y"})
	assert.Error(t, err)
}

func TestApplyPatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\ntwo\nthree\n"), 0o644))

	patch := strings.Join([]string{
		"--- a/a.txt",
		"+++ b/a.txt",
		"@@ -1,3 +1,3 @@",
		" one",
		"-two",
		"+TWO",
		" three",
		"--- /dev/null",
		"+++ b/new.txt",
		"@@ -0,0 +1,1 @@",
		"+created",
	}, "\n")

	result, err := invoke(t, tool(t, root, "apply_patch"), map[string]interface{}{"patch": patch})
	require.NoError(t, err)
	assert.Contains(t, result.Text(), "Patched a.txt")

	data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	assert.Equal(t, "one\nTWO\nthree\n", string(data))
	data, _ = os.ReadFile(filepath.Join(root, "new.txt"))
	assert.Equal(t, "created\n", string(data))
}

func TestApplyPatchIsAllOrNothing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("two\n"), 0o644))

	patch := strings.Join([]string{
		"+++ b/a.txt",
		"@@ -1,1 +1,1 @@",
		"-one",
		"+ONE",
		"+++ b/b.txt",
		"@@ -1,1 +1,1 @@",
		"-not two",
		"+TWO",
	}, "\n")

	_, err := invoke(t, tool(t, root, "apply_patch"), map[string]interface{}{"patch": patch})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b.txt")

	data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	assert.Equal(t, "one\n", string(data))
}

func TestExec(t *testing.T) {
	root := t.TempDir()
	run := tool(t, root, "exec")

	var (
		mu       sync.Mutex
		partials []string
	)
	result, err := run.Handler(context.Background(), toolexecutor.Call{
		ID:        "call_1",
		Name:      "exec",
		Arguments: map[string]interface{}{"command": "echo first; echo second"},
	}, func(partial toolexecutor.Result) {
		mu.Lock()
		partials = append(partials, partial.Text())
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "first\nsecond\n", result.Text())
	assert.NotEmpty(t, partials)
	assert.Equal(t, "first\nsecond\n", partials[len(partials)-1])
	assert.Equal(t, 0, result.Details.(map[string]interface{})["exit_code"])
}

func TestExecRunsInWorkDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	result, err := invoke(t, tool(t, root, "exec"), map[string]interface{}{"command": "pwd", "cwd": "sub"})
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(filepath.Join(root, "sub"))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(result.Text()))
	require.NoError(t, err)
	assert.Equal(t, resolved, got)
}

func TestExecNonZeroExit(t *testing.T) {
	result, err := invoke(t, tool(t, t.TempDir(), "exec"), map[string]interface{}{"command": "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Text(), "oops")
	assert.Contains(t, result.Text(), "exited with code 3")
}

func TestExecTimeout(t *testing.T) {
	_, err := invoke(t, tool(t, t.TempDir(), "exec"), map[string]interface{}{"command": "sleep 5", "timeout": float64(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecCancelled(t *testing.T) {
	run := tool(t, t.TempDir(), "exec")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := run.Handler(ctx, toolexecutor.Call{Name: "exec", Arguments: map[string]interface{}{"command": "sleep 5"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
