package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/turnloop/pkg/toolexecutor"
)

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a text file from the work dir.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the work dir", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			pathValue := stringArg(call.Arguments, "path")
			target, err := resolvePath(opts.WorkDir, pathValue)
			if err != nil {
				return toolexecutor.Result{}, err
			}

			data, truncated, err := readFileWithLimit(target, int64(intArg(call.Arguments, "max_bytes", defaultReadLimit)))
			if err != nil {
				return toolexecutor.Result{}, err
			}

			result := toolexecutor.TextResult(string(data))
			result.Truncated = truncated
			result.Details = map[string]interface{}{"path": pathValue, "bytes": len(data), "truncated": truncated}
			return result, nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Create or overwrite a file in the work dir.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the work dir", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwriting (default false)"},
		},
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			pathValue := stringArg(call.Arguments, "path")
			target, err := resolvePath(opts.WorkDir, pathValue)
			if err != nil {
				return toolexecutor.Result{}, err
			}
			content := stringArg(call.Arguments, "content")
			appendMode := boolArg(call.Arguments, "append")

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return toolexecutor.Result{}, err
			}
			flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			file, err := os.OpenFile(target, flag, 0o644)
			if err != nil {
				return toolexecutor.Result{}, err
			}
			if _, err := file.WriteString(content); err != nil {
				file.Close()
				return toolexecutor.Result{}, err
			}
			if err := file.Close(); err != nil {
				return toolexecutor.Result{}, err
			}

			verb := "Wrote"
			if appendMode {
				verb = "Appended"
			}
			result := toolexecutor.TextResult(fmt.Sprintf("%s %d bytes to %s", verb, len(content), pathValue))
			result.Details = map[string]interface{}{"path": pathValue, "bytes": len(content), "append": appendMode}
			return result, nil
		},
	}
}

func editFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "edit_file",
		Description: "Replace exact text in a file. The search text must match once unless replace_all is set.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the work dir", Required: true},
			{Name: "search", Type: "string", Description: "Exact text to replace", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence (default false)"},
		},
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			pathValue := stringArg(call.Arguments, "path")
			target, err := resolvePath(opts.WorkDir, pathValue)
			if err != nil {
				return toolexecutor.Result{}, err
			}
			search := stringArg(call.Arguments, "search")
			replace := stringArg(call.Arguments, "replace")
			replaceAll := boolArg(call.Arguments, "replace_all")
			if search == "" {
				return toolexecutor.Result{}, fmt.Errorf("search is required")
			}

			data, err := os.ReadFile(target)
			if err != nil {
				return toolexecutor.Result{}, err
			}
			content := string(data)

			occurrences := strings.Count(content, search)
			switch {
			case occurrences == 0:
				return toolexecutor.Result{}, fmt.Errorf("search text not found in %s", pathValue)
			case occurrences > 1 && !replaceAll:
				return toolexecutor.Result{}, fmt.Errorf("search text matches %d times in %s; add context or set replace_all", occurrences, pathValue)
			}

			updated := strings.Replace(content, search, replace, 1)
			if replaceAll {
				updated = strings.ReplaceAll(content, search, replace)
			}
			if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
				return toolexecutor.Result{}, err
			}

			result := toolexecutor.TextResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", occurrences, pathValue))
			result.Details = map[string]interface{}{"path": pathValue, "occurrences": occurrences}
			return result, nil
		},
	}
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	if limit <= 0 {
		limit = defaultReadLimit
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}
