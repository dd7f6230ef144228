package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/turnloop/pkg/toolexecutor"
)

type hunkLine struct {
	kind byte
	text string
}

type hunk struct {
	start int
	lines []hunkLine
}

type filePatch struct {
	path  string
	hunks []hunk
}

type patchedFile struct {
	Path  string `json:"path"`
	Hunks int    `json:"hunks"`
}

func applyPatchTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "apply_patch",
		Description: "Apply a unified diff to files in the work dir. Nothing is written unless every hunk applies.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "patch", Type: "string", Description: "Unified diff", Required: true},
		},
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			patchText := stringArg(call.Arguments, "patch")
			if strings.TrimSpace(patchText) == "" {
				return toolexecutor.Result{}, fmt.Errorf("patch is required")
			}

			files, err := applyUnifiedPatch(opts.WorkDir, patchText)
			if err != nil {
				return toolexecutor.Result{}, err
			}

			var b strings.Builder
			for _, f := range files {
				fmt.Fprintf(&b, "Patched %s (%d hunks)\n", f.Path, f.Hunks)
			}
			result := toolexecutor.TextResult(strings.TrimRight(b.String(), "\n"))
			result.Details = map[string]interface{}{"files": files}
			return result, nil
		},
	}
}

func parseUnifiedPatch(patchText string) ([]filePatch, error) {
	var patches []filePatch
	var current *filePatch
	var currentHunk *hunk

	for _, raw := range strings.Split(patchText, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if i := strings.IndexByte(path, '\t'); i >= 0 {
				path = path[:i]
			}
			path = strings.TrimPrefix(strings.TrimPrefix(path, "b/"), "a/")
			if path == "" {
				continue
			}
			patches = append(patches, filePatch{path: path})
			current = &patches[len(patches)-1]
			currentHunk = nil
			continue
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				return nil, fmt.Errorf("hunk before file header: %s", line)
			}
			start, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			current.hunks = append(current.hunks, hunk{start: start})
			currentHunk = &current.hunks[len(current.hunks)-1]
			continue
		}
		if currentHunk == nil || line == "" {
			continue
		}
		switch line[0] {
		case ' ', '+', '-':
			currentHunk.lines = append(currentHunk.lines, hunkLine{kind: line[0], text: line[1:]})
		}
	}

	if len(patches) == 0 {
		return nil, fmt.Errorf("patch contains no file headers")
	}
	return patches, nil
}

// applyUnifiedPatch applies every file patch in memory first and writes only
// when all of them apply.
func applyUnifiedPatch(root string, patchText string) ([]patchedFile, error) {
	patches, err := parseUnifiedPatch(patchText)
	if err != nil {
		return nil, err
	}

	type pending struct {
		target  string
		content string
	}
	writes := make([]pending, 0, len(patches))
	results := make([]patchedFile, 0, len(patches))

	for _, patch := range patches {
		target, err := resolvePath(root, patch.path)
		if err != nil {
			return nil, err
		}
		orig, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		lines, err := applyHunks(splitLines(string(orig)), patch.hunks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", patch.path, err)
		}
		content := strings.Join(lines, "\n")
		if len(lines) > 0 {
			content += "\n"
		}
		writes = append(writes, pending{target: target, content: content})
		results = append(results, patchedFile{Path: patch.path, Hunks: len(patch.hunks)})
	}

	for _, w := range writes {
		if err := os.MkdirAll(filepath.Dir(w.target), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(w.target, []byte(w.content), 0o644); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// parseHunkHeader reads the original start line from "@@ -start,count +start,count @@".
func parseHunkHeader(line string) (int, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "-") {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	var start int
	if _, err := fmt.Sscanf(strings.SplitN(strings.TrimPrefix(parts[1], "-"), ",", 2)[0], "%d", &start); err != nil {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	if start < 1 {
		start = 1
	}
	return start, nil
}

func applyHunks(orig []string, hunks []hunk) ([]string, error) {
	out := make([]string, 0, len(orig))
	idx := 0

	for _, h := range hunks {
		target := h.start - 1
		if target < idx {
			return nil, fmt.Errorf("overlapping hunk at line %d", h.start)
		}
		if target > len(orig) {
			target = len(orig)
		}
		out = append(out, orig[idx:target]...)
		idx = target

		for _, ln := range h.lines {
			switch ln.kind {
			case ' ':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				out = append(out, orig[idx])
				idx++
			case '-':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				idx++
			case '+':
				out = append(out, ln.text)
			}
		}
	}

	return append(out, orig[idx:]...), nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
