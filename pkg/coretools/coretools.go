package coretools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/turnloop/pkg/toolexecutor"
)

const (
	defaultReadLimit   = 200000
	defaultExecTimeout = 60
)

// Options configures core tool registration.
type Options struct {
	// WorkDir confines file tools and is the default exec directory.
	WorkDir string
	// Shell runs exec commands. Defaults to /bin/sh.
	Shell string
}

// Definitions returns the built-in tools bound to opts.
func Definitions(opts Options) ([]toolexecutor.ToolDefinition, error) {
	root, err := filepath.Abs(strings.TrimSpace(opts.WorkDir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}
	opts.WorkDir = root
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}

	return []toolexecutor.ToolDefinition{
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		applyPatchTool(opts),
		execTool(opts),
	}, nil
}

// RegisterCoreTools registers the built-in tools on executor.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	defs, err := Definitions(opts)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := executor.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// resolvePath maps a tool-supplied path into root and rejects escapes.
func resolvePath(root, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the work dir", pathValue)
	}
	return candidate, nil
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func boolArg(args map[string]interface{}, name string) bool {
	b, _ := args[name].(bool)
	return b
}

func intArg(args map[string]interface{}, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
