package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/harun/turnloop/pkg/toolexecutor"
)

// progressBuffer collects command output and reports the running total after
// every write.
type progressBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	progress toolexecutor.ProgressFunc
}

func (p *progressBuffer) Write(b []byte) (int, error) {
	p.mu.Lock()
	n, err := p.buf.Write(b)
	snapshot := p.buf.String()
	p.mu.Unlock()

	if p.progress != nil {
		p.progress(toolexecutor.TextResult(snapshot))
	}
	return n, err
}

func (p *progressBuffer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func execTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "exec",
		Description: "Run a shell command in the work dir and return its combined output.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to run", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the work dir"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds (default 60)"},
		},
		Handler: func(ctx context.Context, call toolexecutor.Call, onProgress toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			command := stringArg(call.Arguments, "command")
			if command == "" {
				return toolexecutor.Result{}, fmt.Errorf("command is required")
			}

			dir := opts.WorkDir
			if cwd := stringArg(call.Arguments, "cwd"); cwd != "" {
				resolved, err := resolvePath(opts.WorkDir, cwd)
				if err != nil {
					return toolexecutor.Result{}, err
				}
				dir = resolved
			}

			timeout := time.Duration(intArg(call.Arguments, "timeout", defaultExecTimeout)) * time.Second
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			output := &progressBuffer{progress: onProgress}
			cmd := exec.CommandContext(runCtx, opts.Shell, "-c", command)
			cmd.Dir = dir
			cmd.Stdout = output
			cmd.Stderr = output
			cmd.WaitDelay = time.Second

			start := time.Now()
			err := cmd.Run()
			duration := time.Since(start)

			if ctx.Err() != nil {
				return toolexecutor.Result{}, ctx.Err()
			}
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return toolexecutor.Result{}, fmt.Errorf("command timed out after %s", timeout)
			}

			exitCode := 0
			var exitErr *exec.ExitError
			switch {
			case errors.As(err, &exitErr):
				exitCode = exitErr.ExitCode()
			case err != nil:
				return toolexecutor.Result{}, err
			}

			text := output.String()
			if text == "" {
				text = "(no output)"
			}
			result := toolexecutor.TextResult(text)
			if exitCode != 0 {
				result = toolexecutor.ErrorResult(fmt.Sprintf("%s\n\nCommand exited with code %d", text, exitCode))
			}
			result.Details = map[string]interface{}{
				"exit_code":   exitCode,
				"duration_ms": duration.Milliseconds(),
			}
			return result, nil
		},
	}
}
