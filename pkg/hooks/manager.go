package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// Events that accept hooks.
var Events = []string{
	"agent_start",
	"turn_start",
	"turn_end",
	"tool_execution_end",
	"agent_end",
}

// EnvPrefix prefixes every variable passed to hook scripts.
const EnvPrefix = "TURNLOOP_HOOK_"

const (
	defaultShell   = "/bin/sh"
	defaultTimeout = 5 * time.Second
	maxOutputLog   = 2048
)

// Script is a shell command bound to one agent event.
type Script struct {
	Name    string
	Event   string
	Command string
	// Timeout bounds one run. Zero means five seconds.
	Timeout time.Duration
	// Tools restricts a tool_execution_end script to these tool names.
	Tools []string
}

func (s Script) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Event
}

// wants reports whether the script should run for an event carrying data.
func (s Script) wants(data map[string]interface{}) bool {
	if len(s.Tools) == 0 {
		return true
	}
	tool, _ := data["tool_name"].(string)
	return slices.Contains(s.Tools, tool)
}

// Manager runs scripts when agent events fire. The zero value and a nil
// *Manager run nothing.
type Manager struct {
	shell   string
	logger  zerolog.Logger
	byEvent map[string][]Script
}

// NewManager validates scripts and groups them by event. Scripts for one
// event run in the order given.
func NewManager(scripts []Script, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		shell:   defaultShell,
		logger:  logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Script),
	}

	var errs []error
	for i, script := range scripts {
		script.Event = strings.TrimSpace(script.Event)
		script.Command = strings.TrimSpace(script.Command)
		switch {
		case script.Event == "":
			errs = append(errs, fmt.Errorf("hook %d: event is required", i))
			continue
		case !slices.Contains(Events, script.Event):
			errs = append(errs, fmt.Errorf("hook %d: unknown event %q", i, script.Event))
			continue
		case script.Command == "":
			errs = append(errs, fmt.Errorf("hook %d: script is required for event %q", i, script.Event))
			continue
		}
		if script.Timeout <= 0 {
			script.Timeout = defaultTimeout
		}
		m.byEvent[script.Event] = append(m.byEvent[script.Event], script)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

// Has reports whether any script listens for event.
func (m *Manager) Has(event string) bool {
	return m != nil && len(m.byEvent[event]) > 0
}

// Run executes the scripts for event. Every matching script runs even when
// an earlier one fails; the failures are joined.
func (m *Manager) Run(ctx context.Context, event string, data map[string]interface{}) error {
	if !m.Has(event) {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if err != nil {
		return fmt.Errorf("failed to encode hook payload: %w", err)
	}
	env := environ(event, data)

	var errs []error
	for _, script := range m.byEvent[event] {
		if !script.wants(data) {
			continue
		}
		if err := m.exec(ctx, script, env, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// exec runs one script with the payload on stdin.
func (m *Manager) exec(ctx context.Context, script Script, env []string, payload []byte) error {
	runCtx, cancel := context.WithTimeout(ctx, script.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, m.shell, "-c", script.Command)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	output := strings.TrimSpace(out.String())
	if len(output) > maxOutputLog {
		output = output[:maxOutputLog]
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s", script.Timeout)
		}
		if output != "" {
			return fmt.Errorf("hook %s failed: %w: %s", script.label(), runErr, output)
		}
		return fmt.Errorf("hook %s failed: %w", script.label(), runErr)
	}

	m.logger.Debug().
		Str("hook", script.label()).
		Str("event", script.Event).
		Dur("duration", time.Since(start)).
		Str("output", output).
		Msg("Hook finished")
	return nil
}

// environ exports event and data as TURNLOOP_HOOK_EVENT and
// TURNLOOP_HOOK_DATA_<KEY> on top of the daemon's environment.
func environ(event string, data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := os.Environ()
	env = append(env, EnvPrefix+"EVENT="+event)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%sDATA_%s=%v", EnvPrefix, envKey(key), data[key]))
	}
	return env
}

// envKey upper-cases key and replaces anything outside [A-Z0-9] with '_'.
func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
}
