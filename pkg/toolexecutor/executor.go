package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/llm"
)

// SkippedMessage is the text of a tool result synthesized for a call that was
// pre-empted by a queued user message.
const SkippedMessage = "Skipped due to queued user message."

// DefaultMaxOutputBytes bounds the text content of a tool result.
const DefaultMaxOutputBytes = 10 * 1024

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallFromBlock converts a toolCall content block.
func CallFromBlock(block llm.ContentBlock) Call {
	return Call{ID: block.ID, Name: block.Name, Arguments: block.Arguments}
}

// Result is the outcome of a tool call.
type Result struct {
	Content   []llm.ContentBlock `json:"content"`
	Details   interface{}        `json:"details,omitempty"`
	IsError   bool               `json:"isError"`
	Truncated bool               `json:"truncated,omitempty"`
}

// TextResult builds a successful single-text result.
func TextResult(text string) Result {
	return Result{Content: []llm.ContentBlock{llm.Text(text)}}
}

// ErrorResult builds a failed single-text result.
func ErrorResult(text string) Result {
	return Result{Content: []llm.ContentBlock{llm.Text(text)}, IsError: true}
}

// SkippedResult is the synthesized result of a call pre-empted by steering.
func SkippedResult() Result {
	return ErrorResult(SkippedMessage)
}

// AbortedResult is the synthesized result of a call that never completed
// because the run was cancelled.
func AbortedResult(err error) Result {
	msg := "Tool execution aborted"
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return ErrorResult(msg)
}

// Text joins the text blocks of the result.
func (r Result) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == llm.ContentText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ProgressFunc receives partial results while a tool runs.
type ProgressFunc func(partial Result)

// ToolHandler is the function signature for tool execution. A returned error is
// converted into an error result.
type ToolHandler func(ctx context.Context, call Call, onProgress ProgressFunc) (Result, error)

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// Config configures a ToolExecutor.
type Config struct {
	// Timeout bounds each call. Zero means no timeout.
	Timeout        time.Duration
	MaxOutputBytes int
	Policy         *ToolPolicy
	// Approval decides calls to tools the policy marks as requiring approval.
	// Without it those calls are denied.
	Approval *ApprovalManager
	Logger   zerolog.Logger
}

// ToolExecutor registers tools and executes calls against them.
type ToolExecutor struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	order   []string
	schemas map[*ToolDefinition]*gojsonschema.Schema
	cfg     Config
	logger  zerolog.Logger
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[*ToolDefinition]*gojsonschema.Schema),
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "toolexecutor").Logger(),
	}
}

// RegisterTool registers a new tool. Registering a name again replaces the
// previous definition in place.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(&def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if old, exists := te.tools[def.Name]; exists {
		delete(te.schemas, old)
	} else {
		te.order = append(te.order, def.Name)
	}
	te.tools[def.Name] = &def
	te.schemas[&def] = schema

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	def, ok := te.tools[name]
	if !ok {
		return
	}
	delete(te.tools, name)
	delete(te.schemas, def)
	for i, n := range te.order {
		if n == name {
			te.order = append(te.order[:i], te.order[i+1:]...)
			break
		}
	}
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns registered tool names in registration order.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return append([]string(nil), te.order...)
}

// Definitions returns the registered tools permitted by the policy, in
// registration order.
func (te *ToolExecutor) Definitions() []*ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]*ToolDefinition, 0, len(te.order))
	for _, name := range te.order {
		if te.cfg.Policy.IsToolAllowed(name) {
			defs = append(defs, te.tools[name])
		}
	}
	return defs
}

// Resolve returns the named tools in the given order.
func (te *ToolExecutor) Resolve(names []string) ([]*ToolDefinition, error) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]*ToolDefinition, 0, len(names))
	for _, name := range names {
		def, ok := te.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool not found: %s", name)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Find returns the tool named name from defs, or nil.
func Find(defs []*ToolDefinition, name string) *ToolDefinition {
	for _, def := range defs {
		if def != nil && def.Name == name {
			return def
		}
	}
	return nil
}

// LLMTool describes a tool to the model.
func LLMTool(def *ToolDefinition) llm.Tool {
	return llm.Tool{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  schemaMap(def),
	}
}

// LLMTools describes tools to the model, preserving order.
func LLMTools(defs []*ToolDefinition) []llm.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, LLMTool(def))
	}
	return out
}

// progressGate forwards progress until the call settles and drops it after.
type progressGate struct {
	mu      sync.Mutex
	settled bool
	fn      ProgressFunc
}

func (g *progressGate) report(partial Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.settled || g.fn == nil {
		return
	}
	g.fn(partial)
}

func (g *progressGate) settle() {
	g.mu.Lock()
	g.settled = true
	g.mu.Unlock()
}

type outcome struct {
	result Result
	err    error
}

// Execute runs one call against tool. Failures never escape as errors: they are
// returned as results with IsError set. A nil tool yields a not-found result.
func (te *ToolExecutor) Execute(ctx context.Context, tool *ToolDefinition, call Call, onProgress ProgressFunc) Result {
	start := time.Now()
	ctx = tracing.WithToolCallID(ctx, call.ID)
	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", call.Name).Logger()

	result, status := te.execute(ctx, logger, tool, call, onProgress)
	result = te.truncate(logger, result)

	duration := time.Since(start)
	observability.RecordToolExecution(call.Name, duration, status)
	observability.AuditToolCall(ctx, call.Name, status, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"truncated":   result.Truncated,
	})

	logger.Debug().
		Dur("duration", duration).
		Str("status", status).
		Bool("truncated", result.Truncated).
		Msg("Tool execution settled")

	return result
}

func (te *ToolExecutor) execute(ctx context.Context, logger zerolog.Logger, tool *ToolDefinition, call Call, onProgress ProgressFunc) (Result, string) {
	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return ErrorResult(fmt.Sprintf("Tool %s not found", call.Name)), "error"
	}
	if !te.cfg.Policy.IsToolAllowed(tool.Name) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return ErrorResult(fmt.Sprintf("Tool %s is not allowed by policy", tool.Name)), "error"
	}
	if err := ctx.Err(); err != nil {
		return AbortedResult(err), "aborted"
	}

	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateParameters(te.schemaFor(tool), args); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return ErrorResult(fmt.Sprintf("Invalid arguments for %s: %v", tool.Name, err)), "error"
	}
	call.Arguments = args

	if te.cfg.Policy.NeedsApproval(tool.Name) {
		if result, status, ok := te.approve(ctx, logger, call); !ok {
			return result, status
		}
	}

	runCtx := ContextWithCall(ctx, call)
	if te.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, te.cfg.Timeout)
		defer cancel()
	}

	gate := &progressGate{fn: onProgress}
	defer gate.settle()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := tool.Handler(runCtx, call, gate.report)
		done <- outcome{result: result, err: err}
	}()

	interrupted := func() (Result, string) {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Warn().Dur("timeout", te.cfg.Timeout).Msg("Tool execution timeout")
			return ErrorResult(fmt.Sprintf("Tool %s timed out after %v", tool.Name, te.cfg.Timeout)), "error"
		}
		return AbortedResult(ctx.Err()), "aborted"
	}

	select {
	case out := <-done:
		// A handler that gave up on its own deadline reports the interruption.
		if runCtx.Err() != nil && isContextErr(out.err) {
			return interrupted()
		}
		return settle(out)
	case <-runCtx.Done():
		// A handler that finished in the same instant wins over cancellation.
		select {
		case out := <-done:
			if !isContextErr(out.err) {
				return settle(out)
			}
		default:
		}
		return interrupted()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// approve asks for approval of call. ok is false when the call must not run.
func (te *ToolExecutor) approve(ctx context.Context, logger zerolog.Logger, call Call) (Result, string, bool) {
	resp, err := te.cfg.Approval.RequestApproval(ctx, ApprovalRequest{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
		SessionKey: tracing.GetSessionKey(ctx),
	})
	if ctx.Err() != nil {
		return AbortedResult(ctx.Err()), "aborted", false
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Tool approval unavailable")
		return ErrorResult(fmt.Sprintf("Tool %s requires approval: %v", call.Name, err)), "denied", false
	}
	observability.AuditApprovalDecision(ctx, call.Name, resp.Approved, resp.Reason)
	if !resp.Approved {
		return ErrorResult(fmt.Sprintf("Tool %s was not approved: %s", call.Name, resp.Reason)), "denied", false
	}
	return Result{}, "", true
}

func settle(out outcome) (Result, string) {
	if out.err != nil {
		return ErrorResult(out.err.Error()), "error"
	}
	if out.result.IsError {
		return out.result, "error"
	}
	return out.result, "success"
}

func (te *ToolExecutor) schemaFor(def *ToolDefinition) *gojsonschema.Schema {
	te.mu.RLock()
	schema, ok := te.schemas[def]
	te.mu.RUnlock()
	if ok {
		return schema
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		te.logger.Warn().Err(err).Str("tool", def.Name).Msg("Schema generation failed; skipping validation")
		return nil
	}
	te.mu.Lock()
	te.schemas[def] = schema
	te.mu.Unlock()
	return schema
}

// truncate caps the text content of a result at the configured size.
func (te *ToolExecutor) truncate(logger zerolog.Logger, result Result) Result {
	limit := te.cfg.MaxOutputBytes
	total := 0
	for _, block := range result.Content {
		total += len(block.Text)
	}
	if total <= limit {
		return result
	}

	out := result
	out.Content = make([]llm.ContentBlock, 0, len(result.Content))
	remaining := limit
	for _, block := range result.Content {
		if block.Type != llm.ContentText {
			out.Content = append(out.Content, block)
			continue
		}
		if remaining <= 0 {
			continue
		}
		if len(block.Text) > remaining {
			block.Text = block.Text[:remaining] + "\n... [output truncated]"
		}
		remaining -= len(block.Text)
		out.Content = append(out.Content, block)
	}
	out.Truncated = true

	logger.Warn().
		Int("original", total).
		Int("limit", limit).
		Msg("Output truncated")

	return out
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// schemaMap builds the JSON Schema object for a tool's parameters.
func schemaMap(def *ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func generateJSONSchema(def *ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(def)))
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}
