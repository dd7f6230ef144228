package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

const tracerName = "turnloop.agent"

// ErrNoMessages is returned by LoopContinue when the envelope holds no
// messages.
var ErrNoMessages = errors.New("Cannot continue: no messages in context") //nolint:staticcheck // surfaced to callers verbatim

// Loop seeds prompts into env and runs turns until the model stops and no hook
// forces another turn. The stream resolves to every message the run produced,
// prompts included.
func Loop(ctx context.Context, prompts []agentctx.AgentMessage, env *agentctx.Envelope, cfg Config, hooks Hooks, transport llm.Transport) *Stream {
	r, ctx := newRun(ctx, env, cfg, hooks, transport)
	go r.execute(ctx, prompts)
	return r.stream
}

// LoopContinue resumes from the existing messages of env without adding a
// prompt. The stream resolves to the newly appended messages only.
func LoopContinue(ctx context.Context, env *agentctx.Envelope, cfg Config, hooks Hooks, transport llm.Transport) (*Stream, error) {
	if env == nil || env.Messages.Len() == 0 {
		return nil, ErrNoMessages
	}
	r, ctx := newRun(ctx, env, cfg, hooks, transport)
	go r.execute(ctx, nil)
	return r.stream, nil
}

type run struct {
	cfg       Config
	hooks     Hooks
	transport llm.Transport
	executor  *toolexecutor.ToolExecutor
	logger    zerolog.Logger
	stream    *Stream
	runID     string

	mu  sync.Mutex
	seq int64

	// env and produced are only touched by the run goroutine.
	env      *agentctx.Envelope
	produced []agentctx.AgentMessage
}

func newRun(ctx context.Context, env *agentctx.Envelope, cfg Config, hooks Hooks, transport llm.Transport) (*run, context.Context) {
	observability.EnsureRegistered()
	if ctx == nil {
		ctx = context.Background()
	}
	if env == nil {
		env = &agentctx.Envelope{}
	}
	ctx, runID := tracing.NewRunContext(ctx)

	executor := cfg.Executor
	if executor == nil {
		executor = toolexecutor.New(toolexecutor.Config{Logger: cfg.Logger})
	}

	return &run{
		cfg:       cfg,
		hooks:     hooks,
		transport: transport,
		executor:  executor,
		logger:    tracing.LoggerFromContext(ctx, cfg.Logger).With().Str("component", "agent").Logger(),
		stream:    newStream(),
		runID:     runID,
		env:       env,
	}, ctx
}

func (r *run) emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	event.Seq = r.seq
	event.RunID = r.runID
	r.stream.Push(event)
}

// withSignal cancels ctx once signal is closed. A signal that is already
// closed cancels ctx before it is returned.
func withSignal(ctx context.Context, signal <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if signal == nil {
		return ctx, cancel
	}
	select {
	case <-signal:
		cancel()
		return ctx, cancel
	default:
	}
	go func() {
		select {
		case <-signal:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (r *run) execute(ctx context.Context, prompts []agentctx.AgentMessage) {
	ctx, cancel := withSignal(ctx, r.env.Meta.Signal)
	defer cancel()

	provider := r.env.Meta.Model.Provider
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("provider", provider),
		attribute.String("model", r.env.Meta.Model.ID),
		attribute.Int("prompts", len(prompts)),
	)
	start := time.Now()
	observability.RunStarted()
	r.logger.Debug().Int("prompts", len(prompts)).Int("messages", r.env.Messages.Len()).Msg("Agent run started")

	r.emit(Event{Type: EventAgentStart})

	var last llm.StopReason
	for turn := 0; ; turn++ {
		var seeded []agentctx.AgentMessage
		if turn == 0 {
			seeded = prompts
		}
		stopReason, more := r.turn(ctx, turn, seeded)
		last = stopReason
		if !more {
			break
		}
		if err := ctx.Err(); err != nil {
			r.logger.Debug().Err(err).Int("turn", turn).Msg("Run cancelled, not starting another turn")
			break
		}
	}

	produced := append([]agentctx.AgentMessage(nil), r.produced...)
	r.emit(Event{Type: EventAgentEnd, Messages: produced, Envelope: r.env})

	duration := time.Since(start)
	observability.RecordAgentRun(provider, duration, string(last))
	span.SetAttributes(attribute.String("stop_reason", string(last)), attribute.Int("messages", len(produced)))
	tracing.EndSpan(span, nil)
	r.logger.Debug().Dur("duration", duration).Str("stop_reason", string(last)).Msg("Agent run finished")
}

// turn runs one model call and its tool phase. It reports the assistant stop
// reason and whether another turn should follow.
func (r *run) turn(ctx context.Context, index int, seeded []agentctx.AgentMessage) (llm.StopReason, bool) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn", attribute.Int("turn_index", index))
	defer span.End()

	meta := r.env.Meta
	meta.TurnIndex = index
	r.env = r.env.WithMeta(meta)

	r.emit(Event{Type: EventTurnStart, TurnIndex: index})
	for _, msg := range seeded {
		r.appendMessage(msg)
	}

	invalidated, err := r.prepareTurn(ctx)
	var assistant llm.Message
	if err != nil {
		r.logger.Warn().Err(err).Int("turn", index).Msg("Turn preparation failed")
		assistant = r.failResponse(ctx, err)
	} else {
		assistant = r.streamAssistant(ctx)
	}

	var toolResults []agentctx.AgentMessage
	forceContinue := false
	if assistant.StopReason == llm.StopReasonToolUse {
		var steering []agentctx.AgentMessage
		toolResults, steering = r.runTools(ctx, assistant)
		if len(steering) > 0 {
			for _, msg := range steering {
				r.appendMessage(msg)
			}
			forceContinue = true
		}
	}

	for _, msg := range r.poll(ctx, "injected", r.hooks.GetInjectedMessages) {
		r.appendMessage(msg)
	}

	final := agentctx.FromLLM(assistant)
	r.emit(Event{
		Type:             EventTurnEnd,
		TurnIndex:        index,
		Message:          &final,
		ToolResults:      toolResults,
		CacheInvalidated: invalidated,
	})
	observability.RecordTurn(r.env.Meta.Model.Provider, string(assistant.StopReason))
	span.SetAttributes(
		attribute.String("stop_reason", string(assistant.StopReason)),
		attribute.Int("tool_results", len(toolResults)),
		attribute.Bool("cache_invalidated", invalidated),
	)

	return assistant.StopReason, assistant.StopReason == llm.StopReasonToolUse || forceContinue
}

// appendMessage records a complete message in the history and announces it.
func (r *run) appendMessage(msg agentctx.AgentMessage) {
	start := msg
	r.emit(Event{Type: EventMessageStart, Message: &start})
	end := msg
	r.emit(Event{Type: EventMessageEnd, Message: &end})
	r.env = r.env.AppendCached(msg)
	r.produced = append(r.produced, msg)
}

func (r *run) prepareTurn(ctx context.Context) (bool, error) {
	if r.hooks.PrepareTurn == nil {
		return false, nil
	}
	ops, err := r.hooks.PrepareTurn(ctx, r.env)
	if err != nil {
		observability.RecordHookError("prepare_turn")
		return false, fmt.Errorf("prepare turn: %w", err)
	}
	if len(ops) == 0 {
		return false, nil
	}
	res, err := agentctx.ApplyPatch(r.env, ops)
	if err != nil {
		observability.RecordHookError("prepare_turn")
		return false, fmt.Errorf("prepare turn: %w", err)
	}
	r.env = res.Envelope

	if res.CacheInvalidated {
		observability.RecordCacheInvalidation("prepare_turn")
	}
	observability.AuditContextChange(ctx, "patch", r.runID, "applied", map[string]interface{}{
		"ops":               len(ops),
		"cache_invalidated": res.CacheInvalidated,
		"turn_index":        r.env.Meta.TurnIndex,
	})
	return res.CacheInvalidated, nil
}

// requestContext builds the transport request from the current envelope.
func (r *run) requestContext(ctx context.Context) (llm.Context, error) {
	msgs := r.env.Messages.All()
	if r.cfg.TransformContext != nil {
		transformed, err := r.cfg.TransformContext(ctx, msgs)
		if err != nil {
			return llm.Context{}, fmt.Errorf("transform context: %w", err)
		}
		msgs = transformed
	}

	convert := r.cfg.ConvertToLLM
	if convert == nil {
		convert = ConvertToLLM
	}
	llmMsgs, err := convert(ctx, msgs)
	if err != nil {
		return llm.Context{}, fmt.Errorf("convert to llm: %w", err)
	}

	return llm.Context{
		SystemPrompt: r.env.System.Compiled,
		Messages:     llmMsgs,
		Tools:        toolexecutor.LLMTools(r.env.Tools),
	}, nil
}

// failResponse settles the turn with an error assistant message without
// calling the transport.
func (r *run) failResponse(ctx context.Context, err error) llm.Message {
	reason := llm.StopReasonError
	if ctx.Err() != nil {
		reason = llm.AbortReason(ctx.Err())
	}
	msg := llm.ErrorResponse(r.env.Meta.Model, reason, err)
	r.appendMessage(agentctx.FromLLM(msg))
	return msg
}

func (r *run) streamAssistant(ctx context.Context) llm.Message {
	llmCtx, err := r.requestContext(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to build request")
		return r.failResponse(ctx, err)
	}

	meta := r.env.Meta
	meta.RequestIndex++
	r.env = r.env.WithMeta(meta)
	model := meta.Model

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.request",
		attribute.String("provider", model.Provider),
		attribute.String("model", model.ID),
		attribute.Int("request_index", meta.RequestIndex),
	)
	defer span.End()

	start := time.Now()
	stream := r.transport.Stream(ctx, model, llmCtx, r.env.Options)
	builder := llm.NewBuilder(model)
	started := false
	announce := func(msg llm.Message) {
		if started {
			return
		}
		started = true
		partial := agentctx.FromLLM(msg)
		r.emit(Event{Type: EventMessageStart, Message: &partial})
	}

	for {
		event, ok := stream.Next(ctx)
		if !ok || event.IsTerminal() {
			break
		}
		announce(builder.Snapshot())
		if event.Type == llm.EventStart {
			continue
		}
		builder.Apply(event)
		partial := agentctx.FromLLM(builder.Snapshot())
		delta := event
		r.emit(Event{Type: EventMessageUpdate, Message: &partial, Delta: &delta})
	}

	final := r.settle(ctx, stream, builder)
	announce(final)
	msg := agentctx.FromLLM(final)
	r.emit(Event{Type: EventMessageEnd, Message: &msg})
	r.env = r.env.AppendCached(msg)
	r.produced = append(r.produced, msg)

	in, out := 0, 0
	if final.Usage != nil {
		in, out = final.Usage.Input, final.Usage.Output
	}
	duration := time.Since(start)
	observability.RecordTransportRequest(model.Provider, model.ID, string(final.StopReason), duration, in, out)
	span.SetAttributes(attribute.String("stop_reason", string(final.StopReason)))
	r.logger.Debug().
		Dur("duration", duration).
		Str("stop_reason", string(final.StopReason)).
		Int("tool_calls", len(final.ToolCalls())).
		Msg("Assistant response settled")

	return final
}

// settle resolves the final assistant message. A response that has not
// completed when the run is cancelled keeps its partial content and is marked
// aborted.
func (r *run) settle(ctx context.Context, stream *llm.AssistantStream, builder *llm.Builder) llm.Message {
	var (
		final llm.Message
		err   error
	)
	select {
	case <-stream.Done():
		final, err = stream.Result(context.Background())
	default:
		final, err = stream.Result(ctx)
	}
	if err != nil {
		return builder.Fail(llm.AbortReason(err), err)
	}
	if final.Role == "" {
		final.Role = llm.RoleAssistant
	}
	if final.Timestamp == 0 {
		final.Timestamp = time.Now().UnixMilli()
	}
	return final
}

// runTools executes the calls of assistant in order. Steering returned before
// a call skips that call and every later one.
func (r *run) runTools(ctx context.Context, assistant llm.Message) (results, steering []agentctx.AgentMessage) {
	calls := assistant.ToolCalls()
	for i, block := range calls {
		steering = r.poll(ctx, "steering", r.hooks.GetSteeringMessages)
		if len(steering) > 0 {
			r.logger.Debug().Int("skipped", len(calls)-i).Msg("Steering queued, skipping remaining tool calls")
			for _, rest := range calls[i:] {
				results = append(results, r.skipCall(toolexecutor.CallFromBlock(rest)))
			}
			return results, steering
		}
		results = append(results, r.executeCall(ctx, toolexecutor.CallFromBlock(block)))
	}
	return results, nil
}

func (r *run) executeCall(ctx context.Context, call toolexecutor.Call) agentctx.AgentMessage {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.tool",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()

	r.emit(Event{Type: EventToolExecutionStart, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})

	result := r.executor.Execute(ctx, r.env.Tool(call.Name), call, func(partial toolexecutor.Result) {
		r.emit(Event{Type: EventToolExecutionUpdate, ToolCallID: call.ID, ToolName: call.Name, PartialResult: &partial})
	})
	span.SetAttributes(attribute.Bool("is_error", result.IsError))

	return r.finishCall(call, result)
}

func (r *run) skipCall(call toolexecutor.Call) agentctx.AgentMessage {
	r.emit(Event{Type: EventToolExecutionStart, ToolCallID: call.ID, ToolName: call.Name, Args: call.Arguments})
	return r.finishCall(call, toolexecutor.SkippedResult())
}

func (r *run) finishCall(call toolexecutor.Call, result toolexecutor.Result) agentctx.AgentMessage {
	r.emit(Event{
		Type:       EventToolExecutionEnd,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     &result,
		IsError:    result.IsError,
	})
	msg := ToolResultMessage(call, result)
	r.appendMessage(msg)
	return msg
}

// poll awaits a message hook. Hook errors are logged and read as no messages.
func (r *run) poll(ctx context.Context, name string, hook func(context.Context) ([]agentctx.AgentMessage, error)) []agentctx.AgentMessage {
	if hook == nil {
		return nil
	}
	msgs, err := hook(ctx)
	if err != nil {
		observability.RecordHookError(name)
		r.logger.Warn().Err(err).Str("hook", name).Msg("Message hook failed")
		return nil
	}
	return msgs
}

// ToolResultMessage builds the toolResult message for a settled call.
func ToolResultMessage(call toolexecutor.Call, result toolexecutor.Result) agentctx.AgentMessage {
	return agentctx.FromLLM(llm.Message{
		Role:       llm.RoleToolResult,
		Content:    result.Content,
		Timestamp:  time.Now().UnixMilli(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Details:    result.Details,
		IsError:    result.IsError,
	})
}
