package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/llm/replay"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

func echoTool() *toolexecutor.ToolDefinition {
	return &toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo the given text",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, call toolexecutor.Call, progress toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			text, _ := call.Arguments["text"].(string)
			progress(toolexecutor.TextResult("echoing"))
			return toolexecutor.TextResult(text), nil
		},
	}
}

func newEnvelope(t *testing.T, tools []*toolexecutor.ToolDefinition, msgs ...agentctx.AgentMessage) *agentctx.Envelope {
	t.Helper()
	env, err := agentctx.New(agentctx.Config{
		SystemParts: []agentctx.SystemPart{{Name: "base", Text: "You are a test agent."}},
		Tools:       tools,
		Messages:    msgs,
		Model:       llm.Model{ID: "test-model", Provider: "replay", ContextWindow: 8000},
	})
	require.NoError(t, err)
	return env
}

func testConfig() Config {
	return Config{Logger: zerolog.Nop()}
}

func collect(t *testing.T, stream *Stream) ([]Event, []agentctx.AgentMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, result, err := stream.Collect(ctx)
	require.NoError(t, err)
	return events, result
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func roles(msgs []agentctx.AgentMessage) []llm.Role {
	out := make([]llm.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestLoop_TextResponse(t *testing.T) {
	transport := replay.New(replay.Text("hello there"))
	env := newEnvelope(t, nil)

	events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("hi")}, env, testConfig(), Hooks{}, transport))

	assert.Equal(t, []EventType{
		EventAgentStart,
		EventTurnStart,
		EventMessageStart, EventMessageEnd,
		EventMessageStart, EventMessageUpdate, EventMessageEnd,
		EventTurnEnd,
		EventAgentEnd,
	}, eventTypes(events))

	require.Len(t, result, 2)
	assert.Equal(t, "hi", result[0].TextContent())
	assert.Equal(t, llm.RoleAssistant, result[1].Role)
	assert.Equal(t, "hello there", result[1].TextContent())
	assert.Equal(t, llm.StopReasonStop, result[1].StopReason)

	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, events[0].RunID, e.RunID)
	}
	assert.NotEmpty(t, events[0].RunID)

	require.Len(t, transport.Requests(), 1)
	req := transport.Requests()[0]
	assert.Equal(t, "You are a test agent.", req.SystemPrompt)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hi", req.Messages[0].TextContent())
}

func TestLoop_TextResponseWithoutDeltas(t *testing.T) {
	calls := 0
	transport := llm.TransportFunc(func(ctx context.Context, model llm.Model, _ llm.Context, _ llm.Options) *llm.AssistantStream {
		calls++
		final := llm.Message{
			Role:       llm.RoleAssistant,
			Content:    []llm.ContentBlock{llm.Text("done")},
			StopReason: llm.StopReasonStop,
			Model:      model.ID,
		}
		s := llm.NewAssistantStream()
		s.Push(llm.AssistantMessageEvent{Type: llm.EventStart})
		s.Push(llm.AssistantMessageEvent{Type: llm.EventDone, Message: &final})
		return s
	})

	events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("hi")}, newEnvelope(t, nil), testConfig(), Hooks{}, transport))

	assert.Equal(t, []EventType{
		EventAgentStart,
		EventTurnStart,
		EventMessageStart, EventMessageEnd,
		EventMessageStart, EventMessageEnd,
		EventTurnEnd,
		EventAgentEnd,
	}, eventTypes(events))
	require.Len(t, result, 2)
	assert.Equal(t, "done", result[1].TextContent())
	assert.Equal(t, 1, calls)
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	transport := replay.New(
		replay.ToolCalls(llm.ToolCall("call_1", "echo", map[string]interface{}{"text": "ping"})),
		replay.Text("done"),
	)
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()})

	events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("run echo")}, env, testConfig(), Hooks{}, transport))

	assert.Equal(t, []EventType{
		EventAgentStart,
		EventTurnStart,
		EventMessageStart, EventMessageEnd,
		EventMessageStart, EventMessageUpdate, EventMessageEnd,
		EventToolExecutionStart, EventToolExecutionUpdate, EventToolExecutionEnd,
		EventMessageStart, EventMessageEnd,
		EventTurnEnd,
		EventTurnStart,
		EventMessageStart, EventMessageUpdate, EventMessageEnd,
		EventTurnEnd,
		EventAgentEnd,
	}, eventTypes(events))

	start := events[7]
	assert.Equal(t, "call_1", start.ToolCallID)
	assert.Equal(t, "echo", start.ToolName)
	assert.Equal(t, map[string]interface{}{"text": "ping"}, start.Args)

	update := events[8]
	require.NotNil(t, update.PartialResult)
	assert.Equal(t, "echoing", update.PartialResult.Text())

	end := events[9]
	require.NotNil(t, end.Result)
	assert.Equal(t, "ping", end.Result.Text())
	assert.False(t, end.IsError)

	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleToolResult, llm.RoleAssistant}, roles(result))
	assert.Equal(t, "call_1", result[2].ToolCallID)
	assert.Equal(t, "echo", result[2].ToolName)

	turnEnd := events[12]
	require.Len(t, turnEnd.ToolResults, 1)
	assert.Equal(t, 0, turnEnd.TurnIndex)
	assert.Equal(t, 1, events[13].TurnIndex)

	requests := transport.Requests()
	require.Len(t, requests, 2)
	require.Len(t, requests[0].Tools, 1)
	assert.Equal(t, "echo", requests[0].Tools[0].Name)
	assert.Len(t, requests[1].Messages, 3)

	final := events[len(events)-1].Envelope
	require.NotNil(t, final)
	assert.Equal(t, 2, final.Meta.RequestIndex)
	assert.Equal(t, 1, final.Meta.TurnIndex)
	assert.Len(t, final.Messages.Cached, 4)
	assert.Empty(t, env.Messages.Cached, "caller envelope must not change")
}

func TestLoop_SteeringSkipsRemainingCalls(t *testing.T) {
	transport := replay.New(
		replay.ToolCalls(
			llm.ToolCall("call_1", "echo", map[string]interface{}{"text": "one"}),
			llm.ToolCall("call_2", "echo", map[string]interface{}{"text": "two"}),
			llm.ToolCall("call_3", "echo", map[string]interface{}{"text": "three"}),
		),
		replay.Text("steered"),
	)
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()})

	polls := 0
	hooks := Hooks{
		GetSteeringMessages: func(ctx context.Context) ([]agentctx.AgentMessage, error) {
			polls++
			if polls == 2 {
				return []agentctx.AgentMessage{agentctx.User("stop, do this instead")}, nil
			}
			return nil, nil
		},
	}

	events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("go")}, env, testConfig(), hooks, transport))

	assert.Equal(t, []llm.Role{
		llm.RoleUser,
		llm.RoleAssistant,
		llm.RoleToolResult,
		llm.RoleToolResult,
		llm.RoleToolResult,
		llm.RoleUser,
		llm.RoleAssistant,
	}, roles(result))

	assert.Equal(t, "one", result[2].TextContent())
	assert.False(t, result[2].IsError)
	for _, skipped := range result[3:5] {
		assert.True(t, skipped.IsError)
		assert.Contains(t, skipped.TextContent(), "Skipped due to queued user message")
	}
	assert.Equal(t, "call_2", result[3].ToolCallID)
	assert.Equal(t, "call_3", result[4].ToolCallID)
	assert.Equal(t, "stop, do this instead", result[5].TextContent())
	assert.Equal(t, "steered", result[6].TextContent())

	var starts, ends, updates int
	for _, e := range events {
		switch e.Type {
		case EventToolExecutionStart:
			starts++
		case EventToolExecutionEnd:
			ends++
		case EventToolExecutionUpdate:
			updates++
		}
	}
	assert.Equal(t, 3, starts)
	assert.Equal(t, 3, ends)
	assert.Equal(t, 1, updates, "skipped calls never reach the tool")
	assert.Equal(t, 2, polls, "steering is not polled again once applied")
	assert.Equal(t, 2, transport.Calls())
}

func TestLoop_InjectedMessagesDoNotContinue(t *testing.T) {
	transport := replay.New(replay.Text("answer"), replay.Text("unused"))
	env := newEnvelope(t, nil)

	injected := false
	hooks := Hooks{
		GetInjectedMessages: func(ctx context.Context) ([]agentctx.AgentMessage, error) {
			if injected {
				return nil, nil
			}
			injected = true
			return []agentctx.AgentMessage{agentctx.User("note for next time")}, nil
		},
	}

	events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport))

	assert.Equal(t, 1, transport.Calls())
	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}, roles(result))
	assert.Equal(t, "note for next time", result[2].TextContent())

	types := eventTypes(events)
	assert.Equal(t, []EventType{EventMessageStart, EventMessageEnd, EventTurnEnd, EventAgentEnd}, types[len(types)-4:])
}

func TestLoop_OrderingWithinTurn(t *testing.T) {
	transport := replay.New(
		replay.ToolCalls(
			llm.ToolCall("call_1", "echo", map[string]interface{}{"text": "a"}),
			llm.ToolCall("call_2", "echo", map[string]interface{}{"text": "b"}),
		),
		replay.Text("end"),
	)
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()})

	steered := false
	hooks := Hooks{
		GetSteeringMessages: func(ctx context.Context) ([]agentctx.AgentMessage, error) {
			if steered {
				return nil, nil
			}
			steered = true
			return []agentctx.AgentMessage{agentctx.User("steer")}, nil
		},
		GetInjectedMessages: func(ctx context.Context) ([]agentctx.AgentMessage, error) {
			return []agentctx.AgentMessage{agentctx.Custom("note", map[string]string{"k": "v"})}, nil
		},
	}

	_, result := collect(t, Loop(context.Background(), nil, env, testConfig(), hooks, transport))

	assert.Equal(t, []llm.Role{
		llm.RoleAssistant,
		llm.RoleToolResult,
		llm.RoleToolResult,
		llm.RoleUser,
		llm.Role("note"),
		llm.RoleAssistant,
		llm.Role("note"),
	}, roles(result))
	assert.Equal(t, "steer", result[3].TextContent())

	second := transport.Requests()[1]
	for _, msg := range second.Messages {
		assert.True(t, msg.Role.IsCore(), "custom roles are dropped before the transport")
	}
}

func TestLoopContinue_NoMessages(t *testing.T) {
	transport := replay.New(replay.Text("never"))
	env := newEnvelope(t, nil)

	stream, err := LoopContinue(context.Background(), env, testConfig(), Hooks{}, transport)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMessages)
	assert.Equal(t, "Cannot continue: no messages in context", err.Error())
	assert.Nil(t, stream)
	assert.Equal(t, 0, transport.Calls())

	_, err = LoopContinue(context.Background(), nil, testConfig(), Hooks{}, transport)
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestLoopContinue_ResolvesNewMessagesOnly(t *testing.T) {
	transport := replay.New(replay.Text("continued"))
	patched, err := agentctx.ApplyPatch(newEnvelope(t, nil, agentctx.User("earlier")), []agentctx.PatchOp{
		agentctx.AppendUncached(agentctx.User("request only")),
	})
	require.NoError(t, err)

	stream, err := LoopContinue(context.Background(), patched.Envelope, testConfig(), Hooks{}, transport)
	require.NoError(t, err)
	events, result := collect(t, stream)

	assert.Equal(t, []EventType{
		EventAgentStart,
		EventTurnStart,
		EventMessageStart, EventMessageUpdate, EventMessageEnd,
		EventTurnEnd,
		EventAgentEnd,
	}, eventTypes(events))
	require.Len(t, result, 1)
	assert.Equal(t, "continued", result[0].TextContent())

	req := transport.Requests()[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "earlier", req.Messages[0].TextContent())
	assert.Equal(t, "request only", req.Messages[1].TextContent())
}

func TestLoop_TransportFailure(t *testing.T) {
	transport := replay.New(replay.Failure("upstream exploded"))
	env := newEnvelope(t, nil)

	injectedPolls := 0
	hooks := Hooks{
		GetInjectedMessages: func(ctx context.Context) ([]agentctx.AgentMessage, error) {
			injectedPolls++
			return nil, nil
		},
	}

	events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport))

	require.Len(t, result, 2)
	assert.Equal(t, llm.StopReasonError, result[1].StopReason)
	assert.Equal(t, "upstream exploded", result[1].ErrorMessage)
	assert.Equal(t, 1, injectedPolls)
	assert.Equal(t, EventAgentEnd, events[len(events)-1].Type)
	assert.Equal(t, 1, transport.Calls())
}

func TestLoop_ExhaustedTransport(t *testing.T) {
	transport := replay.New()
	env := newEnvelope(t, nil)

	_, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), Hooks{}, transport))

	require.Len(t, result, 2)
	assert.Equal(t, llm.StopReasonError, result[1].StopReason)
	assert.Contains(t, result[1].ErrorMessage, "no recorded responses")
}

func TestLoop_ToolFailures(t *testing.T) {
	failing := &toolexecutor.ToolDefinition{
		Name: "fail",
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			return toolexecutor.Result{}, errors.New("disk on fire")
		},
	}
	panicking := &toolexecutor.ToolDefinition{
		Name: "explode",
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			panic("kaboom")
		},
	}
	transport := replay.New(
		replay.ToolCalls(
			llm.ToolCall("c1", "fail", nil),
			llm.ToolCall("c2", "explode", nil),
			llm.ToolCall("c3", "missing", nil),
		),
		replay.Text("recovered"),
	)
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{failing, panicking})

	_, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), Hooks{}, transport))

	require.Len(t, result, 6)
	for _, msg := range result[2:5] {
		assert.Equal(t, llm.RoleToolResult, msg.Role)
		assert.True(t, msg.IsError)
	}
	assert.Contains(t, result[2].TextContent(), "disk on fire")
	assert.Contains(t, result[3].TextContent(), "kaboom")
	assert.Equal(t, "Tool missing not found", result[4].TextContent())
	assert.Equal(t, "recovered", result[5].TextContent())
}

func TestLoop_CancellationMidStream(t *testing.T) {
	transport := replay.New(replay.Hang(), replay.Text("never reached"))
	signal := make(chan struct{})
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()}).WithSignal(signal)

	steeringPolls := 0
	hooks := Hooks{
		GetSteeringMessages: func(ctx context.Context) ([]agentctx.AgentMessage, error) {
			steeringPolls++
			return nil, nil
		},
	}

	stream := Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []Event
	var once sync.Once
	for e := range stream.All(ctx) {
		events = append(events, e)
		if e.Type == EventMessageStart && e.Message.Role == llm.RoleAssistant {
			once.Do(func() { close(signal) })
		}
	}
	result, err := stream.Result(ctx)
	require.NoError(t, err)

	require.Len(t, result, 2)
	assert.Equal(t, llm.StopReasonAborted, result[1].StopReason)
	assert.Equal(t, EventTurnEnd, events[len(events)-2].Type)
	assert.Equal(t, EventAgentEnd, events[len(events)-1].Type)
	assert.Equal(t, 1, transport.Calls())
	assert.Zero(t, steeringPolls)
}

func TestLoop_CancelledBeforeToolCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := false
	tool := &toolexecutor.ToolDefinition{
		Name: "guarded",
		Handler: func(ctx context.Context, call toolexecutor.Call, _ toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			ran = true
			return toolexecutor.TextResult("ran"), nil
		},
	}
	transport := replay.New(replay.ToolCalls(llm.ToolCall("c1", "guarded", nil)), replay.Text("never"))
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{tool})

	hooks := Hooks{
		GetSteeringMessages: func(context.Context) ([]agentctx.AgentMessage, error) {
			cancel()
			return nil, nil
		},
	}

	_, result := collect(t, Loop(ctx, []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport))

	require.Len(t, result, 3)
	assert.True(t, result[2].IsError)
	assert.Contains(t, result[2].TextContent(), "aborted")
	assert.False(t, ran)
	assert.Equal(t, 1, transport.Calls(), "no new turn starts after cancellation")
}

func TestLoop_PrepareTurnPatches(t *testing.T) {
	transport := replay.New(replay.Text("patched"))
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()})

	hooks := Hooks{
		PrepareTurn: func(ctx context.Context, env *agentctx.Envelope) ([]agentctx.PatchOp, error) {
			return []agentctx.PatchOp{
				agentctx.SetSystemPart("add rules", "rules", " Be brief."),
				agentctx.RemoveTools("no tools this turn", "echo"),
				agentctx.AppendUncached(agentctx.User("reminder")),
			}, nil
		},
	}

	events, _ := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport))

	req := transport.Requests()[0]
	assert.Equal(t, "You are a test agent. Be brief.", req.SystemPrompt)
	assert.Empty(t, req.Tools)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "reminder", req.Messages[1].TextContent())

	var turnEnd Event
	for _, e := range events {
		if e.Type == EventTurnEnd {
			turnEnd = e
		}
	}
	assert.True(t, turnEnd.CacheInvalidated)
}

func TestLoop_PrepareTurnRejectedPatch(t *testing.T) {
	transport := replay.New(replay.Text("unused"))
	env := newEnvelope(t, nil)

	hooks := Hooks{
		PrepareTurn: func(ctx context.Context, env *agentctx.Envelope) ([]agentctx.PatchOp, error) {
			return []agentctx.PatchOp{agentctx.ReplaceCached("", nil)}, nil
		},
	}

	_, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport))

	require.Len(t, result, 2)
	assert.Equal(t, llm.StopReasonError, result[1].StopReason)
	assert.Contains(t, result[1].ErrorMessage, "invalidateCacheReason")
	assert.Equal(t, 0, transport.Calls())
}

func TestLoop_TransformContext(t *testing.T) {
	transport := replay.New(replay.Text("ok"))
	env := newEnvelope(t, nil, agentctx.User("old 1"), agentctx.User("old 2"))

	cfg := testConfig()
	cfg.TransformContext = func(ctx context.Context, msgs []agentctx.AgentMessage) ([]agentctx.AgentMessage, error) {
		return msgs[len(msgs)-1:], nil
	}

	_, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("new")}, env, cfg, Hooks{}, transport))

	req := transport.Requests()[0]
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "new", req.Messages[0].TextContent())
	assert.Len(t, result, 2)
}

func TestLoop_HookErrorsAreIgnored(t *testing.T) {
	transport := replay.New(
		replay.ToolCalls(llm.ToolCall("c1", "echo", map[string]interface{}{"text": "x"})),
		replay.Text("fine"),
	)
	env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()})

	hooks := Hooks{
		GetSteeringMessages: func(context.Context) ([]agentctx.AgentMessage, error) {
			return []agentctx.AgentMessage{agentctx.User("ignored")}, errors.New("queue unavailable")
		},
		GetInjectedMessages: func(context.Context) ([]agentctx.AgentMessage, error) {
			return nil, errors.New("store unavailable")
		},
	}

	_, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), hooks, transport))

	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleToolResult, llm.RoleAssistant}, roles(result))
	assert.False(t, result[2].IsError)
}

func TestLoop_Deterministic(t *testing.T) {
	fixture := []byte(`
responses:
  - message:
      content:
        - type: toolCall
          id: call_1
          name: echo
          arguments:
            text: hi
  - message:
      content:
        - type: thinking
          thinking: "done?"
        - type: text
          text: "all done"
`)

	run := func() ([]EventType, []llm.Role) {
		transport, err := replay.Parse(fixture)
		require.NoError(t, err)
		env := newEnvelope(t, []*toolexecutor.ToolDefinition{echoTool()})
		events, result := collect(t, Loop(context.Background(), []agentctx.AgentMessage{agentctx.User("q")}, env, testConfig(), Hooks{}, transport))
		return eventTypes(events), roles(result)
	}

	firstEvents, firstRoles := run()
	secondEvents, secondRoles := run()
	assert.Equal(t, firstEvents, secondEvents)
	assert.Equal(t, firstRoles, secondRoles)
	assert.Len(t, firstRoles, 4)
}
