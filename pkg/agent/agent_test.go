package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/llm/replay"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

func newAgent(t *testing.T, transport llm.Transport, env *agentctx.Envelope, mode QueueMode) *Agent {
	t.Helper()
	a, err := New(Options{
		ID:           "test",
		Envelope:     env,
		Transport:    transport,
		Config:       testConfig(),
		FollowUpMode: mode,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Validation(t *testing.T) {
	env := newEnvelope(t, nil)

	_, err := New(Options{Transport: replay.New()})
	assert.Error(t, err)

	_, err = New(Options{Envelope: env})
	assert.Error(t, err)

	a, err := New(Options{Envelope: env, Transport: replay.New()})
	require.NoError(t, err)
	defer a.Close()
	assert.NotEmpty(t, a.ID())
}

func TestAgent_PromptPersistsEnvelope(t *testing.T) {
	transport := replay.New(replay.Text("one"), replay.Text("two"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")
	ctx := testContext(t)

	msgs, err := a.Prompt(ctx, agentctx.User("a"))
	require.NoError(t, err)
	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant}, roles(msgs))
	assert.Len(t, a.State().Envelope.Messages.Cached, 2)

	msgs, err = a.Prompt(ctx, agentctx.User("b"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[1].TextContent())

	requests := transport.Requests()
	require.Len(t, requests, 2)
	require.Len(t, requests[1].Messages, 3)
	assert.Equal(t, "a", requests[1].Messages[0].TextContent())
	assert.Equal(t, "one", requests[1].Messages[1].TextContent())
	assert.Equal(t, "b", requests[1].Messages[2].TextContent())
	assert.Len(t, a.State().Envelope.Messages.Cached, 4)
}

func TestAgent_PromptRequiresMessages(t *testing.T) {
	a := newAgent(t, replay.New(), newEnvelope(t, nil), "")
	_, err := a.Prompt(testContext(t))
	assert.Error(t, err)
}

func TestAgent_ContinueWithoutMessages(t *testing.T) {
	transport := replay.New(replay.Text("never"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")

	_, err := a.Continue(testContext(t))
	assert.ErrorIs(t, err, ErrNoMessages)
	assert.Zero(t, transport.Calls())
}

func TestAgent_ContinueFromExistingHistory(t *testing.T) {
	transport := replay.New(replay.Text("resumed"))
	a := newAgent(t, transport, newEnvelope(t, nil, agentctx.User("pending")), "")

	msgs, err := a.Continue(testContext(t))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "resumed", msgs[0].TextContent())
	assert.Len(t, a.State().Envelope.Messages.Cached, 2)
}

func TestAgent_FollowUpRunsAfterPrompt(t *testing.T) {
	transport := replay.New(replay.Text("first"), replay.Text("second"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")

	a.FollowUp(agentctx.User("later"))
	assert.Equal(t, 1, a.State().PendingFollowUps)

	msgs, err := a.Prompt(testContext(t), agentctx.User("now"))
	require.NoError(t, err)

	assert.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant}, roles(msgs))
	assert.Equal(t, "later", msgs[2].TextContent())
	assert.Equal(t, "second", msgs[3].TextContent())
	assert.Equal(t, 2, transport.Calls())
	assert.Zero(t, a.State().PendingFollowUps)
}

func TestAgent_FollowUpModes(t *testing.T) {
	tests := []struct {
		name  string
		mode  QueueMode
		calls int
	}{
		{name: "one at a time", mode: QueueOneAtATime, calls: 3},
		{name: "all", mode: QueueAll, calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := replay.New(replay.Text("r1"), replay.Text("r2"), replay.Text("r3"))
			a := newAgent(t, transport, newEnvelope(t, nil), tt.mode)

			a.FollowUp(agentctx.User("f1"), agentctx.User("f2"))
			msgs, err := a.Prompt(testContext(t), agentctx.User("now"))
			require.NoError(t, err)

			assert.Equal(t, tt.calls, transport.Calls())
			assert.Len(t, msgs, 3+tt.calls)
		})
	}
}

func TestAgent_SteerSkipsRemainingTools(t *testing.T) {
	var a *Agent
	steerTool := &toolexecutor.ToolDefinition{
		Name:        "steer",
		Description: "Queues a steering message",
		Handler: func(ctx context.Context, call toolexecutor.Call, progress toolexecutor.ProgressFunc) (toolexecutor.Result, error) {
			a.Steer(agentctx.User("change of plan"))
			return toolexecutor.TextResult("queued"), nil
		},
	}
	transport := replay.New(
		replay.ToolCalls(
			llm.ToolCall("c1", "steer", nil),
			llm.ToolCall("c2", "steer", nil),
		),
		replay.Text("adjusted"),
	)
	a = newAgent(t, transport, newEnvelope(t, []*toolexecutor.ToolDefinition{steerTool}), "")

	msgs, err := a.Prompt(testContext(t), agentctx.User("go"))
	require.NoError(t, err)

	assert.Equal(t, []llm.Role{
		llm.RoleUser,
		llm.RoleAssistant,
		llm.RoleToolResult,
		llm.RoleToolResult,
		llm.RoleUser,
		llm.RoleAssistant,
	}, roles(msgs))
	assert.False(t, msgs[2].IsError)
	assert.True(t, msgs[3].IsError)
	assert.Equal(t, "c2", msgs[3].ToolCallID)
	assert.Equal(t, "change of plan", msgs[4].TextContent())
	assert.Equal(t, 2, transport.Calls())
	assert.Zero(t, a.State().PendingSteering)
}

func TestAgent_LeftoverSteeringStartsNewRun(t *testing.T) {
	transport := replay.New(replay.Text("first"), replay.Text("steered"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")

	a.Steer(agentctx.User("also this"))
	msgs, err := a.Prompt(testContext(t), agentctx.User("q"))
	require.NoError(t, err)

	require.Len(t, msgs, 4)
	assert.Equal(t, "also this", msgs[2].TextContent())
	assert.Equal(t, "steered", msgs[3].TextContent())
}

func TestAgent_AbortKeepsFollowUpsQueued(t *testing.T) {
	transport := replay.New(replay.Hang(), replay.Text("unused"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")

	a.FollowUp(agentctx.User("later"))
	var once sync.Once
	a.Subscribe(func(e Event) {
		if e.Type == EventMessageStart && e.Message.Role == llm.RoleAssistant {
			once.Do(func() { a.Abort() })
		}
	})

	msgs, err := a.Prompt(testContext(t), agentctx.User("q"))
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	assert.Equal(t, llm.StopReasonAborted, msgs[1].StopReason)
	assert.Equal(t, 1, transport.Calls())
	assert.Equal(t, 1, a.State().PendingFollowUps)
	assert.False(t, a.Abort())
}

func TestAgent_RunsAreSerialized(t *testing.T) {
	transport := replay.New(replay.Hang(), replay.Text("second"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")
	ctx := testContext(t)

	first := make(chan error, 1)
	go func() {
		_, err := a.Prompt(ctx, agentctx.User("one"))
		first <- err
	}()
	require.Eventually(t, func() bool { return transport.Calls() == 1 }, time.Second, time.Millisecond)

	second := make(chan []agentctx.AgentMessage, 1)
	go func() {
		msgs, _ := a.Prompt(ctx, agentctx.User("two"))
		second <- msgs
	}()
	require.Eventually(t, func() bool { return a.queue.QueueSize(a.lane) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, transport.Calls())
	assert.True(t, a.State().Running)

	require.True(t, a.Abort())
	require.NoError(t, <-first)

	msgs := <-second
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[1].TextContent())

	requests := transport.Requests()
	require.Len(t, requests, 2)
	last := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Equal(t, "two", last.TextContent())
}

func TestAgent_WaitForIdle(t *testing.T) {
	transport := replay.New(replay.Hang())
	a := newAgent(t, transport, newEnvelope(t, nil), "")

	require.NoError(t, a.WaitForIdle(testContext(t)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Prompt(context.Background(), agentctx.User("q"))
	}()
	require.Eventually(t, func() bool { return transport.Calls() == 1 }, time.Second, time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.WaitForIdle(short), context.DeadlineExceeded)

	a.Abort()
	require.NoError(t, a.WaitForIdle(testContext(t)))
	<-done
	assert.False(t, a.State().Running)
}

func TestAgent_SubscribeAndUnsubscribe(t *testing.T) {
	transport := replay.New(replay.Text("one"), replay.Text("two"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")
	ctx := testContext(t)

	var first, second []EventType
	unsubscribe := a.Subscribe(func(e Event) { first = append(first, e.Type) })
	a.Subscribe(func(e Event) { second = append(second, e.Type) })

	_, err := a.Prompt(ctx, agentctx.User("a"))
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, EventAgentStart, first[0])
	assert.Equal(t, EventAgentEnd, first[len(first)-1])
	assert.Equal(t, first, second)

	seen := len(first)
	unsubscribe()
	_, err = a.Prompt(ctx, agentctx.User("b"))
	require.NoError(t, err)
	assert.Len(t, first, seen)
	assert.Len(t, second, 2*seen)
}

func TestAgent_Patch(t *testing.T) {
	transport := replay.New(replay.Text("ok"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")
	ctx := testContext(t)

	res, err := a.Patch(ctx, agentctx.SetSystemPart("persona change", "style", "Answer in haiku."))
	require.NoError(t, err)
	assert.True(t, res.CacheInvalidated)
	assert.Equal(t, "You are a test agent.Answer in haiku.", a.State().Envelope.System.Compiled)

	before := a.State().Envelope
	_, err = a.Patch(ctx, agentctx.RemoveTools("", "echo"))
	require.ErrorIs(t, err, agentctx.ErrInvalidateCacheReasonRequired)
	assert.Contains(t, err.Error(), "invalidateCacheReason")
	assert.Same(t, before, a.State().Envelope)

	_, err = a.Prompt(ctx, agentctx.User("q"))
	require.NoError(t, err)
	assert.Equal(t, "You are a test agent.Answer in haiku.", transport.Requests()[0].SystemPrompt)
}

func TestAgent_UncachedMessagesLastOneRun(t *testing.T) {
	transport := replay.New(replay.Text("ok"))
	a := newAgent(t, transport, newEnvelope(t, nil), "")
	ctx := testContext(t)

	_, err := a.Patch(ctx, agentctx.AppendUncached(agentctx.User("ephemeral")))
	require.NoError(t, err)

	_, err = a.Prompt(ctx, agentctx.User("q"))
	require.NoError(t, err)

	var texts []string
	for _, m := range transport.Requests()[0].Messages {
		texts = append(texts, m.TextContent())
	}
	assert.Contains(t, texts, "ephemeral")
	assert.Empty(t, a.State().Envelope.Messages.Uncached)
	assert.Len(t, a.State().Envelope.Messages.Cached, 2)
}

func TestAgent_Compact(t *testing.T) {
	history := []agentctx.AgentMessage{
		agentctx.User(strings.Repeat("a", 400)),
		agentctx.FromLLM(llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{llm.Text(strings.Repeat("b", 400))}}),
		agentctx.User(strings.Repeat("c", 400)),
		agentctx.FromLLM(llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{llm.Text(strings.Repeat("d", 400))}}),
	}
	a := newAgent(t, replay.New(), newEnvelope(t, nil, history...), "")
	ctx := testContext(t)

	var dropped []agentctx.AgentMessage
	summarize := func(ctx context.Context, msgs []agentctx.AgentMessage) (string, error) {
		dropped = msgs
		return "summary of a and b", nil
	}

	compacted, err := a.Compact(ctx, 250, summarize)
	require.NoError(t, err)
	assert.True(t, compacted)
	require.Len(t, dropped, 2)

	cached := a.State().Envelope.Messages.Cached
	require.Len(t, cached, 3)
	assert.Equal(t, llm.RoleUser, cached[0].Role)
	assert.Equal(t, "summary of a and b", cached[0].TextContent())
	assert.NotZero(t, cached[0].Timestamp)
	assert.Equal(t, history[2].TextContent(), cached[1].TextContent())

	compacted, err = a.Compact(ctx, 10000, summarize)
	require.NoError(t, err)
	assert.False(t, compacted)

	_, err = a.Compact(ctx, 250, nil)
	assert.Error(t, err)
}
