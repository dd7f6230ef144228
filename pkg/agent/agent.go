package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/commandqueue"
	"github.com/harun/turnloop/pkg/llm"
)

// compactionReason is the invalidateCacheReason recorded by Compact.
const compactionReason = "context compaction"

// Summarizer condenses the messages dropped by a compaction into summary text.
type Summarizer func(ctx context.Context, dropped []agentctx.AgentMessage) (string, error)

// Options configures an Agent.
type Options struct {
	// ID names the agent's lane in the command queue. Defaults to a UUID.
	ID        string
	Envelope  *agentctx.Envelope
	Transport llm.Transport
	Config    Config
	Hooks     Hooks
	// Queue serializes runs, patches and compactions. When nil the agent owns
	// a private queue and closes it in Close.
	Queue        *commandqueue.CommandQueue
	SteeringMode QueueMode
	FollowUpMode QueueMode
}

// State is a snapshot of an agent.
type State struct {
	ID               string
	Envelope         *agentctx.Envelope
	Running          bool
	PendingSteering  int
	PendingFollowUps int
}

type subscriber struct {
	id int
	fn func(Event)
}

// Agent owns one conversation envelope across runs. Runs, patches and
// compactions of an agent never overlap.
type Agent struct {
	id        string
	lane      string
	transport llm.Transport
	cfg       Config
	hooks     Hooks
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	steering  *MessageQueue
	followUps *MessageQueue
	logger    zerolog.Logger

	mu          sync.Mutex
	env         *agentctx.Envelope
	active      int
	idle        chan struct{}
	cancelRun   context.CancelFunc
	subscribers []subscriber
	nextSub     int
}

// New creates an agent.
func New(opts Options) (*Agent, error) {
	if opts.Envelope == nil {
		return nil, fmt.Errorf("envelope is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if err := opts.Envelope.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	queue, owns := opts.Queue, false
	if queue == nil {
		queue, owns = commandqueue.New(), true
	}

	idle := make(chan struct{})
	close(idle)

	return &Agent{
		id:        id,
		lane:      "agent:" + id,
		transport: opts.Transport,
		cfg:       opts.Config,
		hooks:     opts.Hooks,
		queue:     queue,
		ownsQueue: owns,
		steering:  NewMessageQueue(opts.SteeringMode),
		followUps: NewMessageQueue(opts.FollowUpMode),
		logger:    opts.Config.Logger.With().Str("component", "agent").Str("agent_id", id).Logger(),
		env:       opts.Envelope,
		idle:      idle,
	}, nil
}

// ID returns the agent's identifier.
func (a *Agent) ID() string {
	return a.id
}

// Prompt runs the loop seeded with msgs, then any follow-ups, and returns every
// message produced. It waits behind runs already queued for this agent.
func (a *Agent) Prompt(ctx context.Context, msgs ...agentctx.AgentMessage) ([]agentctx.AgentMessage, error) {
	if len(msgs) == 0 {
		return nil, errors.New("prompt requires at least one message")
	}
	return a.enqueueRun(ctx, msgs)
}

// Continue resumes from the current envelope without a new prompt.
func (a *Agent) Continue(ctx context.Context) ([]agentctx.AgentMessage, error) {
	return a.enqueueRun(ctx, nil)
}

// Steer queues messages that pre-empt the remaining tool calls of the running
// turn. Steering left over when a run ends starts a follow-up run.
func (a *Agent) Steer(msgs ...agentctx.AgentMessage) {
	a.steering.Push(msgs...)
}

// FollowUp queues messages delivered in a new run once the current one ends.
func (a *Agent) FollowUp(msgs ...agentctx.AgentMessage) {
	a.followUps.Push(msgs...)
}

// Abort cancels the running loop, if any. It reports whether a run was
// cancelled.
func (a *Agent) Abort() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelRun == nil {
		return false
	}
	a.logger.Info().Msg("Aborting agent run")
	a.cancelRun()
	return true
}

// Subscribe registers fn for every event of every run. Handlers are called in
// order of subscription from the run goroutine and must not block.
func (a *Agent) Subscribe(fn func(Event)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSub++
	id := a.nextSub
	a.subscribers = append(a.subscribers, subscriber{id: id, fn: fn})

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, sub := range a.subscribers {
			if sub.id == id {
				a.subscribers = append(a.subscribers[:i:i], a.subscribers[i+1:]...)
				return
			}
		}
	}
}

// WaitForIdle blocks until no run is queued or executing.
func (a *Agent) WaitForIdle(ctx context.Context) error {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of the agent.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		ID:               a.id,
		Envelope:         a.env,
		Running:          a.active > 0,
		PendingSteering:  a.steering.Len(),
		PendingFollowUps: a.followUps.Len(),
	}
}

// Patch applies ops to the owned envelope once queued runs have finished.
func (a *Agent) Patch(ctx context.Context, ops ...agentctx.PatchOp) (agentctx.PatchResult, error) {
	value, err := a.queue.Enqueue(ctx, a.lane, func(ctx context.Context) (interface{}, error) {
		a.mu.Lock()
		defer a.mu.Unlock()

		res, err := agentctx.ApplyPatch(a.env, ops)
		if err != nil {
			observability.AuditContextChange(ctx, "patch", a.id, "rejected", map[string]interface{}{"error": err.Error()})
			return nil, err
		}
		a.env = res.Envelope
		if res.CacheInvalidated {
			observability.RecordCacheInvalidation("patch")
		}
		observability.AuditContextChange(ctx, "patch", a.id, "applied", map[string]interface{}{
			"ops":               len(ops),
			"cache_invalidated": res.CacheInvalidated,
		})
		return res, nil
	})
	if err != nil {
		return agentctx.PatchResult{}, err
	}
	return value.(agentctx.PatchResult), nil
}

// Compact replaces the oldest cached messages with a summary so that the kept
// tail fits in keepTokens. It reports whether anything was compacted.
func (a *Agent) Compact(ctx context.Context, keepTokens int, summarize Summarizer) (bool, error) {
	if summarize == nil {
		return false, errors.New("summarizer is required")
	}

	value, err := a.queue.Enqueue(ctx, a.lane, func(ctx context.Context) (interface{}, error) {
		a.mu.Lock()
		env := a.env
		a.mu.Unlock()

		plan, ok := agentctx.PlanCompaction(env.Messages.Cached, keepTokens)
		if !ok {
			return false, nil
		}
		summary, err := summarize(ctx, plan.Dropped)
		if err != nil {
			return false, fmt.Errorf("summarize: %w", err)
		}

		res, err := agentctx.ApplyPatch(env, []agentctx.PatchOp{agentctx.ApplyCompaction(compactionReason, agentctx.Compaction{
			Summary:               summary,
			FirstKeptMessageIndex: plan.FirstKeptMessageIndex,
			TokensBefore:          plan.TokensBefore,
			Timestamp:             time.Now().UnixMilli(),
		})})
		if err != nil {
			return false, err
		}

		a.mu.Lock()
		a.env = res.Envelope
		a.mu.Unlock()

		observability.RecordCacheInvalidation("compaction")
		observability.AuditContextChange(ctx, "compaction", a.id, "applied", map[string]interface{}{
			"first_kept_index": plan.FirstKeptMessageIndex,
			"tokens_before":    plan.TokensBefore,
			"dropped":          len(plan.Dropped),
		})
		a.logger.Info().
			Int("dropped", len(plan.Dropped)).
			Int("tokens_before", plan.TokensBefore).
			Msg("Context compacted")
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// Close releases the agent's private queue.
func (a *Agent) Close() error {
	a.Abort()
	if a.ownsQueue {
		return a.queue.Close()
	}
	return nil
}

func (a *Agent) begin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == 0 {
		a.idle = make(chan struct{})
	}
	a.active++
}

func (a *Agent) end() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active--
	if a.active == 0 {
		close(a.idle)
	}
}

func (a *Agent) enqueueRun(ctx context.Context, prompts []agentctx.AgentMessage) ([]agentctx.AgentMessage, error) {
	a.begin()
	defer a.end()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, a.id)

	value, err := a.queue.Enqueue(ctx, a.lane, func(ctx context.Context) (interface{}, error) {
		return a.run(ctx, prompts)
	})
	msgs, _ := value.([]agentctx.AgentMessage)
	return msgs, err
}

// run executes one loop and then a new loop per batch of follow-ups until none
// are left or the run is aborted.
func (a *Agent) run(ctx context.Context, prompts []agentctx.AgentMessage) ([]agentctx.AgentMessage, error) {
	var produced []agentctx.AgentMessage
	for {
		runCtx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.cancelRun = cancel
		env := a.env
		a.mu.Unlock()

		var stream *Stream
		if prompts != nil {
			stream = Loop(runCtx, prompts, env, a.cfg, a.loopHooks(), a.transport)
		} else {
			var err error
			stream, err = LoopContinue(runCtx, env, a.cfg, a.loopHooks(), a.transport)
			if err != nil {
				a.finishRun(cancel)
				return produced, err
			}
		}

		for event := range stream.All(context.Background()) {
			if event.Type == EventAgentEnd && event.Envelope != nil {
				a.settleEnvelope(event.Envelope)
			}
			a.publish(event)
		}
		msgs, _ := stream.Result(context.Background())
		produced = append(produced, msgs...)

		aborted := runCtx.Err() != nil
		a.finishRun(cancel)
		if aborted {
			a.logger.Debug().Msg("Run aborted, follow-ups stay queued")
			return produced, nil
		}

		prompts = a.steering.Drain()
		if len(prompts) == 0 {
			prompts = a.followUps.Drain()
		}
		if len(prompts) == 0 {
			return produced, nil
		}
		a.logger.Debug().Int("messages", len(prompts)).Msg("Starting follow-up run")
	}
}

func (a *Agent) finishRun(cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	a.cancelRun = nil
	a.mu.Unlock()
}

// settleEnvelope stores the final envelope of a run. Request-only messages do
// not outlive the run that used them.
func (a *Agent) settleEnvelope(env *agentctx.Envelope) {
	if len(env.Messages.Uncached) > 0 {
		if res, err := agentctx.ApplyPatch(env, []agentctx.PatchOp{agentctx.ReplaceUncached()}); err == nil {
			env = res.Envelope
		}
	}
	a.mu.Lock()
	a.env = env
	a.mu.Unlock()
}

func (a *Agent) publish(event Event) {
	a.mu.Lock()
	subs := append([]subscriber(nil), a.subscribers...)
	a.mu.Unlock()

	for _, sub := range subs {
		sub.fn(event)
	}
}

// loopHooks serves queued steering before the configured steering hook.
func (a *Agent) loopHooks() Hooks {
	hooks := a.hooks
	next := a.hooks.GetSteeringMessages
	hooks.GetSteeringMessages = func(ctx context.Context) ([]agentctx.AgentMessage, error) {
		if msgs := a.steering.Drain(); len(msgs) > 0 {
			return msgs, nil
		}
		if next != nil {
			return next(ctx)
		}
		return nil, nil
	}
	return hooks
}
