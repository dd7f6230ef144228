package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/commandqueue"
	"github.com/harun/turnloop/pkg/coretools"
	"github.com/harun/turnloop/pkg/hooks"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

// Runtime owns one agent per session key. Every agent shares the executor,
// the transport and the command queue.
type Runtime struct {
	cfg       *config.Config
	logger    zerolog.Logger
	transport llm.Transport
	model     llm.Model
	executor  *toolexecutor.ToolExecutor
	queue     *commandqueue.CommandQueue
	hooks     *hooks.Manager

	steeringMode agent.QueueMode
	followUpMode agent.QueueMode

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	agents map[string]*agent.Agent
	closed bool
}

// RuntimeOption customizes a Runtime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	approver toolexecutor.ApprovalHandler
}

// WithApprover decides calls to tools listed in agent.tools.require_approval.
func WithApprover(handler toolexecutor.ApprovalHandler) RuntimeOption {
	return func(o *runtimeOptions) {
		o.approver = handler
	}
}

// NewRuntime builds the shared pieces every session agent is created from.
func NewRuntime(cfg *config.Config, transport llm.Transport, logger zerolog.Logger, opts ...RuntimeOption) (*Runtime, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	var options runtimeOptions
	for _, opt := range opts {
		opt(&options)
	}

	steering, err := agent.ParseQueueMode(cfg.Agent.SteeringMode)
	if err != nil {
		return nil, fmt.Errorf("steering mode: %w", err)
	}
	followUp, err := agent.ParseQueueMode(cfg.Agent.FollowUpMode)
	if err != nil {
		return nil, fmt.Errorf("follow-up mode: %w", err)
	}

	approval := toolexecutor.NewApprovalManager(options.approver, logger)
	approval.SetTimeout(time.Duration(cfg.Agent.Tools.ApprovalTimeout) * time.Second)

	executor := toolexecutor.New(toolexecutor.Config{
		Timeout:        cfg.Agent.ToolTimeoutDuration(),
		MaxOutputBytes: cfg.Agent.MaxOutputBytes,
		Policy: &toolexecutor.ToolPolicy{
			Allow:           cfg.Agent.Tools.Allow,
			Deny:            cfg.Agent.Tools.Deny,
			RequireApproval: cfg.Agent.Tools.RequireApproval,
		},
		Approval: approval,
		Logger:   logger,
	})
	if err := coretools.RegisterCoreTools(executor, coretools.Options{WorkDir: cfg.Agent.WorkDir}); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	hookMgr, err := newHookManager(cfg.Hooks, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create hook manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:          cfg,
		logger:       logger.With().Str("component", "runtime").Logger(),
		transport:    transport,
		model:        Model(cfg.Model),
		executor:     executor,
		queue:        commandqueue.New(),
		hooks:        hookMgr,
		steeringMode: steering,
		followUpMode: followUp,
		ctx:          ctx,
		cancel:       cancel,
		agents:       make(map[string]*agent.Agent),
	}, nil
}

// NewEnvelope builds a fresh envelope from the configured system parts and
// the tools the policy lets through.
func (r *Runtime) NewEnvelope() (*agentctx.Envelope, error) {
	parts := make([]agentctx.SystemPart, 0, len(r.cfg.Agent.SystemParts))
	for _, part := range r.cfg.Agent.SystemParts {
		parts = append(parts, agentctx.SystemPart{Name: part.Name, Text: part.Text})
	}
	return agentctx.New(agentctx.Config{
		SystemParts: parts,
		Tools:       r.executor.Definitions(),
		Options: llm.Options{
			Temperature: r.cfg.Model.Temperature,
			MaxTokens:   r.cfg.Model.MaxTokens,
		},
		Model: r.model,
	})
}

// Agent returns the agent for sessionKey, creating it on first use.
func (r *Runtime) Agent(_ context.Context, sessionKey string) (*agent.Agent, error) {
	if sessionKey == "" {
		return nil, errors.New("session key is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("runtime is closed")
	}
	if a, ok := r.agents[sessionKey]; ok {
		return a, nil
	}

	env, err := r.NewEnvelope()
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}
	env.Options.SessionID = sessionKey

	a, err := agent.New(agent.Options{
		ID:        sessionKey,
		Envelope:  env,
		Transport: r.transport,
		Config: agent.Config{
			Executor: r.executor,
			Logger:   r.logger,
		},
		Hooks:        agent.Hooks{PrepareTurn: r.prepareTurn(sessionKey)},
		Queue:        r.queue,
		SteeringMode: r.steeringMode,
		FollowUpMode: r.followUpMode,
	})
	if err != nil {
		return nil, err
	}
	a.Subscribe(r.hooks.Subscriber(r.ctx, sessionKey))

	r.agents[sessionKey] = a
	r.logger.Info().Str("session_key", sessionKey).Msg("Session agent created")
	return a, nil
}

// prepareTurn compacts the envelope when it nears the context limit. A failed
// compaction is logged and the turn goes ahead uncompacted.
func (r *Runtime) prepareTurn(sessionKey string) func(context.Context, *agentctx.Envelope) ([]agentctx.PatchOp, error) {
	reserve := r.cfg.Agent.CompactReserve
	if reserve <= 0 {
		return nil
	}
	compact := agent.AutoCompact(reserve, agent.TransportSummarizer(r.transport, r.model))
	return func(ctx context.Context, env *agentctx.Envelope) ([]agentctx.PatchOp, error) {
		ops, err := compact(ctx, env)
		if err != nil {
			r.logger.Warn().Err(err).Str("session_key", sessionKey).Msg("Automatic compaction failed")
			return nil, nil
		}
		if len(ops) > 0 {
			r.logger.Info().Str("session_key", sessionKey).Msg("Compacting session context")
		}
		return ops, nil
	}
}

// Sessions lists the session keys with a live agent.
func (r *Runtime) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.agents))
	for key := range r.agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Executor returns the shared tool executor.
func (r *Runtime) Executor() *toolexecutor.ToolExecutor {
	return r.executor
}

// Queue returns the command queue shared by every session.
func (r *Runtime) Queue() *commandqueue.CommandQueue {
	return r.queue
}

// Close aborts running sessions and releases the queue.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.Unlock()

	r.cancel()
	var errs []error
	for _, a := range agents {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
