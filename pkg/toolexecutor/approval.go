package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultApprovalTimeout bounds how long a call waits for a decision.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalRequest asks whether one tool call may run.
type ApprovalRequest struct {
	ToolCallID string                 `json:"tool_call_id"`
	ToolName   string                 `json:"tool_name"`
	Arguments  map[string]interface{} `json:"arguments"`
	SessionKey string                 `json:"session_key,omitempty"`
}

// ApprovalResponse is the decision on an ApprovalRequest.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// ApprovalHandler decides approval requests.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalFunc adapts a function to ApprovalHandler.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)

// RequestApproval implements ApprovalHandler.
func (f ApprovalFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	return f(ctx, req)
}

// AutoApproveHandler approves every request without user interaction.
type AutoApproveHandler struct{}

// RequestApproval implements ApprovalHandler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Approved: true, Reason: "auto-approved"}, nil
}

// ErrNoApprovalHandler is returned when approval is required but nobody can
// give it.
var ErrNoApprovalHandler = errors.New("no approval handler configured")

// ApprovalManager applies a timeout to an ApprovalHandler and logs decisions.
type ApprovalManager struct {
	handler ApprovalHandler
	timeout time.Duration
	logger  zerolog.Logger
}

// NewApprovalManager creates an approval manager. A nil handler denies every
// request.
func NewApprovalManager(handler ApprovalHandler, logger zerolog.Logger) *ApprovalManager {
	return &ApprovalManager{
		handler: handler,
		timeout: DefaultApprovalTimeout,
		logger:  logger.With().Str("component", "approval").Logger(),
	}
}

// SetTimeout changes the per-request timeout. Non-positive values restore the
// default.
func (am *ApprovalManager) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	am.timeout = timeout
}

// RequestApproval asks the handler and waits for its answer. Cancelling ctx
// returns ctx's error; running out of time is an ordinary denial.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	if am == nil || am.handler == nil {
		return ApprovalResponse{}, ErrNoApprovalHandler
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, am.timeout)
	defer cancel()

	logger := am.logger.With().Str("tool", req.ToolName).Str("tool_call_id", req.ToolCallID).Logger()
	logger.Info().Msg("Requesting approval")

	type answer struct {
		resp ApprovalResponse
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		resp, err := am.handler.RequestApproval(timeoutCtx, req)
		done <- answer{resp, err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			if ctx.Err() != nil {
				return ApprovalResponse{}, ctx.Err()
			}
			logger.Error().Err(a.err).Msg("Approval request failed")
			return ApprovalResponse{}, fmt.Errorf("approval request failed: %w", a.err)
		}
		if a.resp.Approved {
			logger.Info().Str("reason", a.resp.Reason).Msg("Approval granted")
		} else {
			logger.Warn().Str("reason", a.resp.Reason).Msg("Approval denied")
		}
		return a.resp, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ApprovalResponse{}, ctx.Err()
		}
		logger.Warn().Dur("timeout", am.timeout).Msg("Approval request timed out")
		return ApprovalResponse{Reason: fmt.Sprintf("no decision within %v", am.timeout)}, nil
	}
}
