package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// Decision is the human's answer to an approval request.
type Decision string

const (
	DecisionApproveOnce Decision = "approve_once"
	DecisionApproveAll  Decision = "approve_all"
	DecisionDeny        Decision = "deny"
)

// Approves reports whether the decision lets the action run.
func (d Decision) Approves() bool {
	return d == DecisionApproveOnce || d == DecisionApproveAll
}

// ApprovalRequest describes a pending action to the approval surface.
type ApprovalRequest struct {
	ID            string                 `json:"id"`
	CorrelationID string                 `json:"correlation_id"`
	Service       string                 `json:"service"`
	Tool          string                 `json:"tool"`
	Object        string                 `json:"object"`
	Operation     toolgen.Operation      `json:"operation"`
	Risk          toolgen.Risk           `json:"risk"`
	Args          map[string]interface{} `json:"args"`
	Summary       string                 `json:"summary"`
	// Diff is a unified diff of field values for updates.
	Diff string `json:"diff,omitempty"`
	// Bulk is set when the request confirms scope above the bulk threshold.
	Bulk bool `json:"bulk,omitempty"`
	// Scope is the affected record count, or -1 when it could not be determined.
	Scope   int           `json:"scope"`
	Timeout time.Duration `json:"timeout"`
}

// ApprovalResponse carries the decision.
type ApprovalResponse struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// ApprovalHandler presents requests to a human.
type ApprovalHandler interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error)
}

// ApprovalManager runs the approval workflow. Prompts are shown one at a
// time; a handler error or timeout counts as a denial.
type ApprovalManager struct {
	handler        ApprovalHandler
	defaultTimeout time.Duration
	turn           chan struct{}
}

// NewApprovalManager creates a new approval manager.
func NewApprovalManager(handler ApprovalHandler) *ApprovalManager {
	return &ApprovalManager{
		handler:        handler,
		defaultTimeout: 10 * time.Minute,
		turn:           make(chan struct{}, 1),
	}
}

// RequestApproval asks the handler for a decision. The returned error is
// non-nil when no real decision was made (no handler, handler failure,
// timeout or cancellation); the response then holds a denial.
func (am *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	denied := ApprovalResponse{Decision: DecisionDeny}
	if am.handler == nil {
		denied.Reason = "no approval handler configured"
		return denied, fmt.Errorf("no approval handler configured")
	}
	if req.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return denied, fmt.Errorf("failed to generate approval id: %w", err)
		}
		req.ID = id
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = am.defaultTimeout
	}

	select {
	case am.turn <- struct{}{}:
		defer func() { <-am.turn }()
	case <-ctx.Done():
		denied.Reason = "canceled"
		return denied, ctx.Err()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info().
		Str("approval_id", req.ID).
		Str("tool", req.Tool).
		Str("risk", string(req.Risk)).
		Bool("bulk", req.Bulk).
		Msg("Requesting approval")
	observability.AddPendingApprovals(1)
	defer observability.AddPendingApprovals(-1)

	responseChan := make(chan ApprovalResponse, 1)
	errorChan := make(chan error, 1)
	go func() {
		response, err := am.handler.RequestApproval(timeoutCtx, req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		if !response.Decision.Approves() {
			response.Decision = DecisionDeny
		}
		observability.RecordApproval(string(response.Decision))
		if response.Decision.Approves() {
			log.Info().
				Str("approval_id", req.ID).
				Str("decision", string(response.Decision)).
				Str("reason", response.Reason).
				Msg("Approval granted")
		} else {
			log.Warn().
				Str("approval_id", req.ID).
				Str("reason", response.Reason).
				Msg("Approval denied")
		}
		return response, nil

	case err := <-errorChan:
		observability.RecordApproval(string(DecisionDeny))
		log.Error().
			Err(err).
			Str("approval_id", req.ID).
			Msg("Approval request failed")
		denied.Reason = "approval request failed"
		return denied, fmt.Errorf("approval request failed: %w", err)

	case <-timeoutCtx.Done():
		observability.RecordApproval(string(DecisionDeny))
		if ctx.Err() != nil {
			denied.Reason = "canceled"
			return denied, ctx.Err()
		}
		log.Warn().
			Str("approval_id", req.ID).
			Dur("timeout", timeout).
			Msg("Approval request timed out")
		denied.Reason = "timeout"
		return denied, fmt.Errorf("approval request timed out after %v", timeout)
	}
}

// SetDefaultTimeout sets the timeout used when a request carries none.
func (am *ApprovalManager) SetDefaultTimeout(timeout time.Duration) {
	am.defaultTimeout = timeout
}

// GetDefaultTimeout returns the default timeout.
func (am *ApprovalManager) GetDefaultTimeout() time.Duration {
	return am.defaultTimeout
}

// MockApprovalHandler is a scripted handler for tests. Decisions are
// consumed in order; once exhausted Decision is returned.
type MockApprovalHandler struct {
	Decision  Decision
	Decisions []Decision
	Delay     time.Duration
	Error     error
	// Requests records every request seen.
	Requests []ApprovalRequest
	// Seen, when set, receives each request as it arrives.
	Seen chan<- ApprovalRequest
	// Block makes the handler wait until ctx ends.
	Block bool
	// Release, when set, holds the decision until it is closed.
	Release <-chan struct{}

	mu sync.Mutex
}

// RequestApproval implements ApprovalHandler.
func (m *MockApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.Seen != nil {
		m.Seen <- req
	}
	if m.Block {
		<-ctx.Done()
		return ApprovalResponse{}, ctx.Err()
	}
	if m.Release != nil {
		select {
		case <-m.Release:
		case <-ctx.Done():
			return ApprovalResponse{}, ctx.Err()
		}
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ApprovalResponse{}, ctx.Err()
		}
	}
	if m.Error != nil {
		return ApprovalResponse{}, m.Error
	}
	m.mu.Lock()
	d := m.Decision
	if len(m.Decisions) > 0 {
		d = m.Decisions[0]
		m.Decisions = m.Decisions[1:]
	}
	m.mu.Unlock()
	return ApprovalResponse{Decision: d, Reason: "mock"}, nil
}

// Received returns a copy of the requests received so far.
func (m *MockApprovalHandler) Received() []ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ApprovalRequest(nil), m.Requests...)
}
