package toolexecutor

import "context"

// AutoApproveHandler approves every request once, without user interaction.
// Bulk confirmations reach it like any other request.
type AutoApproveHandler struct{}

// RequestApproval implements ApprovalHandler.
func (AutoApproveHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	return ApprovalResponse{Decision: DecisionApproveOnce, Reason: "auto-approved"}, nil
}

// DenyHandler refuses every request it receives. It stands in for a prompt
// when no one is there to answer.
type DenyHandler struct {
	Reason string
}

// RequestApproval implements ApprovalHandler.
func (d DenyHandler) RequestApproval(_ context.Context, _ ApprovalRequest) (ApprovalResponse, error) {
	reason := d.Reason
	if reason == "" {
		reason = "no approver available"
	}
	return ApprovalResponse{Decision: DecisionDeny, Reason: reason}, nil
}
