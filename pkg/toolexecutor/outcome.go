package toolexecutor

import "github.com/NForce-ai/SDRbot/pkg/crmerr"

// Status is the final disposition of an action.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDenied     Status = "denied"
	StatusTerminated Status = "terminated"
)

// Outcome is the result delivered back to the planner for one action.
type Outcome struct {
	CorrelationID string        `json:"correlation_id"`
	Service       string        `json:"service,omitempty"`
	Tool          string        `json:"tool"`
	Status        Status        `json:"status"`
	Payload       interface{}   `json:"payload,omitempty"`
	Affected      int           `json:"affected,omitempty"`
	Error         *crmerr.Error `json:"error,omitempty"`
	// Attempts counts adapter invocations, retries included.
	Attempts int `json:"attempts"`
	// Replayed marks an outcome served from cache for a re-delivered action.
	Replayed bool `json:"replayed,omitempty"`
	// Retry is offered after a schema re-sync made the action valid again.
	Retry       *ProposedAction `json:"retry,omitempty"`
	Transitions []Transition    `json:"transitions"`
}

// Err returns the failure, if any.
func (o Outcome) Err() error {
	if o.Error == nil {
		return nil
	}
	return o.Error
}

// Final returns the last state the action reached.
func (o Outcome) Final() ActionState {
	if len(o.Transitions) == 0 {
		return StateReceived
	}
	return o.Transitions[len(o.Transitions)-1].To
}
