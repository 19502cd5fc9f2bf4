package toolexecutor

import (
	"fmt"
	"time"
)

// ActionState is a step in a proposed action's lifecycle.
type ActionState string

const (
	StateReceived     ActionState = "received"
	StatePending      ActionState = "pending"
	StateApproved     ActionState = "approved"
	StateAutoApproved ActionState = "auto_approved"
	StateDenied       ActionState = "denied"
	StateTerminated   ActionState = "terminated"
	StateExecuting    ActionState = "executing"
	StateSucceeded    ActionState = "succeeded"
	StateFailed       ActionState = "failed"
)

// Received may fail or be denied directly when the action never gets as far
// as approval (unknown tool, invalid arguments, tool blocked by policy).
var validTransitions = map[ActionState][]ActionState{
	StateReceived:     {StatePending, StateAutoApproved, StateExecuting, StateFailed, StateDenied, StateTerminated},
	StatePending:      {StateApproved, StateDenied, StateTerminated},
	StateApproved:     {StateExecuting, StateTerminated},
	StateAutoApproved: {StateExecuting, StateTerminated},
	StateExecuting:    {StateSucceeded, StateFailed},
}

// Terminal reports whether no transition leaves the state.
func (s ActionState) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Transition is one recorded state change.
type Transition struct {
	From   ActionState `json:"from"`
	To     ActionState `json:"to"`
	At     time.Time   `json:"at"`
	Reason string      `json:"reason,omitempty"`
}

type actionMachine struct {
	state   ActionState
	history []Transition
	now     func() time.Time
}

func newActionMachine(now func() time.Time) *actionMachine {
	return &actionMachine{state: StateReceived, now: now}
}

func (m *actionMachine) to(next ActionState, reason string) error {
	for _, allowed := range validTransitions[m.state] {
		if allowed == next {
			m.history = append(m.history, Transition{From: m.state, To: next, At: m.now(), Reason: reason})
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid action transition %s -> %s", m.state, next)
}

// reached reports whether the machine ever entered s.
func (m *actionMachine) reached(s ActionState) bool {
	for _, t := range m.history {
		if t.To == s {
			return true
		}
	}
	return false
}

func (m *actionMachine) transitions() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
