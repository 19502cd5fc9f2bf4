package toolexecutor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionMachine_HappyPath(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := newActionMachine(func() time.Time { return at })

	require.NoError(t, m.to(StatePending, "write"))
	require.NoError(t, m.to(StateApproved, "approve_once"))
	require.NoError(t, m.to(StateExecuting, ""))
	require.NoError(t, m.to(StateSucceeded, ""))

	tr := m.transitions()
	require.Len(t, tr, 4)
	assert.Equal(t, Transition{From: StateReceived, To: StatePending, At: at, Reason: "write"}, tr[0])
	assert.Equal(t, StateSucceeded, tr[3].To)
	assert.True(t, m.reached(StateExecuting))
	assert.False(t, m.reached(StateDenied))
}

func TestActionMachine_RejectsSkippedApproval(t *testing.T) {
	tests := []struct {
		name string
		path []ActionState
		bad  ActionState
	}{
		{"pending straight to executing", []ActionState{StatePending}, StateExecuting},
		{"denied is final", []ActionState{StatePending, StateDenied}, StateExecuting},
		{"executing cannot be terminated", []ActionState{StateAutoApproved, StateExecuting}, StateTerminated},
		{"succeeded is final", []ActionState{StateExecuting, StateSucceeded}, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newActionMachine(time.Now)
			for _, s := range tt.path {
				require.NoError(t, m.to(s, ""))
			}
			assert.Error(t, m.to(tt.bad, ""))
			assert.Len(t, m.transitions(), len(tt.path))
		})
	}
}

func TestActionState_Terminal(t *testing.T) {
	for _, s := range []ActionState{StateSucceeded, StateFailed, StateDenied, StateTerminated} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []ActionState{StateReceived, StatePending, StateApproved, StateAutoApproved, StateExecuting} {
		assert.False(t, s.Terminal(), s)
	}
}
