package toolexecutor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

func TestAccumulator_MergesArgs(t *testing.T) {
	acc := NewAccumulator()

	_, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "crm-a_update_contact", Args: map[string]interface{}{"id": "c1"}})
	require.NoError(t, err)
	assert.False(t, done)
	_, done, _ = acc.Add(Fragment{CorrelationID: "a", Seq: 1, ArgsJSON: `{"fields":`})
	assert.False(t, done)
	assert.Equal(t, 1, acc.Pending())

	action, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 2, ArgsJSON: `{"status":"churned"}}`, Complete: true})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "crm-a_update_contact", action.Tool)
	assert.Equal(t, "c1", action.Args["id"])
	assert.Equal(t, map[string]interface{}{"status": "churned"}, action.Args["fields"])
	assert.Equal(t, 0, acc.Pending())
}

func TestAccumulator_JSONOverridesArgs(t *testing.T) {
	acc := NewAccumulator()
	_, _, _ = acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "t", Args: map[string]interface{}{"limit": 5, "query": "x"}})
	action, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 1, ArgsJSON: `{"limit": 10}`, Complete: true})

	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, float64(10), action.Args["limit"])
	assert.Equal(t, "x", action.Args["query"])
}

func TestAccumulator_DuplicateSeqDropped(t *testing.T) {
	acc := NewAccumulator()
	_, _, _ = acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "t", ArgsJSON: `{"id":`})
	_, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "t", ArgsJSON: `{"id":`})
	require.NoError(t, err)
	assert.False(t, done)

	action, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 1, ArgsJSON: `"c1"}`, Complete: true})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "c1", action.Args["id"])
}

func TestAccumulator_InterleavedActions(t *testing.T) {
	acc := NewAccumulator()
	_, _, _ = acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "ta"})
	_, _, _ = acc.Add(Fragment{CorrelationID: "b", Seq: 0, Tool: "tb"})
	assert.Equal(t, 2, acc.Pending())

	b, done, err := acc.Add(Fragment{CorrelationID: "b", Seq: 1, Complete: true})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "tb", b.Tool)
	assert.Equal(t, 1, acc.Pending())
}

func TestAccumulator_Failures(t *testing.T) {
	acc := NewAccumulator()

	_, _, err := acc.Add(Fragment{Tool: "t"})
	assert.True(t, crmerr.IsKind(err, crmerr.KindValidation))

	action, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "t", ArgsJSON: `{"id"`, Complete: true})
	assert.True(t, done)
	assert.Equal(t, "a", action.CorrelationID)
	assert.True(t, crmerr.IsKind(err, crmerr.KindValidation))

	_, done, err = acc.Add(Fragment{CorrelationID: "b", Seq: 0, Complete: true})
	assert.True(t, done)
	e, ok := crmerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "tool", e.Field)
}

func TestAccumulator_LateFragmentsForCompletedAction(t *testing.T) {
	acc := NewAccumulator()
	_, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "t", Args: map[string]interface{}{"id": "c1"}, Complete: true})
	require.NoError(t, err)
	require.True(t, done)

	_, done, err = acc.Add(Fragment{CorrelationID: "a", Seq: 0, Tool: "t", Args: map[string]interface{}{"id": "c1"}})
	require.NoError(t, err)
	assert.False(t, done)
	_, done, _ = acc.Add(Fragment{CorrelationID: "a", Seq: 5, ArgsJSON: `{"id":`})
	assert.False(t, done)
	assert.Equal(t, 0, acc.Pending())

	replayed, done, err := acc.Add(Fragment{CorrelationID: "a", Seq: 6, Complete: true})
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "a", replayed.CorrelationID)
	assert.Equal(t, "t", replayed.Tool)
	assert.Equal(t, 0, acc.Pending())
}
