package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Validates(t *testing.T) {
	tests := []struct {
		name string
		hook Hook
		want string
	}{
		{"unknown event", Hook{ID: "h", Event: "daemon:startup", Command: "true"}, "unknown event"},
		{"empty command", Hook{ID: "h", Event: EventActionDenied, Command: "  "}, "command is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager([]Hook{tt.hook}, zerolog.Nop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTrigger_PassesPayload(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.txt")
	m, err := NewManager([]Hook{{
		ID:      "notify",
		Event:   EventSchemaChanged,
		Command: `printf '%s|%s|%s|' "$SDRBOT_HOOK_EVENT" "$SDRBOT_HOOK_SERVICE" "$SDRBOT_HOOK_ADDED" > ` + out + ` && cat >> ` + out,
	}}, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, m.Has(EventSchemaChanged))
	assert.False(t, m.Has(EventActionDenied))

	require.NoError(t, m.Trigger(context.Background(), EventSchemaChanged, map[string]interface{}{
		"service": "crm-a",
		"added":   []string{"crm-a_create_deal", "crm-a_get_deal"},
	}))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		`schema:changed|crm-a|crm-a_create_deal,crm-a_get_deal|{"added":["crm-a_create_deal","crm-a_get_deal"],"service":"crm-a"}`,
		string(content))
}

func TestTrigger_NoHooks(t *testing.T) {
	m, err := NewManager(nil, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, m.Trigger(context.Background(), EventActionCompleted, nil))

	var nilManager *Manager
	assert.NoError(t, nilManager.Trigger(context.Background(), EventActionCompleted, nil))
	assert.False(t, nilManager.Has(EventActionCompleted))
}

func TestTrigger_JoinsErrors(t *testing.T) {
	m, err := NewManager([]Hook{
		{ID: "fail-1", Event: EventActionDenied, Command: "exit 2"},
		{ID: "fail-2", Event: EventActionDenied, Command: "echo boom >&2; exit 3"},
	}, zerolog.Nop())
	require.NoError(t, err)

	err = m.Trigger(context.Background(), EventActionDenied, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook fail-1 failed")
	assert.Contains(t, err.Error(), "hook fail-2 failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestTrigger_Timeout(t *testing.T) {
	m, err := NewManager([]Hook{{
		ID:      "slow",
		Event:   EventCredentialRevoked,
		Command: "sleep 1",
		Timeout: 30 * time.Millisecond,
	}}, zerolog.Nop())
	require.NoError(t, err)

	err = m.Trigger(context.Background(), EventCredentialRevoked, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "deadline exceeded"), "got: %v", err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "CORRELATION_ID", envKey("correlation_id"))
	assert.Equal(t, "A_B", envKey("a.b"))
	assert.Equal(t, "UNKNOWN", envKey(" "))
}
