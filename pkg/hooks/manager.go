// Package hooks runs user shell commands when the session reaches notable
// points: a schema changes, an action finishes or is denied, a credential
// is revoked.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event names a hook point.
type Event string

const (
	EventSchemaChanged     Event = "schema:changed"
	EventActionCompleted   Event = "action:completed"
	EventActionDenied      Event = "action:denied"
	EventCredentialRevoked Event = "credential:revoked"
)

// Events lists every event a hook may subscribe to.
var Events = []Event{EventSchemaChanged, EventActionCompleted, EventActionDenied, EventCredentialRevoked}

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// DefaultTimeout bounds a hook that sets no timeout of its own.
const DefaultTimeout = 10 * time.Second

// Hook is one shell command bound to an event.
type Hook struct {
	ID      string
	Event   Event
	Command string
	Timeout time.Duration
}

// Manager executes configured hooks for events.
type Manager struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	byEvent map[Event][]Hook
}

// NewManager validates hooks and indexes them by event.
func NewManager(hooks []Hook, logger zerolog.Logger) (*Manager, error) {
	m := &Manager{
		logger:  logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[Event][]Hook),
	}
	for _, h := range hooks {
		if !h.Event.Valid() {
			return nil, fmt.Errorf("hook %s: unknown event %q", h.ID, h.Event)
		}
		if strings.TrimSpace(h.Command) == "" {
			return nil, fmt.Errorf("hook %s: command is required", h.ID)
		}
		if h.ID == "" {
			h.ID = string(h.Event)
		}
		m.byEvent[h.Event] = append(m.byEvent[h.Event], h)
	}
	return m, nil
}

// Has reports whether any hook listens for event.
func (m *Manager) Has(event Event) bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byEvent[event]) > 0
}

// Trigger runs every hook for event in registration order. The payload is
// passed as JSON on stdin, and its scalar values as SDRBOT_HOOK_<KEY>
// environment variables. All failures are returned joined.
func (m *Manager) Trigger(ctx context.Context, event Event, payload map[string]interface{}) error {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	hooks := append([]Hook(nil), m.byEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	env := environment(event, payload)

	var errs []error
	for _, h := range hooks {
		if err := m.run(ctx, h, env, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fire runs Trigger and logs failures. Hooks never fail the caller.
func (m *Manager) Fire(ctx context.Context, event Event, payload map[string]interface{}) {
	if err := m.Trigger(ctx, event, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", string(event)).Msg("Hook failed")
	}
}

func (m *Manager) run(ctx context.Context, h Hook, env []string, body []byte) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Command)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(body)

	start := time.Now()
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", h.ID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", h.ID, err)
	}

	m.logger.Debug().
		Str("event", string(h.Event)).
		Str("hook_id", h.ID).
		Dur("duration", time.Since(start)).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

func environment(event Event, payload map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "SDRBOT_HOOK_EVENT="+string(event))

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := payload[k].(type) {
		case string, bool, int, int64, float64:
			env = append(env, fmt.Sprintf("SDRBOT_HOOK_%s=%v", envKey(k), v))
		case []string:
			env = append(env, fmt.Sprintf("SDRBOT_HOOK_%s=%s", envKey(k), strings.Join(v, ",")))
		}
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
