package toolexecutor

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/pkg/crmerr"
)

// Fragment is one piece of a proposed action as the planner streams it.
type Fragment struct {
	CorrelationID string                 `json:"correlation_id"`
	Seq           int                    `json:"seq"`
	Tool          string                 `json:"tool,omitempty"`
	Args          map[string]interface{} `json:"args,omitempty"`
	// ArgsJSON chunks are concatenated in arrival order and parsed on completion.
	ArgsJSON string `json:"args_json,omitempty"`
	Complete bool   `json:"complete,omitempty"`
}

// ProposedAction is a fully assembled request to run a tool.
type ProposedAction struct {
	CorrelationID string                 `json:"correlation_id"`
	Tool          string                 `json:"tool"`
	Args          map[string]interface{} `json:"args"`
}

// Clone returns a deep copy of the action.
func (a ProposedAction) Clone() ProposedAction {
	a.Args = cloneArgs(a.Args)
	return a
}

type partialAction struct {
	tool string
	args map[string]interface{}
	raw  strings.Builder
	seen map[int]bool
}

// Accumulator coalesces fragments by correlation id. It is not safe for
// concurrent use; one stream loop owns it.
type Accumulator struct {
	partial map[string]*partialAction
	// completed maps finished correlation ids to their tool.
	completed map[string]string
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		partial:   make(map[string]*partialAction),
		completed: make(map[string]string),
	}
}

// Add folds f into its action. It returns the action and true once f carries
// the complete marker. A malformed argument bag completes with a
// validation_error; the action is still returned so the failure can be
// correlated.
func (a *Accumulator) Add(f Fragment) (ProposedAction, bool, error) {
	if f.CorrelationID == "" {
		return ProposedAction{}, false, crmerr.Validation("correlation_id", "fragment has no correlation id")
	}

	if tool, done := a.completed[f.CorrelationID]; done {
		if !f.Complete {
			log.Debug().
				Str("correlation_id", f.CorrelationID).
				Int("seq", f.Seq).
				Msg("Dropping fragment for completed action")
			return ProposedAction{}, false, nil
		}
		// A replayed complete marker is passed on so the caller can answer
		// it from its outcome cache.
		return ProposedAction{CorrelationID: f.CorrelationID, Tool: tool}, true, nil
	}

	p, ok := a.partial[f.CorrelationID]
	if !ok {
		p = &partialAction{args: make(map[string]interface{}), seen: make(map[int]bool)}
		a.partial[f.CorrelationID] = p
	}
	if p.seen[f.Seq] {
		log.Debug().
			Str("correlation_id", f.CorrelationID).
			Int("seq", f.Seq).
			Msg("Dropping duplicate fragment")
		return ProposedAction{}, false, nil
	}
	p.seen[f.Seq] = true

	if f.Tool != "" {
		if p.tool != "" && p.tool != f.Tool {
			log.Warn().
				Str("correlation_id", f.CorrelationID).
				Str("tool", p.tool).
				Str("ignored", f.Tool).
				Msg("Fragment names a different tool, keeping the first")
		} else {
			p.tool = f.Tool
		}
	}
	for k, v := range f.Args {
		p.args[k] = v
	}
	p.raw.WriteString(f.ArgsJSON)

	if !f.Complete {
		return ProposedAction{}, false, nil
	}
	delete(a.partial, f.CorrelationID)
	a.completed[f.CorrelationID] = p.tool

	action := ProposedAction{CorrelationID: f.CorrelationID, Tool: p.tool, Args: p.args}
	if raw := strings.TrimSpace(p.raw.String()); raw != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return action, true, crmerr.Validation("", "malformed argument bag: %v", err)
		}
		for k, v := range parsed {
			action.Args[k] = v
		}
	}
	if action.Tool == "" {
		return action, true, crmerr.Validation("tool", "action %s names no tool", f.CorrelationID)
	}
	return action, true, nil
}

// Pending returns the number of actions still being assembled.
func (a *Accumulator) Pending() int {
	return len(a.partial)
}

func cloneArgs(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneArgs(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
