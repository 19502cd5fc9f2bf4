package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/adapter"
	"github.com/NForce-ai/SDRbot/pkg/commandqueue"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// Config wires an engine.
type Config struct {
	Session   *Session
	Approvals *ApprovalManager
	Policy    *Policy
	// Queue serializes writes per record. A private queue is created when nil.
	Queue *commandqueue.Queue
	Now   func() time.Time
}

// Engine executes proposed actions for one session.
type Engine struct {
	session   *Session
	approvals *ApprovalManager
	queue     *commandqueue.Queue
	ownQueue  bool
	now       func() time.Time

	mu          sync.RWMutex
	policy      Policy
	autoApprove bool
	generation  context.Context
	cancelGen   context.CancelFunc

	outcomesMu sync.Mutex
	outcomes   map[string]*resolution
	healed     map[string]int
}

type resolution struct {
	done    chan struct{}
	outcome Outcome
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Session == nil {
		return nil, errors.New("engine requires a session")
	}
	if cfg.Approvals == nil {
		return nil, errors.New("engine requires an approval manager")
	}
	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid execution policy: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		session:   cfg.Session,
		approvals: cfg.Approvals,
		queue:     cfg.Queue,
		now:       cfg.Now,
		policy:    policy,
		outcomes:  make(map[string]*resolution),
		healed:    make(map[string]int),
	}
	if e.queue == nil {
		e.queue = commandqueue.New()
		e.ownQueue = true
	}
	e.generation, e.cancelGen = context.WithCancel(context.Background())

	log.Info().Str("session_key", cfg.Session.Key()).Msg("Execution engine initialized")
	return e, nil
}

// Close releases the engine's private queue.
func (e *Engine) Close() error {
	e.Cancel()
	if e.ownQueue {
		return e.queue.Close()
	}
	return nil
}

// Policy returns the current policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy replaces the policy for actions received from now on.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	log.Info().Int("bulk_threshold", p.BulkThreshold).Msg("Execution policy updated")
	return nil
}

// AutoApprove reports whether approve-all-remaining is on.
func (e *Engine) AutoApprove() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autoApprove
}

// SetAutoApprove switches approve-all-remaining on or off.
func (e *Engine) SetAutoApprove(on bool) {
	e.mu.Lock()
	changed := e.autoApprove != on
	e.autoApprove = on
	e.mu.Unlock()
	if !changed {
		return
	}
	decision := "auto_approve_off"
	if on {
		decision = "auto_approve_on"
	}
	observability.RecordApprovalAudit(e.session.Context(context.Background()), "session", e.session.Key(), decision, nil)
	log.Info().Bool("auto_approve", on).Msg("Auto-approve toggled")
}

// Cancel aborts every action in flight: pending actions terminate and
// executing calls see their context canceled. Actions submitted afterwards
// run normally.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancelGen
	e.generation, e.cancelGen = context.WithCancel(context.Background())
	e.mu.Unlock()
	cancel()
	log.Info().Str("session_key", e.session.Key()).Msg("Session cancel signal")
}

func (e *Engine) currentGeneration() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.generation
}

// Submit executes one complete action and returns its outcome. An action
// whose correlation id was already seen is not executed again; the first
// outcome is returned with Replayed set.
func (e *Engine) Submit(ctx context.Context, action ProposedAction) Outcome {
	return e.submit(ctx, action, nil)
}

func (e *Engine) submit(ctx context.Context, action ProposedAction, g *gate) Outcome {
	if action.CorrelationID == "" {
		g.release()
		return e.reject(action, newActionMachine(e.now), crmerr.Validation("correlation_id", "action has no correlation id"))
	}
	r, fresh := e.claim(action.CorrelationID)
	if !fresh {
		g.release()
		return e.replay(ctx, action, r)
	}
	return e.resolve(ctx, action, g, r)
}

// claim reserves the outcome slot for a correlation id. fresh is false when
// an earlier delivery already holds it.
func (e *Engine) claim(id string) (*resolution, bool) {
	e.outcomesMu.Lock()
	defer e.outcomesMu.Unlock()
	if r, ok := e.outcomes[id]; ok {
		return r, false
	}
	r := &resolution{done: make(chan struct{})}
	e.outcomes[id] = r
	return r, true
}

// resolve processes a claimed action and publishes its outcome.
func (e *Engine) resolve(ctx context.Context, action ProposedAction, g *gate, r *resolution) Outcome {
	defer g.release()
	r.outcome = e.process(ctx, action.Clone(), g)
	close(r.done)
	return r.outcome
}

// replay waits for the first delivery of an action and returns its outcome.
func (e *Engine) replay(ctx context.Context, action ProposedAction, r *resolution) Outcome {
	select {
	case <-r.done:
	case <-ctx.Done():
		return Outcome{
			CorrelationID: action.CorrelationID,
			Tool:          action.Tool,
			Status:        StatusTerminated,
			Error:         crmerr.From("", ctx.Err()),
			Replayed:      true,
		}
	}
	out := r.outcome
	out.Replayed = true
	log.Debug().Str("correlation_id", action.CorrelationID).Msg("Replaying cached outcome")
	return out
}

// reject builds the outcome of an action that failed before approval.
func (e *Engine) reject(action ProposedAction, m *actionMachine, err error) Outcome {
	_ = m.to(StateFailed, string(crmerr.KindOf(err)))
	return Outcome{
		CorrelationID: action.CorrelationID,
		Tool:          action.Tool,
		Status:        StatusFailed,
		Error:         crmerr.From("", err),
		Transitions:   m.transitions(),
	}
}

// Reject records an action that could not be assembled. It is cached like
// any other outcome unless an earlier delivery already holds the id.
func (e *Engine) Reject(action ProposedAction, err error) Outcome {
	e.outcomesMu.Lock()
	defer e.outcomesMu.Unlock()
	if r, ok := e.outcomes[action.CorrelationID]; ok {
		select {
		case <-r.done:
			out := r.outcome
			out.Replayed = true
			return out
		default:
			return e.reject(action, newActionMachine(e.now), err)
		}
	}
	out := e.reject(action, newActionMachine(e.now), err)
	r := &resolution{done: make(chan struct{}), outcome: out}
	close(r.done)
	e.outcomes[action.CorrelationID] = r
	return out
}

func (e *Engine) process(ctx context.Context, action ProposedAction, g *gate) Outcome {
	policy := e.Policy()

	actx, cancel := context.WithCancel(e.session.Context(ctx))
	defer cancel()
	stop := context.AfterFunc(e.currentGeneration(), cancel)
	defer stop()

	m := newActionMachine(e.now)
	tool, err := e.session.Resolve(actx, action.Tool)
	if err != nil {
		if actx.Err() != nil {
			return e.terminate(action, toolgen.ToolDefinition{}, m, actx.Err())
		}
		return e.reject(action, m, err)
	}

	actx = tracing.ForAction(actx, tool.Service, action.CorrelationID)
	actx, span := tracing.StartSpan(actx, "toolexecutor", "toolexecutor.action",
		attribute.String("tool", tool.Name),
		attribute.String("risk", string(tool.Risk)),
	)
	logger := tracing.LoggerFromContext(actx, log.Logger)

	out := e.run(actx, action, tool, policy, m, g)
	out.Transitions = m.transitions()
	if out.Error != nil {
		tracing.EndSpan(span, out.Error)
	} else {
		tracing.EndSpan(span, nil)
	}

	logger.Info().
		Str("tool", tool.Name).
		Str("status", string(out.Status)).
		Int("attempts", out.Attempts).
		Msg("Action resolved")
	observability.RecordToolAudit(actx, tool.Name, e.session.Key(), string(out.Status), map[string]interface{}{
		"correlation_id": action.CorrelationID,
		"risk":           string(tool.Risk),
		"attempts":       out.Attempts,
	})
	return out
}

func (e *Engine) run(ctx context.Context, action ProposedAction, tool toolgen.ToolDefinition, policy Policy, m *actionMachine, g *gate) Outcome {
	out := Outcome{
		CorrelationID: action.CorrelationID,
		Service:       tool.Service,
		Tool:          tool.Name,
	}
	fail := func(err error) Outcome {
		out.Status = StatusFailed
		out.Error = crmerr.From(tool.Service, err)
		_ = m.to(StateFailed, string(out.Error.Kind))
		observability.RecordToolError(tool.Service, string(out.Error.Kind))
		return out
	}

	if ctx.Err() != nil {
		return e.terminate(action, tool, m, ctx.Err())
	}
	if !policy.Permits(tool.Name) {
		_ = m.to(StateDenied, "blocked by policy")
		out.Status = StatusDenied
		out.Error = crmerr.New(crmerr.KindDenied, tool.Service, "tool %s is blocked by policy", tool.Name)
		return out
	}

	args, err := e.session.validator.Validate(tool, action.Args)
	if err != nil {
		return fail(err)
	}

	if !tool.Risk.RequiresApproval() {
		g.release()
		return e.execute(ctx, action, tool, args, policy, m, out, nil)
	}

	// Writes are gated in arrival order.
	if err := g.wait(ctx); err != nil {
		return e.terminate(action, tool, m, err)
	}

	scope, known := e.scopeSize(ctx, tool, args)
	bulk := tool.Operation.Scoped() && args["id"] == nil && (!known || scope > policy.BulkThreshold)
	if !known {
		scope = -1
	}

	if e.AutoApprove() && !bulk {
		_ = m.to(StateAutoApproved, "auto-approve")
		observability.RecordApproval("auto")
		return e.execute(ctx, action, tool, args, policy, m, out, g)
	}

	_ = m.to(StatePending, pendingReason(bulk))
	req := ApprovalRequest{
		CorrelationID: action.CorrelationID,
		Service:       tool.Service,
		Tool:          tool.Name,
		Object:        tool.Object,
		Operation:     tool.Operation,
		Risk:          tool.Risk,
		Args:          args,
		Summary:       summarize(tool, args, scope),
		Bulk:          bulk,
		Scope:         scope,
		Timeout:       policy.ApprovalTimeout,
	}
	if tool.Operation == toolgen.OpUpdate {
		fields, _ := args["fields"].(map[string]interface{})
		req.Diff = fieldDiff(e.currentRecord(ctx, tool, args), fields)
	}

	resp, err := e.approvals.RequestApproval(ctx, req)
	if ctx.Err() != nil {
		return e.terminate(action, tool, m, ctx.Err())
	}
	if err != nil || !resp.Decision.Approves() {
		reason := resp.Reason
		if err != nil {
			reason = err.Error()
		}
		_ = m.to(StateDenied, reason)
		observability.RecordApprovalAudit(ctx, tool.Name, e.session.Key(), string(DecisionDeny), map[string]interface{}{
			"correlation_id": action.CorrelationID,
			"reason":         reason,
			"bulk":           bulk,
		})
		out.Status = StatusDenied
		out.Error = crmerr.New(crmerr.KindDenied, tool.Service, "%s denied: %s", tool.Name, reason)
		return out
	}

	_ = m.to(StateApproved, string(resp.Decision))
	observability.RecordApprovalAudit(ctx, tool.Name, e.session.Key(), string(resp.Decision), map[string]interface{}{
		"correlation_id": action.CorrelationID,
		"bulk":           bulk,
		"scope":          scope,
	})
	if resp.Decision == DecisionApproveAll {
		e.SetAutoApprove(true)
	}
	return e.execute(ctx, action, tool, args, policy, m, out, g)
}

func pendingReason(bulk bool) string {
	if bulk {
		return "bulk scope confirmation"
	}
	return "approval required"
}

// execute runs the adapter call. Writes go through the record queue; the
// gate is released once the write holds its place there.
func (e *Engine) execute(ctx context.Context, action ProposedAction, tool toolgen.ToolDefinition, args map[string]interface{}, policy Policy, m *actionMachine, out Outcome, g *gate) Outcome {
	if ctx.Err() != nil {
		return e.terminate(action, tool, m, ctx.Err())
	}

	type callResult struct {
		res      adapter.Result
		attempts int
		err      error
	}
	start := time.Now()
	task := func(ctx context.Context) (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = m.to(StateExecuting, "")
		res, attempts, err := e.invoke(ctx, action, tool, args, policy)
		return callResult{res: res, attempts: attempts, err: err}, nil
	}

	var (
		value interface{}
		err   error
	)
	if scope, ok := queueScope(tool, args); ok {
		ticket, qerr := e.queue.Enqueue(ctx, scope, task)
		g.release()
		if qerr != nil {
			value, err = nil, qerr
		} else {
			value, err = ticket.Wait()
		}
	} else {
		g.release()
		value, err = task(ctx)
	}

	if !m.reached(StateExecuting) {
		if err == nil {
			err = ctx.Err()
		}
		return e.terminate(action, tool, m, err)
	}

	cr := value.(callResult)
	out.Attempts = cr.attempts
	observability.RecordToolExecution(tool.Service, string(tool.Risk), time.Since(start), cr.err == nil)
	if cr.err == nil {
		_ = m.to(StateSucceeded, "")
		out.Status = StatusSucceeded
		out.Payload = cr.res.Payload
		out.Affected = cr.res.Affected
		return out
	}

	out.Status = StatusFailed
	out.Error = crmerr.From(tool.Service, cr.err)
	_ = m.to(StateFailed, string(out.Error.Kind))
	observability.RecordToolError(tool.Service, string(out.Error.Kind))
	if out.Error.Kind == crmerr.KindSchemaMismatch {
		out.Retry = e.selfHeal(ctx, action, tool, out.Error, policy)
	}
	return out
}

func (e *Engine) terminate(action ProposedAction, tool toolgen.ToolDefinition, m *actionMachine, cause error) Outcome {
	if cause == nil {
		cause = context.Canceled
	}
	_ = m.to(StateTerminated, "canceled")
	return Outcome{
		CorrelationID: action.CorrelationID,
		Service:       tool.Service,
		Tool:          action.Tool,
		Status:        StatusTerminated,
		Error:         crmerr.Wrap(crmerr.KindCanceled, tool.Service, cause),
		Transitions:   m.transitions(),
	}
}

// queueScope picks the record scope a write serializes on. Reads and
// creates touch no existing record and skip the queue.
func queueScope(tool toolgen.ToolDefinition, args map[string]interface{}) (commandqueue.Scope, bool) {
	if !tool.Operation.Scoped() {
		return commandqueue.Scope{}, false
	}
	switch {
	case args["id"] != nil:
		return commandqueue.Records(tool.Service, tool.Object, fmt.Sprint(args["id"])), true
	case args["ids"] != nil:
		list, _ := args["ids"].([]interface{})
		ids := make([]string, 0, len(list))
		for _, v := range list {
			ids = append(ids, fmt.Sprint(v))
		}
		return commandqueue.Records(tool.Service, tool.Object, ids...), true
	}
	return commandqueue.Object(tool.Service, tool.Object), true
}

// scopeSize counts the records a write affects. known is false when a
// filter-based scope could not be counted.
func (e *Engine) scopeSize(ctx context.Context, tool toolgen.ToolDefinition, args map[string]interface{}) (int, bool) {
	switch {
	case !tool.Operation.Scoped():
		return 1, true
	case args["id"] != nil:
		return 1, true
	case args["ids"] != nil:
		list, _ := args["ids"].([]interface{})
		return len(list), true
	}

	a, err := e.session.adapters.Get(tool.Service)
	if err != nil {
		return 0, false
	}
	counter, ok := a.(adapter.Counter)
	if !ok {
		return 0, false
	}
	cred, err := e.session.creds.Acquire(ctx, tool.Service)
	if err != nil {
		return 0, false
	}
	where, _ := args["where"].(map[string]interface{})
	n, err := counter.Count(ctx, tool.Object, where, cred)
	if err != nil {
		log.Debug().Err(err).Str("tool", tool.Name).Msg("Could not count bulk scope")
		return 0, false
	}
	return n, true
}

// currentRecord reads the record an update targets so the approval can
// show a field diff. It returns nil when the adapter cannot read records or
// the read fails.
func (e *Engine) currentRecord(ctx context.Context, tool toolgen.ToolDefinition, args map[string]interface{}) map[string]interface{} {
	id := args["id"]
	if id == nil {
		return nil
	}
	a, err := e.session.adapters.Get(tool.Service)
	if err != nil {
		return nil
	}
	reader, ok := a.(adapter.Reader)
	if !ok {
		return nil
	}
	cred, err := e.session.creds.Acquire(ctx, tool.Service)
	if err != nil {
		return nil
	}
	readCtx, cancel := context.WithTimeout(ctx, e.Policy().CallTimeout)
	defer cancel()
	rec, err := reader.Read(readCtx, tool.Object, fmt.Sprint(id), cred)
	if err != nil {
		log.Debug().Err(err).Str("tool", tool.Name).Msg("Could not read current record")
		return nil
	}
	return rec
}

// baseCorrelationID strips retry suffixes so every retry of one logical
// action shares one self-heal allowance.
func baseCorrelationID(id string) string {
	if i := strings.Index(id, ":retry"); i >= 0 {
		return id[:i]
	}
	return id
}
