package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
)

// ErrClosed is returned for tasks submitted to, or still queued in, a closed queue.
var ErrClosed = errors.New("command queue closed")

// Task is the unit of work run under a scope.
type Task func(ctx context.Context) (interface{}, error)

// Scope names what a task touches. A scope with no records covers the whole object.
type Scope struct {
	Service string
	Object  string
	Records []string
}

// Records scopes a task to specific records of an object.
func Records(service, object string, ids ...string) Scope {
	return Scope{Service: service, Object: object, Records: ids}
}

// Object scopes a task to every record of an object.
func Object(service, object string) Scope {
	return Scope{Service: service, Object: object}
}

// Lane is the metrics label for the scope.
func (s Scope) Lane() string {
	return s.Service + "/" + s.Object
}

func (s Scope) whole() bool { return len(s.Records) == 0 }

// Conflicts reports whether two scopes may touch the same record.
func (s Scope) Conflicts(o Scope) bool {
	if s.Service != o.Service || s.Object != o.Object {
		return false
	}
	if s.whole() || o.whole() {
		return true
	}
	for _, a := range s.Records {
		for _, b := range o.Records {
			if a == b {
				return true
			}
		}
	}
	return false
}

type taskRecord struct {
	id         string
	scope      Scope
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Options tunes a queue.
type Options struct {
	// WarnAfter logs a warning for tasks still waiting after this long.
	WarnAfter time.Duration
}

// Queue runs tasks, holding back any task whose scope conflicts with a
// running task or with an earlier task still waiting.
type Queue struct {
	opts Options

	mu      sync.Mutex
	seq     int
	pending []*taskRecord
	running map[string]*taskRecord
	closed  bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue.
func New() *Queue {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a queue with options.
func NewWithOptions(opts Options) *Queue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:    opts,
		running: make(map[string]*taskRecord),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Ticket is a task accepted by the queue.
type Ticket struct {
	q      *Queue
	record *taskRecord
	span   trace.Span
}

// Enqueue accepts task under scope and returns without waiting for it. Tasks
// enqueued earlier hold their place ahead of conflicting later ones.
func (q *Queue) Enqueue(ctx context.Context, scope Scope, task Task) (*Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "commandqueue", "commandqueue.task",
		attribute.String("lane", scope.Lane()),
	)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		tracing.EndSpan(span, ErrClosed)
		return nil, ErrClosed
	}
	q.seq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", scope.Lane(), q.seq),
		scope:      scope,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	q.pending = append(q.pending, record)
	observability.SetQueueSize(scope.Lane(), q.laneSizeLocked(scope.Lane()))
	q.scheduleLocked()
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", scope.Lane()).
		Str("taskId", record.id).
		Msg("Task enqueued")
	return &Ticket{q: q, record: record, span: span}, nil
}

// Do runs task under scope and waits for its result.
func (q *Queue) Do(ctx context.Context, scope Scope, task Task) (interface{}, error) {
	t, err := q.Enqueue(ctx, scope, task)
	if err != nil {
		return nil, err
	}
	return t.Wait()
}

// Wait blocks until the task finishes. If the enqueuing context ends while
// the task is still waiting, it is withdrawn and never runs.
func (t *Ticket) Wait() (interface{}, error) {
	record := t.record
	logger := tracing.LoggerFromContext(record.ctx, log.Logger)

	var warn <-chan time.Time
	if t.q.opts.WarnAfter > 0 {
		timer := time.NewTimer(t.q.opts.WarnAfter)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case res := <-record.result:
			tracing.EndSpan(t.span, res.err)
			return res.value, res.err
		case <-warn:
			logger.Warn().
				Str("lane", record.scope.Lane()).
				Str("taskId", record.id).
				Dur("waited", time.Since(record.enqueuedAt)).
				Msg("Task waiting longer than expected")
			warn = nil
		case <-record.ctx.Done():
			if t.q.withdraw(record) {
				tracing.EndSpan(t.span, record.ctx.Err())
				return nil, record.ctx.Err()
			}
			// Already running; the task sees ctx and finishes.
			res := <-record.result
			tracing.EndSpan(t.span, res.err)
			return res.value, res.err
		}
	}
}

// withdraw removes a waiting task. It reports false if the task already started.
func (q *Queue) withdraw(record *taskRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.pending {
		if r == record {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			observability.SetQueueSize(record.scope.Lane(), q.laneSizeLocked(record.scope.Lane()))
			q.scheduleLocked()
			return true
		}
	}
	return false
}

// scheduleLocked starts every waiting task that conflicts with neither a
// running task nor an earlier waiting one.
func (q *Queue) scheduleLocked() {
	var blocked []Scope
	remaining := q.pending[:0]
	for _, r := range q.pending {
		if q.conflictsRunningLocked(r.scope) || conflictsAny(r.scope, blocked) {
			blocked = append(blocked, r.scope)
			remaining = append(remaining, r)
			continue
		}
		q.running[r.id] = r
		q.wg.Add(1)
		go q.execute(r)
	}
	for i := len(remaining); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = remaining
}

func (q *Queue) conflictsRunningLocked(s Scope) bool {
	for _, r := range q.running {
		if r.scope.Conflicts(s) {
			return true
		}
	}
	return false
}

func conflictsAny(s Scope, scopes []Scope) bool {
	for _, o := range scopes {
		if o.Conflicts(s) {
			return true
		}
	}
	return false
}

func (q *Queue) laneSizeLocked(lane string) int {
	n := 0
	for _, r := range q.pending {
		if r.scope.Lane() == lane {
			n++
		}
	}
	return n
}

func (q *Queue) execute(record *taskRecord) {
	defer q.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	q.mu.Lock()
	delete(q.running, record.id)
	q.scheduleLocked()
	size := q.laneSizeLocked(record.scope.Lane())
	q.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	observability.RecordQueueTask(record.scope.Lane(), duration)
	observability.SetQueueSize(record.scope.Lane(), size)
	log.Debug().
		Str("lane", record.scope.Lane()).
		Str("taskId", record.id).
		Dur("duration", duration).
		Bool("success", err == nil).
		Msg("Task completed")
}

// Stats reports queued and running task counts.
func (q *Queue) Stats() (queued, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.running)
}

// WaitForActive waits for running tasks to finish, up to timeout.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, running := q.Stats(); running == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, rejects waiting ones and waits for workers.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, r := range pending {
		r.result <- taskResult{err: ErrClosed}
	}
	q.cancel()
	q.wg.Wait()
	return nil
}
