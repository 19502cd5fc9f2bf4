package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NForce-ai/SDRbot/pkg/adapter"
	"github.com/NForce-ai/SDRbot/pkg/credential"
	"github.com/NForce-ai/SDRbot/pkg/schema"
	"github.com/NForce-ai/SDRbot/pkg/service"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

const (
	toolCreate = "crm-a_create_contact"
	toolGet    = "crm-a_get_contact"
	toolSearch = "crm-a_search_contact"
	toolUpdate = "crm-a_update_contact"
	toolDelete = "crm-a_delete_contact"
)

func contactObject(withCountry bool) schema.RawObject {
	obj := schema.RawObject{Key: "Contact", Fields: []schema.RawField{
		{Name: "name", Type: "text", Required: true},
		{Name: "email", Type: "email"},
		{Name: "status", Type: "picklist", Options: []string{"active", "churned"}},
	}}
	if withCountry {
		obj.Fields = append(obj.Fields, schema.RawField{Name: "Country", Type: "text"})
	}
	return obj
}

func contactFixture(churned int) adapter.Fixture {
	records := []map[string]interface{}{
		{"id": "c1", "name": "Ada", "email": "ada@example.com", "status": "active"},
		{"id": "c2", "name": "Grace", "email": "grace@example.com", "status": "active"},
	}
	for i := 0; i < churned; i++ {
		records = append(records, map[string]interface{}{
			"id":     fmt.Sprintf("x%04d", i),
			"name":   fmt.Sprintf("Lead %d", i),
			"status": "churned",
		})
	}
	return adapter.Fixture{
		Objects: []schema.RawObject{contactObject(true)},
		Records: map[string][]map[string]interface{}{"Contact": records},
	}
}

// scriptedAdapter wraps the in-memory CRM with injected failures, blocking
// and call recording.
type scriptedAdapter struct {
	*adapter.Memory

	mu      sync.Mutex
	invokes []adapter.Call
	actions []ProposedAction
	errs    []error
	block   chan struct{}
	entered chan adapter.Call
}

func (a *scriptedAdapter) Invoke(ctx context.Context, call adapter.Call, cred credential.Credential) (adapter.Result, error) {
	a.mu.Lock()
	a.invokes = append(a.invokes, call)
	if action, ok := ActionFromContext(ctx); ok {
		a.actions = append(a.actions, action)
	}
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	block, entered := a.block, a.entered
	a.mu.Unlock()

	if entered != nil {
		entered <- call
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return adapter.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return adapter.Result{}, err
	}
	return a.Memory.Invoke(ctx, call, cred)
}

func (a *scriptedAdapter) failNext(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, errs...)
}

func (a *scriptedAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.invokes)
}

func (a *scriptedAdapter) callsFor(op toolgen.Operation) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.invokes {
		if c.Operation == op {
			n++
		}
	}
	return n
}

// uncountable hides the Counter and Reader capabilities of an adapter.
type uncountable struct {
	inner *scriptedAdapter
}

func (u uncountable) Invoke(ctx context.Context, call adapter.Call, cred credential.Credential) (adapter.Result, error) {
	return u.inner.Invoke(ctx, call, cred)
}

func (u uncountable) FetchSchema(ctx context.Context, cred credential.Credential) (schema.RawMetadata, error) {
	return u.inner.FetchSchema(ctx, cred)
}

type stubCreds struct {
	refreshes atomic.Int32
	err       error
}

func (s *stubCreds) Acquire(context.Context, string) (credential.Credential, error) {
	if s.err != nil {
		return credential.Credential{}, s.err
	}
	return credential.Credential{AccessToken: "token"}, nil
}

func (s *stubCreds) Refresh(context.Context, string) (credential.Credential, error) {
	s.refreshes.Add(1)
	return credential.Credential{AccessToken: "fresh"}, nil
}

type harness struct {
	engine   *Engine
	session  *Session
	crm      *scriptedAdapter
	approver *MockApprovalHandler
	creds    *stubCreds
	fetches  *atomic.Int32
}

type harnessOptions struct {
	policy    func(*Policy)
	handler   ApprovalHandler
	churned   int
	hideCount bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	reg := service.NewMemoryRegistry(service.Descriptor{
		Key:      "crm-a",
		AuthKind: service.AuthOAuth2,
		Enabled:  true,
	})
	crm := &scriptedAdapter{Memory: adapter.NewMemory("crm-a", contactFixture(opts.churned))}
	adapters := adapter.NewRegistry()
	if opts.hideCount {
		require.NoError(t, adapters.Register("crm-a", uncountable{inner: crm}))
	} else {
		require.NoError(t, adapters.Register("crm-a", crm))
	}
	creds := &stubCreds{}

	fetches := &atomic.Int32{}
	fetcher := adapter.NewSchemaFetcher(adapters, creds)
	syncer, err := schema.NewSyncEngine(schema.SyncOptions{
		Services: reg,
		Cache:    schema.NewMemoryCache(),
		Fetcher: schema.FetcherFunc(func(ctx context.Context, key string) (schema.RawMetadata, error) {
			fetches.Add(1)
			return fetcher.Fetch(ctx, key)
		}),
	})
	require.NoError(t, err)

	sess, err := NewSession(SessionOptions{Credentials: creds, Schemas: syncer, Adapters: adapters})
	require.NoError(t, err)
	_, err = sess.Load(ctx, "crm-a")
	require.NoError(t, err)

	policy := DefaultPolicy()
	policy.BackoffMin = 0
	policy.BackoffMax = 0
	if opts.policy != nil {
		opts.policy(&policy)
	}

	approver, _ := opts.handler.(*MockApprovalHandler)
	handler := opts.handler
	if handler == nil {
		approver = &MockApprovalHandler{Decision: DecisionApproveOnce}
		handler = approver
	}

	engine, err := New(Config{Session: sess, Approvals: NewApprovalManager(handler), Policy: &policy})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &harness{
		engine:   engine,
		session:  sess,
		crm:      crm,
		approver: approver,
		creds:    creds,
		fetches:  fetches,
	}
}

func states(o Outcome) []ActionState {
	out := []ActionState{StateReceived}
	for _, tr := range o.Transitions {
		out = append(out, tr.To)
	}
	return out
}

// chanHandler hands each request to the test and waits for its decision.
type chanHandler struct {
	requests  chan ApprovalRequest
	decisions chan Decision
}

func newChanHandler() *chanHandler {
	return &chanHandler{requests: make(chan ApprovalRequest), decisions: make(chan Decision)}
}

func (h *chanHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	select {
	case h.requests <- req:
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
	select {
	case d := <-h.decisions:
		return ApprovalResponse{Decision: d}, nil
	case <-ctx.Done():
		return ApprovalResponse{}, ctx.Err()
	}
}
