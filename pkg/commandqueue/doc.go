// Package commandqueue serializes conflicting writes while letting
// unrelated work run concurrently.
//
// Invariants:
// - Tasks whose scopes conflict execute one at a time in arrival order.
// - Tasks whose scopes do not conflict may execute concurrently.
// - A whole-object scope conflicts with every scope on the same object.
// - Queue activity is observable through metrics.
//
// Usage:
//
//	q := commandqueue.New()
//	defer q.Close()
//	v, err := q.Do(ctx, commandqueue.Records("crm-a", "Contact", "c1"), func(ctx context.Context) (interface{}, error) {
//		return adapter.Invoke(ctx, call, cred)
//	})
package commandqueue
