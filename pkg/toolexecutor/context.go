package toolexecutor

import "context"

type actionContextKey struct{}

// ContextWithAction attaches the action being executed so adapters can read it.
func ContextWithAction(ctx context.Context, action ProposedAction) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actionContextKey{}, action)
}

// ActionFromContext returns the action attached by the engine, if any.
func ActionFromContext(ctx context.Context) (ProposedAction, bool) {
	if ctx == nil {
		return ProposedAction{}, false
	}
	action, ok := ctx.Value(actionContextKey{}).(ProposedAction)
	return action, ok
}
