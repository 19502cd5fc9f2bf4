package toolexecutor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/internal/observability"
	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/adapter"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// invoke calls the adapter with a per-call timeout. auth_expired gets one
// credential refresh; rate limits, timeouts and retryable adapter failures
// are retried with backoff up to the policy's bounds. It returns the number
// of adapter calls made.
func (e *Engine) invoke(ctx context.Context, action ProposedAction, tool toolgen.ToolDefinition, args map[string]interface{}, policy Policy) (adapter.Result, int, error) {
	a, err := e.session.adapters.Get(tool.Service)
	if err != nil {
		return adapter.Result{}, 0, crmerr.Wrap(crmerr.KindNotConfigured, tool.Service, err)
	}
	cred, err := e.session.creds.Acquire(ctx, tool.Service)
	if err != nil {
		return adapter.Result{}, 0, err
	}

	call := adapter.Call{
		Service:       tool.Service,
		Tool:          tool.Name,
		Object:        tool.Object,
		Operation:     tool.Operation,
		Args:          args,
		CorrelationID: action.CorrelationID,
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var (
		refreshed   bool
		rateLimited int
		transient   int
	)
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ContextWithAction(ctx, action), policy.CallTimeout)
		res, err := a.Invoke(callCtx, call, cred)
		cancel()
		if err == nil {
			return res, attempt, nil
		}
		if ctx.Err() != nil {
			return adapter.Result{}, attempt, crmerr.Wrap(crmerr.KindCanceled, tool.Service, ctx.Err())
		}

		ce := crmerr.From(tool.Service, err)
		switch ce.Kind {
		case crmerr.KindAuthExpired:
			if refreshed {
				return adapter.Result{}, attempt, crmerr.New(crmerr.KindAuthFailed, tool.Service, "credential rejected after refresh; re-authenticate %s", tool.Service)
			}
			refreshed = true
			logger.Info().Msg("Access token rejected, refreshing")
			cred, err = e.session.creds.Refresh(ctx, tool.Service)
			if err != nil {
				return adapter.Result{}, attempt, err
			}
			continue

		case crmerr.KindRateLimited:
			rateLimited++
			if rateLimited > policy.MaxRateLimitRetries {
				return adapter.Result{}, attempt, ce
			}

		case crmerr.KindAdapterFailure, crmerr.KindTimeout:
			if !ce.Retryable {
				return adapter.Result{}, attempt, ce
			}
			transient++
			if transient > policy.MaxAdapterRetries {
				return adapter.Result{}, attempt, ce
			}

		default:
			return adapter.Result{}, attempt, ce
		}

		wait := policy.backoff(attempt, ce)
		observability.RecordToolRetry(tool.Service, string(ce.Kind))
		logger.Warn().
			Err(ce).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying tool call")
		if err := sleep(ctx, wait); err != nil {
			return adapter.Result{}, attempt, crmerr.Wrap(crmerr.KindCanceled, tool.Service, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
