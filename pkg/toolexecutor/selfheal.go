package toolexecutor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/NForce-ai/SDRbot/internal/tracing"
	"github.com/NForce-ai/SDRbot/pkg/crmerr"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

// selfHeal reacts to a schema mismatch by forcing one re-sync of the
// service. When the regenerated catalog has a tool for the same object and
// operation that accepts the original arguments, a retry is offered as a new
// action. The failed action itself is never changed.
func (e *Engine) selfHeal(ctx context.Context, action ProposedAction, tool toolgen.ToolDefinition, cause *crmerr.Error, policy Policy) *ProposedAction {
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	base := baseCorrelationID(action.CorrelationID)

	e.outcomesMu.Lock()
	n := e.healed[base]
	if n >= policy.SelfHealRetries {
		e.outcomesMu.Unlock()
		logger.Info().Int("resyncs", n).Msg("Self-heal retries spent, not re-syncing")
		return nil
	}
	e.healed[base] = n + 1
	e.outcomesMu.Unlock()

	logger.Info().
		Str("object", cause.Object).
		Str("field", cause.Field).
		Msg("Schema mismatch, forcing re-sync")
	res, catalog, err := e.session.Resync(ctx, tool.Service)
	if err != nil {
		logger.Warn().Err(err).Msg("Self-heal re-sync failed")
		return nil
	}
	if res.Stale {
		logger.Warn().Str("warning", res.Warning).Msg("Self-heal re-sync served a stale snapshot")
		return nil
	}

	next, ok := catalog.Find(tool.Object, tool.Operation)
	if !ok {
		logger.Info().Str("object", tool.Object).Msg("Object gone after re-sync, no retry offered")
		return nil
	}
	if cause.Field != "" {
		obj, ok := res.Snapshot.Object(tool.Object)
		if !ok {
			return nil
		}
		if _, ok := obj.Field(cause.Field); !ok {
			logger.Info().Str("field", cause.Field).Msg("Field still unknown after re-sync, no retry offered")
			return nil
		}
	}
	if _, err := e.session.validator.Validate(next, action.Args); err != nil {
		logger.Info().Err(err).Msg("Arguments incompatible with regenerated tool, no retry offered")
		return nil
	}

	retryID := base + ":retry"
	if n > 0 {
		retryID = fmt.Sprintf("%s:retry%d", base, n+1)
	}
	retry := ProposedAction{
		CorrelationID: retryID,
		Tool:          next.Name,
		Args:          cloneArgs(action.Args),
	}
	logger.Info().Str("retry_id", retryID).Msg("Offering retry after schema re-sync")
	return &retry
}
