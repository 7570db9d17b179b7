package main

import (
	"context"
	"errors"
	"time"

	"github.com/AJDIGITALllc/worksie/pkg/audit"
	"github.com/AJDIGITALllc/worksie/pkg/registry"
	"github.com/AJDIGITALllc/worksie/pkg/structlog"
)

// Controller owns the promote/rollback/clamp transitions and enforces the
// single-active invariant through the store's transactions. Conflicting
// transitions are retried a bounded number of times before the conflict is
// surfaced to the caller.
type Controller struct {
	store       Store
	guard       *Guard
	audit       audit.Emitter
	logger      *structlog.Logger
	maxAttempts int
	backoff     time.Duration
}

func NewController(store Store, guard *Guard, emitter audit.Emitter, logger *structlog.Logger) *Controller {
	if emitter == nil {
		emitter = audit.LogEmitter{}
	}
	return &Controller{
		store:       store,
		guard:       guard,
		audit:       emitter,
		logger:      logger,
		maxAttempts: 3,
		backoff:     50 * time.Millisecond,
	}
}

// Promote activates modelID at the given rollout ratio. Promoting the model
// that is already active only updates its ratio (the clamp transition) so the
// registry never passes through a zero-active state. The returned warning is
// non-empty when the guard allowed an unchecked promotion.
func (c *Controller) Promote(ctx context.Context, modelID string, ratio float64, requestedBy, notes string) (*registry.PromoteResult, string, error) {
	target, err := c.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, "", err
	}

	warning, err := c.guard.CheckPromotable(target)
	if err != nil {
		c.logger.Warn(ctx, "promotion rejected by guard", structlog.Fields{
			"model_id": modelID, "requested_by": requestedBy, "reason": err.Error(),
		})
		return nil, "", err
	}
	if warning != "" {
		c.logger.Warn(ctx, "promotion guard warning", structlog.Fields{
			"model_id": modelID, "warning": warning,
		})
	}

	ratio = registry.ClampRatio(ratio)

	var result *registry.PromoteResult
	var evt audit.Event
	err = c.withConflictRetry(ctx, func() error {
		active, err := c.store.ActiveModel(ctx)
		if err != nil && !errors.Is(err, registry.ErrNoActiveModel) {
			return err
		}

		if active != nil && active.ID == modelID {
			// Clamp: the active flags and predecessor link stay untouched.
			if err := c.store.UpdateRatio(ctx, modelID, ratio, notes); err != nil {
				return err
			}
			result = &registry.PromoteResult{
				ActiveModelID: modelID,
				PrevModelID:   active.PrevModelID,
				RolloutRatio:  ratio,
			}
			evt = audit.Event{
				Type:         audit.EventClamp,
				ModelID:      modelID,
				PrevModelID:  active.PrevModelID,
				RolloutRatio: ratio,
				RequestedBy:  requestedBy,
				Notes:        notes,
			}
			return nil
		}

		prevID := ""
		if active != nil {
			prevID = active.ID
		}
		if err := c.store.PromoteExclusive(ctx, modelID, ratio, prevID, notes); err != nil {
			return err
		}
		result = &registry.PromoteResult{
			ActiveModelID: modelID,
			PrevModelID:   prevID,
			RolloutRatio:  ratio,
		}
		evt = audit.Event{
			Type:         audit.EventPromote,
			ModelID:      modelID,
			PrevModelID:  prevID,
			RolloutRatio: ratio,
			RequestedBy:  requestedBy,
			Notes:        notes,
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	c.audit.Record(ctx, evt)
	c.logger.Info(ctx, "model promoted", structlog.Fields{
		"model_id": result.ActiveModelID, "prev_model_id": result.PrevModelID,
		"rollout_ratio": result.RolloutRatio, "requested_by": requestedBy,
	})
	return result, warning, nil
}

// Rollback deactivates the current active model and lands the target at full
// traffic. With no explicit target the active record's recorded predecessor
// is used. There is no partial-ratio rollback.
func (c *Controller) Rollback(ctx context.Context, toModelID, requestedBy string) (*registry.RollbackResult, error) {
	var result *registry.RollbackResult
	err := c.withConflictRetry(ctx, func() error {
		active, err := c.store.ActiveModel(ctx)
		if err != nil {
			return err
		}

		target := toModelID
		if target == "" {
			target = active.PrevModelID
		}
		if target == "" {
			return registry.ErrNoRollbackTarget
		}
		if _, err := c.store.GetModel(ctx, target); err != nil {
			return err
		}

		if err := c.store.SwapActive(ctx, active.ID, target); err != nil {
			return err
		}
		result = &registry.RollbackResult{ActiveModelID: target, RolledBackFrom: active.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.audit.Record(ctx, audit.Event{
		Type:         audit.EventRollback,
		ModelID:      result.ActiveModelID,
		PrevModelID:  result.RolledBackFrom,
		RolloutRatio: 1.0,
		RequestedBy:  requestedBy,
	})
	c.logger.Info(ctx, "model rolled back", structlog.Fields{
		"model_id": result.ActiveModelID, "rolled_back_from": result.RolledBackFrom,
		"requested_by": requestedBy,
	})
	return result, nil
}

// withConflictRetry re-runs fn on ErrStoreConflict so a transition losing a
// serialization race re-reads the registry and re-decides. All other errors
// pass through.
func (c *Controller) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff << uint(attempt-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if !errors.Is(err, registry.ErrStoreConflict) {
			return err
		}
	}
	return err
}
