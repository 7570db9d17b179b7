package main

import (
	"context"
	"time"

	"github.com/AJDIGITALllc/worksie/pkg/alerts"
	"github.com/AJDIGITALllc/worksie/pkg/structlog"
)

// Outcome is the terminal state of one processed alert.
type Outcome string

const (
	OutcomeDryRunSuppressed Outcome = "dry_run_suppressed"
	OutcomeDebounced        Outcome = "debounced"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeClamped          Outcome = "clamped"
	OutcomeRolledBack       Outcome = "rolled_back"
	OutcomeFailed           Outcome = "failed"
)

// Watchdog turns SLO breach alerts into mitigation actions against the
// rollout controller, with debouncing so an alert storm triggers at most one
// mitigation per window.
type Watchdog struct {
	marker     MarkerStore
	classifier *alerts.Classifier
	mitigator  Mitigator
	window     time.Duration
	dryRun     bool
	logger     *structlog.Logger
	now        func() time.Time
}

func NewWatchdog(marker MarkerStore, classifier *alerts.Classifier, mitigator Mitigator, window time.Duration, dryRun bool, logger *structlog.Logger) *Watchdog {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Watchdog{
		marker:     marker,
		classifier: classifier,
		mitigator:  mitigator,
		window:     window,
		dryRun:     dryRun,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleAlert runs the per-alert state machine. A non-nil error means the
// mitigation attempt failed and the delivery mechanism should retry the
// alert; every other outcome is terminal.
func (w *Watchdog) HandleAlert(ctx context.Context, payload []byte) (Outcome, error) {
	// Dry-run suppression comes before everything else and leaves no trace
	// in the debounce marker.
	if w.dryRun {
		w.logger.Info(ctx, "dry-run: alert suppressed", structlog.Fields{
			"classified_as": w.classifier.Classify(payload).String(),
		})
		return OutcomeDryRunSuppressed, nil
	}

	now := w.now()
	last, set, err := w.marker.Last(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	if set && now.Sub(last) < w.window {
		w.logger.Info(ctx, "alert debounced", structlog.Fields{
			"last_mitigation_at": last, "window": w.window.String(),
		})
		return OutcomeDebounced, nil
	}

	kind := w.classifier.Classify(payload)
	if kind == alerts.Unrecognized {
		return OutcomeIgnored, nil
	}

	// The read above is only a fast path; the claim is the authoritative
	// compare-and-set. Two alerts racing through the same window lose here,
	// not at the mitigation call.
	claimed, prev, prevSet, err := w.marker.Claim(ctx, now, now.Add(-w.window))
	if err != nil {
		return OutcomeFailed, err
	}
	if !claimed {
		return OutcomeDebounced, nil
	}

	var mitErr error
	outcome := OutcomeClamped
	switch kind {
	case alerts.ErrorRateBreach:
		mitErr = w.mitigator.Clamp(ctx)
	case alerts.LatencyBreach:
		outcome = OutcomeRolledBack
		mitErr = w.mitigator.Rollback(ctx)
	}
	if mitErr != nil {
		// Give the window back so the next delivery may retry.
		if rerr := w.marker.Release(ctx, now, prev, prevSet); rerr != nil {
			w.logger.Error(ctx, "debounce marker release failed", structlog.Fields{"error": rerr.Error()})
		}
		w.logger.Error(ctx, "mitigation failed", structlog.Fields{
			"kind": kind.String(), "error": mitErr.Error(),
		})
		return OutcomeFailed, mitErr
	}

	w.logger.Info(ctx, "mitigation applied", structlog.Fields{"kind": kind.String(), "outcome": string(outcome)})
	return outcome, nil
}
