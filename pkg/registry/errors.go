package registry

import (
	"errors"
	"fmt"
)

// Terminal errors are surfaced verbatim to the command's caller. Conflict and
// timeout errors are retryable with bounded backoff.
var (
	ErrModelNotFound    = errors.New("model not found in registry")
	ErrNoActiveModel    = errors.New("no active model")
	ErrNoRollbackTarget = errors.New("no rollback target recorded")
	ErrStoreConflict    = errors.New("registry transaction conflict")
	ErrUpstreamTimeout  = errors.New("upstream call exceeded deadline")
)

// GuardError reports a promotion budget violation. It is terminal for the
// promote command that triggered the check.
type GuardError struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Budget float64 `json:"budget"`
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("metric %s=%.6g exceeds budget %.6g", e.Metric, e.Value, e.Budget)
}

// IsRetryable reports whether the caller should retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrUpstreamTimeout)
}
