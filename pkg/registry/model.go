// Package registry defines the model registry data model shared by the
// control-plane services.
package registry

import "time"

// ModelRecord is one registered model version. Records are created by the
// training pipeline in an inactive state and are only ever mutated by
// promote/rollback/clamp transitions; they are never deleted here.
type ModelRecord struct {
	ID           string             `json:"modelId"`
	IsActive     bool               `json:"isActive"`
	RolloutRatio float64            `json:"rolloutRatio"`
	PrevModelID  string             `json:"prevModelId,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Notes        string             `json:"notes,omitempty"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Snapshot is the read-only view of the rollout state that serving paths
// consume. It carries only what the bucketing decision needs.
type Snapshot struct {
	ModelID      string  `json:"modelId"`
	RolloutRatio float64 `json:"rolloutRatio"`
	PrevModelID  string  `json:"prevModelId,omitempty"`
}

// PromoteResult is returned by a successful promote or clamp transition.
type PromoteResult struct {
	ActiveModelID string  `json:"activeModelId"`
	PrevModelID   string  `json:"prevModelId,omitempty"`
	RolloutRatio  float64 `json:"rolloutRatio"`
}

// RollbackResult is returned by a successful rollback transition.
type RollbackResult struct {
	ActiveModelID  string `json:"activeModelId"`
	RolledBackFrom string `json:"rolledBackFrom"`
}

// ClampRatio forces a rollout ratio into [0,1]. Out-of-range ratios are
// clamped rather than rejected.
func ClampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Snapshot converts an active record into its serving view.
func (m *ModelRecord) Snapshot() Snapshot {
	return Snapshot{
		ModelID:      m.ID,
		RolloutRatio: m.RolloutRatio,
		PrevModelID:  m.PrevModelID,
	}
}
