// Package bucketing assigns callers to traffic cohorts during a canary
// rollout. Selection is a pure function over the caller identity and an
// already-fetched registry snapshot, so request handlers can call it
// concurrently with no locking.
package bucketing

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
)

// Bucket hashes a caller identity into a stable value in [0,1). The same
// identity always lands in the same bucket, so a caller's experience does not
// flicker between canary and stable across requests.
func Bucket(callerID string) float64 {
	sum := sha256.Sum256([]byte(callerID))
	v := binary.BigEndian.Uint32(sum[:4])
	return float64(v) / float64(0xFFFFFFFF)
}

// SelectVersion returns the model version that should serve callerID given
// the active rollout state. Callers whose bucket falls below the rollout
// ratio are in the canary cohort; everyone else gets the predecessor. When no
// predecessor is recorded we fail open to the only known-good version.
func SelectVersion(callerID string, active registry.Snapshot) string {
	if active.RolloutRatio >= 1.0 {
		return active.ModelID
	}
	if Bucket(callerID) < active.RolloutRatio {
		return active.ModelID
	}
	if active.PrevModelID != "" {
		return active.PrevModelID
	}
	return active.ModelID
}
