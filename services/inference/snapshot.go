package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
)

// SnapshotSource resolves the current rollout snapshot for the serving path.
type SnapshotSource interface {
	Active(ctx context.Context) (registry.Snapshot, error)
}

// CachedSnapshotSource reads the active model row from Postgres and caches the
// snapshot in redis so the serving hot path does not hit the control database
// on every request. When both the cache and the database are unavailable it
// falls back to the last snapshot it successfully resolved, keeping the
// gateway serving through short control-plane outages.
type CachedSnapshotSource struct {
	db       *sql.DB
	rdb      *redis.Client
	cacheKey string
	ttl      time.Duration

	mu       sync.RWMutex
	lastGood registry.Snapshot
	haveLast bool
}

func NewCachedSnapshotSource(db *sql.DB, rdb *redis.Client, cacheKey string, ttl time.Duration) *CachedSnapshotSource {
	if cacheKey == "" {
		cacheKey = "worksie:active_snapshot"
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedSnapshotSource{db: db, rdb: rdb, cacheKey: cacheKey, ttl: ttl}
}

func (s *CachedSnapshotSource) Active(ctx context.Context) (registry.Snapshot, error) {
	if s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, s.cacheKey).Bytes(); err == nil {
			var snap registry.Snapshot
			if err := json.Unmarshal(raw, &snap); err == nil && snap.ModelID != "" {
				s.remember(snap)
				return snap, nil
			}
		}
	}

	snap, err := s.queryActive(ctx)
	if err != nil {
		if last, ok := s.last(); ok {
			return last, nil
		}
		return registry.Snapshot{}, err
	}
	s.remember(snap)

	if s.rdb != nil {
		if raw, err := json.Marshal(snap); err == nil {
			// Best effort: a failed cache write just means the next
			// request re-reads Postgres.
			s.rdb.Set(ctx, s.cacheKey, raw, s.ttl)
		}
	}
	return snap, nil
}

func (s *CachedSnapshotSource) queryActive(ctx context.Context) (registry.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT model_id, rollout_ratio, COALESCE(prev_model_id, '')
		FROM model_registry WHERE is_active LIMIT 1`)
	var snap registry.Snapshot
	if err := row.Scan(&snap.ModelID, &snap.RolloutRatio, &snap.PrevModelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Snapshot{}, registry.ErrNoActiveModel
		}
		return registry.Snapshot{}, fmt.Errorf("query active model: %w", err)
	}
	return snap, nil
}

func (s *CachedSnapshotSource) remember(snap registry.Snapshot) {
	s.mu.Lock()
	s.lastGood = snap
	s.haveLast = true
	s.mu.Unlock()
}

func (s *CachedSnapshotSource) last() (registry.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastGood, s.haveLast
}

// LatencyRecorder persists per-request latency samples for the ops summary.
type LatencyRecorder struct {
	db *sql.DB
}

func NewLatencyRecorder(db *sql.DB) *LatencyRecorder { return &LatencyRecorder{db: db} }

func (r *LatencyRecorder) Record(ctx context.Context, modelVersion string, elapsedMs float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latency_observations (observed_at, model_version, elapsed_ms)
		VALUES (now(), $1, $2)`, modelVersion, elapsedMs)
	if err != nil {
		return fmt.Errorf("record latency: %w", err)
	}
	return nil
}
