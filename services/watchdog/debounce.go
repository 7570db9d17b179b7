package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// MarkerStore is the singleton debounce marker. Claim must be a conditional
// atomic write: under concurrent alert delivery at most one claim per window
// may succeed, which is what keeps a storm of correlated alerts from firing
// repeated mitigations.
type MarkerStore interface {
	// Last returns the last mitigation time and whether one is recorded.
	Last(ctx context.Context) (time.Time, bool, error)
	// Claim sets the marker to now iff the previous value is older than the
	// cutoff. It reports whether the claim won and the value it replaced.
	Claim(ctx context.Context, now, cutoff time.Time) (claimed bool, prev time.Time, prevSet bool, err error)
	// Release reverts a claim after a failed mitigation so the next alert may
	// retry. It only reverts if no newer claim has landed since.
	Release(ctx context.Context, claimedAt, prev time.Time, prevSet bool) error
}

// PostgresMarker stores the marker as the single row of mitigation_state in
// the control database.
type PostgresMarker struct {
	db *sql.DB
}

func NewPostgresMarker(databaseURL string) (*PostgresMarker, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresMarker{db: db}, nil
}

func (m *PostgresMarker) Close() error { return m.db.Close() }

func (m *PostgresMarker) Last(ctx context.Context) (time.Time, bool, error) {
	var last sql.NullTime
	err := m.db.QueryRowContext(ctx,
		`SELECT last_mitigation_at FROM mitigation_state WHERE id = 1`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return last.Time, last.Valid, nil
}

func (m *PostgresMarker) Claim(ctx context.Context, now, cutoff time.Time) (bool, time.Time, bool, error) {
	// Single conditional UPDATE: the row lock makes the compare-and-set
	// atomic, so two concurrent claims cannot both observe the stale value.
	var prev sql.NullTime
	err := m.db.QueryRowContext(ctx,
		`UPDATE mitigation_state ms SET last_mitigation_at = $1
		 FROM (SELECT last_mitigation_at AS prev FROM mitigation_state WHERE id = 1 FOR UPDATE) old
		 WHERE ms.id = 1 AND (old.prev IS NULL OR old.prev <= $2)
		 RETURNING old.prev`,
		now, cutoff).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return false, time.Time{}, false, nil
	}
	if err != nil {
		return false, time.Time{}, false, err
	}
	return true, prev.Time, prev.Valid, nil
}

func (m *PostgresMarker) Release(ctx context.Context, claimedAt, prev time.Time, prevSet bool) error {
	var prevArg any
	if prevSet {
		prevArg = prev
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE mitigation_state SET last_mitigation_at = $1
		 WHERE id = 1 AND last_mitigation_at = $2`,
		prevArg, claimedAt)
	return err
}
