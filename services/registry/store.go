package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the typed registry access the controller needs. The Postgres
// implementation keeps each method a single transaction; the decision of
// which transition to apply lives in the controller.
type Store interface {
	GetModel(ctx context.Context, id string) (*registry.ModelRecord, error)
	ActiveModel(ctx context.Context) (*registry.ModelRecord, error)
	RegisterModel(ctx context.Context, rec *registry.ModelRecord) error
	// PromoteExclusive deactivates prevActiveID (empty for bootstrap) and
	// activates targetID with the given ratio in one transaction. Fails with
	// ErrStoreConflict when the active set changed since the caller read it.
	PromoteExclusive(ctx context.Context, targetID string, ratio float64, prevActiveID, notes string) error
	// UpdateRatio changes the rollout ratio of the currently active record
	// without touching the active flags (the clamp transition).
	UpdateRatio(ctx context.Context, activeID string, ratio float64, notes string) error
	// SwapActive deactivates fromID at ratio 0 and activates toID at full
	// traffic in one transaction (the rollback transition).
	SwapActive(ctx context.Context, fromID, toID string) error
	LatencySeries(ctx context.Context, window time.Duration) ([]LatencyPoint, error)
}

// LatencyPoint is one per-minute p95 sample for the ops summary.
type LatencyPoint struct {
	Ts  int64 `json:"ts"`
	P95 int64 `json:"p95Ms"`
}

// PostgresStore backs the registry with the control-plane Postgres database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, runs pending migrations, and returns the store.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the pool for components that share the control database.
func (s *PostgresStore) DB() *sql.DB { return s.db }

const modelColumns = `model_id, is_active, rollout_ratio, COALESCE(prev_model_id, ''), metrics, notes, created_at, updated_at`

func scanModel(row interface{ Scan(...any) error }) (*registry.ModelRecord, error) {
	var rec registry.ModelRecord
	var metricsJSON []byte
	err := row.Scan(&rec.ID, &rec.IsActive, &rec.RolloutRatio, &rec.PrevModelID,
		&metricsJSON, &rec.Notes, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &rec.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*registry.ModelRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM model_registry WHERE model_id = $1`, id)
	rec, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrModelNotFound
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

func (s *PostgresStore) ActiveModel(ctx context.Context) (*registry.ModelRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM model_registry WHERE is_active LIMIT 1`)
	rec, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNoActiveModel
	}
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

func (s *PostgresStore) RegisterModel(ctx context.Context, rec *registry.ModelRecord) error {
	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	if rec.Metrics == nil {
		metricsJSON = []byte(`{}`)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_registry (model_id, is_active, rollout_ratio, metrics, notes)
		 VALUES ($1, FALSE, 0, $2, $3)
		 ON CONFLICT (model_id) DO UPDATE SET metrics = EXCLUDED.metrics, notes = EXCLUDED.notes, updated_at = NOW()`,
		rec.ID, metricsJSON, rec.Notes)
	return mapStoreErr(err)
}

func (s *PostgresStore) PromoteExclusive(ctx context.Context, targetID string, ratio float64, prevActiveID, notes string) error {
	return s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		// Re-check the active set under lock; a concurrent transition since
		// the caller's read is a conflict, not something to silently stomp.
		var currentActive sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT model_id FROM model_registry WHERE is_active LIMIT 1 FOR UPDATE`).Scan(&currentActive)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if currentActive.String != prevActiveID {
			return registry.ErrStoreConflict
		}

		if prevActiveID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE model_registry SET is_active = FALSE, updated_at = NOW() WHERE model_id = $1`,
				prevActiveID); err != nil {
				return err
			}
		}

		var prev any
		if prevActiveID != "" {
			prev = prevActiveID
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE model_registry
			 SET is_active = TRUE, rollout_ratio = $2, prev_model_id = $3, notes = $4, updated_at = NOW()
			 WHERE model_id = $1`,
			targetID, ratio, prev, notes)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return registry.ErrModelNotFound
		}
		return nil
	})
}

func (s *PostgresStore) UpdateRatio(ctx context.Context, activeID string, ratio float64, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE model_registry SET rollout_ratio = $2, notes = $3, updated_at = NOW()
		 WHERE model_id = $1 AND is_active`,
		activeID, ratio, notes)
	if err != nil {
		return mapStoreErr(err)
	}
	// Zero rows means the record stopped being active between the caller's
	// read and this write.
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrStoreConflict
	}
	return nil
}

func (s *PostgresStore) SwapActive(ctx context.Context, fromID, toID string) error {
	return s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE model_registry SET is_active = FALSE, rollout_ratio = 0, updated_at = NOW()
			 WHERE model_id = $1 AND is_active`, fromID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return registry.ErrStoreConflict
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE model_registry SET is_active = TRUE, rollout_ratio = 1, updated_at = NOW()
			 WHERE model_id = $1`, toID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return registry.ErrModelNotFound
		}
		return nil
	})
}

func (s *PostgresStore) LatencySeries(ctx context.Context, window time.Duration) ([]LatencyPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT EXTRACT(EPOCH FROM date_trunc('minute', observed_at))::bigint AS minute,
		        percentile_cont(0.95) WITHIN GROUP (ORDER BY elapsed_ms)::bigint AS p95
		 FROM latency_observations
		 WHERE observed_at > NOW() - $1::interval
		 GROUP BY minute ORDER BY minute`,
		fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, mapStoreErr(err)
	}
	defer rows.Close()

	var points []LatencyPoint
	for rows.Next() {
		var p LatencyPoint
		if err := rows.Scan(&p.Ts, &p.P95); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) withSerializableTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapStoreErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapStoreErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// mapStoreErr translates driver failures into the registry error taxonomy.
// Serialization failures and deadlocks are retryable conflicts; deadline
// expiry is a timeout the caller must not assume committed.
func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return registry.ErrStoreConflict
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return registry.ErrUpstreamTimeout
	}
	return err
}
