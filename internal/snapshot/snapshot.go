// Package snapshot is a consistency fence between asynchronous aggregate
// writers and synchronous read-time decisions. Consumers that compare costs
// against baselines read only snapshots whose status is complete; raw
// streaming records are never on the decision path. Recomputation supersedes
// a complete snapshot with a higher version, never mutates it.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourorg/convoy/internal/domain"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusComputing Status = "computing"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

type Snapshot struct {
	ID           int64
	TenantID     string
	SnapshotType string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Status       Status
	Version      int
	CreatedAt    time.Time
}

// Aggregate is a per-entity rollup, child of exactly one complete snapshot.
type Aggregate struct {
	EntityType   string
	EntityID     string
	TotalCost    int64
	RequestCount int64
}

// Baseline is a rolling per-entity average. One row per
// (entity, window) is current at a time; superseded rows are demoted, not
// deleted, so history stays replayable.
type Baseline struct {
	EntityType   string
	EntityID     string
	WindowDays   int
	AvgDailyCost float64
	IsCurrent    bool
}

// ComputeResult is what a computation produces for one snapshot.
type ComputeResult struct {
	Aggregates []Aggregate
	Baselines  []Baseline
}

// ComputeFunc materializes aggregates and baselines for the snapshot's
// period. It must read from the raw stores itself; the barrier only owns the
// status machine around it.
type ComputeFunc func(ctx context.Context, snap Snapshot) (ComputeResult, error)

// Store owns all snapshot status transitions. Everything else in the system
// is read-only against these tables.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Begin inserts a pending snapshot for (tenant, type, period). Recomputing an
// existing period allocates the next version instead of touching prior rows.
func (s *Store) Begin(ctx context.Context, tenantID, snapshotType string, periodStart, periodEnd time.Time) (Snapshot, error) {
	snap := Snapshot{
		TenantID:     tenantID,
		SnapshotType: snapshotType,
		PeriodStart:  periodStart,
		PeriodEnd:    periodEnd,
		Status:       StatusPending,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cost_snapshots
			(tenant_id, snapshot_type, period_start, period_end, status, version)
		VALUES ($1, $2, $3, $4, 'pending',
			COALESCE((
				SELECT MAX(version) + 1 FROM cost_snapshots
				WHERE tenant_id = $1 AND snapshot_type = $2 AND period_start = $3
			), 1))
		RETURNING id, version, created_at`,
		tenantID, snapshotType, periodStart, periodEnd,
	).Scan(&snap.ID, &snap.Version, &snap.CreatedAt)
	return snap, err
}

// Compute runs fn for a pending snapshot and publishes the result. The
// children and the flip to complete commit in one transaction, so a consumer
// can never observe a complete snapshot with partial aggregates. A failed fn
// leaves a failed snapshot behind for inspection; it is never returned by
// LatestComplete.
func (s *Store) Compute(ctx context.Context, snapshotID int64, fn ComputeFunc) error {
	// Fence: only pending snapshots may start computing, and only once.
	tag, err := s.pool.Exec(ctx, `
		UPDATE cost_snapshots SET status = 'computing'
		WHERE id = $1 AND status = 'pending'`, snapshotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSnapshotNotPending
	}

	snap, err := s.byID(ctx, snapshotID)
	if err != nil {
		return err
	}

	result, err := fn(ctx, snap)
	if err != nil {
		if _, failErr := s.pool.Exec(ctx, `
			UPDATE cost_snapshots SET status = 'failed'
			WHERE id = $1 AND status = 'computing'`, snapshotID); failErr != nil {
			s.logger.Error("snapshot failure not recorded",
				"snapshot_id", snapshotID, "err", failErr)
		}
		return err
	}

	return s.publish(ctx, snap, result)
}

func (s *Store) publish(ctx context.Context, snap Snapshot, result ComputeResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, agg := range result.Aggregates {
		_, err = tx.Exec(ctx, `
			INSERT INTO cost_snapshot_aggregates
				(snapshot_id, entity_type, entity_id, total_cost, request_count)
			VALUES ($1, $2, $3, $4, $5)`,
			snap.ID, agg.EntityType, agg.EntityID, agg.TotalCost, agg.RequestCount)
		if err != nil {
			return err
		}
	}

	for _, b := range result.Baselines {
		// Demote the previous current row inside the same transaction so the
		// partial unique index never sees two current rows.
		_, err = tx.Exec(ctx, `
			UPDATE cost_snapshot_baselines SET is_current = FALSE
			WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			  AND window_days = $4 AND is_current`,
			snap.TenantID, b.EntityType, b.EntityID, b.WindowDays)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cost_snapshot_baselines
				(tenant_id, entity_type, entity_id, window_days, avg_daily_cost, is_current)
			VALUES ($1, $2, $3, $4, $5, TRUE)`,
			snap.TenantID, b.EntityType, b.EntityID, b.WindowDays, b.AvgDailyCost)
		if err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE cost_snapshots SET status = 'complete'
		WHERE id = $1 AND status = 'computing'`, snap.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSnapshotNotPending
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.logger.Info("snapshot complete",
		"snapshot_id", snap.ID,
		"tenant_id", snap.TenantID,
		"period_start", snap.PeriodStart,
		"version", snap.Version,
		"aggregates", len(result.Aggregates),
		"baselines", len(result.Baselines))
	return nil
}

const snapshotColumns = `
	id, tenant_id, snapshot_type, period_start, period_end, status, version, created_at`

// LatestComplete returns the newest complete snapshot whose period start
// falls within [from, to]. In-progress recomputations are invisible; when
// nothing complete exists the caller gets domain.ErrNoSnapshot and must
// refuse to decide rather than fall back to raw data.
func (s *Store) LatestComplete(ctx context.Context, tenantID, snapshotType string, from, to time.Time) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM cost_snapshots
		WHERE tenant_id = $1
		  AND snapshot_type = $2
		  AND period_start BETWEEN $3 AND $4
		  AND status = 'complete'
		ORDER BY period_start DESC, version DESC
		LIMIT 1`, tenantID, snapshotType, from, to,
	).Scan(&snap.ID, &snap.TenantID, &snap.SnapshotType, &snap.PeriodStart,
		&snap.PeriodEnd, &snap.Status, &snap.Version, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, domain.ErrNoSnapshot
	}
	return snap, err
}

func (s *Store) byID(ctx context.Context, id int64) (Snapshot, error) {
	var snap Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+`
		FROM cost_snapshots WHERE id = $1`, id,
	).Scan(&snap.ID, &snap.TenantID, &snap.SnapshotType, &snap.PeriodStart,
		&snap.PeriodEnd, &snap.Status, &snap.Version, &snap.CreatedAt)
	return snap, err
}

// Aggregates returns the per-entity rollups of a snapshot.
func (s *Store) Aggregates(ctx context.Context, snapshotID int64) ([]Aggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, total_cost, request_count
		FROM cost_snapshot_aggregates
		WHERE snapshot_id = $1
		ORDER BY entity_type, entity_id`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aggs []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.EntityType, &a.EntityID, &a.TotalCost, &a.RequestCount); err != nil {
			return nil, err
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

// CurrentBaselines returns the tenant's current rolling baselines.
func (s *Store) CurrentBaselines(ctx context.Context, tenantID string) ([]Baseline, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, window_days, avg_daily_cost, is_current
		FROM cost_snapshot_baselines
		WHERE tenant_id = $1 AND is_current
		ORDER BY entity_type, entity_id, window_days`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var baselines []Baseline
	for rows.Next() {
		var b Baseline
		if err := rows.Scan(&b.EntityType, &b.EntityID, &b.WindowDays, &b.AvgDailyCost, &b.IsCurrent); err != nil {
			return nil, err
		}
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}
