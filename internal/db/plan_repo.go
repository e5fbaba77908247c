package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"planguard/internal/types"
)

// PlanRepo manages the plan_records table, the single per-user source of
// truth for entitlement.
//
// Key invariants:
//   - Save uses optimistic locking via last_event_at so out-of-order provider
//     webhooks can never regress the record to older state.
//   - GetOrCreate lazily provisions the default free record on first touch.
type PlanRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewPlanRepo creates a new PlanRepo backed by the given database connection
// (pool or transaction).
func NewPlanRepo(db DBTX, logger *slog.Logger) *PlanRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanRepo{db: db, logger: logger}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *PlanRepo) WithTx(tx DBTX) *PlanRepo {
	return &PlanRepo{db: tx, logger: r.logger}
}

// planColumns defines the standard set of columns selected for plan queries.
// Used consistently across all query methods to avoid column drift.
const planColumns = `user_id, tier, tier_expires_at, subscription, last_event_at, created_at, updated_at`

// scanPlan scans a single plan row into a types.PlanRecord.
// The columns must match the order defined in planColumns.
func scanPlan(row pgx.Row) (*types.PlanRecord, error) {
	var rec types.PlanRecord
	err := row.Scan(
		&rec.UserID,
		&rec.Tier,
		&rec.TierExpiresAt,
		&rec.Subscription,
		&rec.LastEventAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByUserID retrieves a plan record by user ID.
// Returns ErrCodeNotFoundPlan if no record exists.
func (r *PlanRepo) GetByUserID(ctx context.Context, userID string) (*types.PlanRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+`
		 FROM plan_records
		 WHERE user_id = $1`,
		userID,
	)

	rec, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan record not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan record", err)
	}
	return rec, nil
}

// GetOrCreate retrieves the plan record for a user, lazily inserting the
// default free record when none exists. The insert is race-safe via
// ON CONFLICT DO NOTHING followed by a re-read.
func (r *PlanRepo) GetOrCreate(ctx context.Context, userID string, now time.Time) (*types.PlanRecord, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO plan_records (user_id, tier, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		types.TierFree,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to provision plan record", err)
	}

	return r.GetByUserID(ctx, userID)
}

// Save persists the full state of a plan record produced by a lifecycle
// transition.
//
// Optimistic locking: the write only applies when eventTimestamp is at least
// the stored last_event_at. Equal timestamps pass the guard because provider
// clocks have one-second resolution and a renewal emits distinct events in
// the same second; transitions re-derive state so applying them in either
// order converges. A strictly older event is a silent idempotent no-op; Save
// returns applied=false so callers can record the outcome.
func (r *PlanRepo) Save(ctx context.Context, rec *types.PlanRecord, eventTimestamp time.Time) (applied bool, err error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE plan_records
		 SET tier = $1,
		     tier_expires_at = $2,
		     subscription = $3,
		     last_event_at = $4,
		     updated_at = NOW()
		 WHERE user_id = $5
		   AND (last_event_at IS NULL OR last_event_at <= $4)`,
		rec.Tier,
		rec.TierExpiresAt,
		rec.Subscription,
		eventTimestamp,
		rec.UserID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to save plan record", err)
	}

	if tag.RowsAffected() == 0 {
		// Event is older than what we already have.
		r.logger.InfoContext(ctx, "stale lifecycle event ignored (optimistic lock)",
			slog.String("user_id", rec.UserID),
			slog.Time("event_timestamp", eventTimestamp),
		)
		return false, nil
	}

	return true, nil
}

// Downgrade sets the record back to the free tier, clearing the lapsed
// expiry entry while preserving the subscription snapshot for audit. Used by
// the expiration sweeper. The guard timestamp prevents racing a concurrent
// webhook write: the downgrade only applies if the record has not been
// touched since the sweeper read it.
func (r *PlanRepo) Downgrade(ctx context.Context, rec *types.PlanRecord) (applied bool, err error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE plan_records
		 SET tier = $1,
		     tier_expires_at = $2,
		     subscription = $3,
		     updated_at = NOW()
		 WHERE user_id = $4
		   AND updated_at = $5`,
		types.TierFree,
		rec.TierExpiresAt,
		rec.Subscription,
		rec.UserID,
		rec.UpdatedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to downgrade plan record", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "downgrade skipped, record changed concurrently",
			slog.String("user_id", rec.UserID),
		)
		return false, nil
	}

	return true, nil
}

// ListPaidRecords returns a keyset-paginated batch of records holding a paid
// tier, ordered by user_id. Pass the last user ID of the previous batch as
// the cursor; an empty cursor starts from the beginning. Used by the sweeper
// to scan without loading the whole table.
func (r *PlanRepo) ListPaidRecords(ctx context.Context, cursor string, limit int) ([]*types.PlanRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+`
		 FROM plan_records
		 WHERE tier <> $1
		   AND user_id > $2
		 ORDER BY user_id
		 LIMIT $3`,
		types.TierFree,
		cursor,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list paid plan records", err)
	}
	defer rows.Close()

	var records []*types.PlanRecord
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate plan records", err)
	}

	return records, nil
}
