package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"planguard/internal/types"
)

// scanProPlan populates the scan destinations with a pro-tier record backed
// by an active subscription.
func scanProPlan(userID string, now time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = userID
		*(dest[1].(*types.Tier)) = types.TierPro
		*(dest[2].(*types.ExpiryMap)) = nil
		*(dest[3].(**types.SubscriptionSnapshot)) = &types.SubscriptionSnapshot{
			SubscriptionID:   "sub_123",
			Provider:         types.ProviderStripe,
			Status:           types.SubStatusActive,
			CurrentPeriodEnd: now.Add(30 * 24 * time.Hour),
		}
		*(dest[4].(**time.Time)) = nil
		*(dest[5].(*time.Time)) = now
		*(dest[6].(*time.Time)) = now
		return nil
	}
}

func TestPlanRepo_GetByUserID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	now := time.Now().UTC()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: scanProPlan("user_1", now)})

	rec, err := repo.GetByUserID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", rec.UserID)
	assert.Equal(t, types.TierPro, rec.Tier)
	require.NotNil(t, rec.Subscription)
	assert.Equal(t, types.SubStatusActive, rec.Subscription.Status)
	db.AssertExpectations(t)
}

func TestPlanRepo_GetByUserID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByUserID(context.Background(), "user_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundPlan, appErr.Code)
}

func TestPlanRepo_GetOrCreate_InsertsDefault(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	now := time.Now().UTC()

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*(dest[0].(*string)) = "user_new"
			*(dest[1].(*types.Tier)) = types.TierFree
			*(dest[5].(*time.Time)) = now
			*(dest[6].(*time.Time)) = now
			return nil
		}})

	rec, err := repo.GetOrCreate(context.Background(), "user_new", now)
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, rec.Tier)
	assert.Nil(t, rec.Subscription)
	db.AssertExpectations(t)
}

func TestPlanRepo_Save_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	rec := &types.PlanRecord{UserID: "user_1", Tier: types.TierPlus}
	applied, err := repo.Save(context.Background(), rec, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	db.AssertExpectations(t)
}

func TestPlanRepo_Save_EqualTimestampPassesGuard(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	// Provider timestamps have one-second resolution, so two distinct events
	// for the same record can carry the same instant. The guard must not
	// strand the second one as stale.
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, "last_event_at <= $4")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	rec := &types.PlanRecord{UserID: "user_1", Tier: types.TierPro}
	applied, err := repo.Save(context.Background(), rec, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, applied)
	db.AssertExpectations(t)
}

func TestPlanRepo_Save_StaleEventIgnored(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	// Optimistic lock rejects the write: 0 rows affected.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	rec := &types.PlanRecord{UserID: "user_1", Tier: types.TierPlus}
	applied, err := repo.Save(context.Background(), rec, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPlanRepo_Save_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	rec := &types.PlanRecord{UserID: "user_1", Tier: types.TierPlus}
	_, err := repo.Save(context.Background(), rec, time.Now().UTC())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestPlanRepo_Downgrade_ConcurrentChangeSkipped(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	rec := &types.PlanRecord{UserID: "user_1", Tier: types.TierPro, UpdatedAt: time.Now().UTC()}
	applied, err := repo.Downgrade(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPlanRepo_ListPaidRecords(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepo(db, nil)

	now := time.Now().UTC()
	rows := newMockRows(
		scanProPlan("user_a", now),
		scanProPlan("user_b", now),
	)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	records, err := repo.ListPaidRecords(context.Background(), "", 100)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "user_a", records[0].UserID)
	assert.Equal(t, "user_b", records[1].UserID)
	assert.True(t, rows.closed)
}
