package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superlion8/brand-camera-sub004/internal/credits"
	"github.com/superlion8/brand-camera-sub004/internal/models"
)

var balanceCols = []string{"account_id", "daily", "daily_date", "subscription", "signup", "admin_grant", "purchased", "created_at", "updated_at"}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func balanceRow(accountID string, daily int, dailyDate any, subscription, signup, adminGrant, purchased int) *sqlmock.Rows {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(balanceCols).AddRow(accountID, daily, dailyDate, subscription, signup, adminGrant, purchased, now, now)
}

func TestCreditRepositoryGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM credit_balances WHERE account_id = \?`).
		WithArgs("acc-1").
		WillReturnRows(balanceRow("acc-1", 2, "2026-10-15", 1, 3, 0, 5))
	mock.ExpectQuery(`SELECT (.+) FROM credit_balances WHERE account_id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(balanceCols))

	b, err := repo.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "2026-10-15", b.DailyDate)
	assert.Equal(t, 5, b.Purchased)

	b, err = repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestCreditRepositoryEnsure(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectExec(`INSERT IGNORE INTO credit_balances`).
		WithArgs("acc-new", credits.SignupDefault).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT (.+) FROM credit_balances`).
		WithArgs("acc-new").
		WillReturnRows(balanceRow("acc-new", 0, nil, 0, credits.SignupDefault, 0, 0))

	b, created, err := repo.Ensure(context.Background(), "acc-new", credits.SignupDefault)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, credits.SignupDefault, b.Signup)
	assert.Empty(t, b.DailyDate)
}

func TestCreditRepositoryMutateLocksAndUpdates(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)
	today := "2026-10-15"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM credit_balances WHERE account_id = \? FOR UPDATE`).
		WithArgs("acc-1").
		WillReturnRows(balanceRow("acc-1", 2, today, 0, 3, 0, 5))
	mock.ExpectExec(`UPDATE credit_balances`).
		WithArgs(0, today, 0, 1, 0, 5, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := repo.Mutate(context.Background(), "acc-1", func(cur models.CreditBalance) (models.CreditBalance, error) {
		return credits.Consume(cur, 4, today)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Daily)
	assert.Equal(t, 1, b.Signup)
	assert.Equal(t, 5, b.Purchased)
}

func TestCreditRepositoryMutateRollsBackOnLedgerError(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("acc-1").
		WillReturnRows(balanceRow("acc-1", 0, nil, 0, 3, 0, 0))
	mock.ExpectRollback()

	_, err := repo.Mutate(context.Background(), "acc-1", func(cur models.CreditBalance) (models.CreditBalance, error) {
		return credits.Consume(cur, 5, "2026-10-15")
	})
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
}

func TestCreditRepositoryMutateSkipsUnchangedRow(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)
	today := "2026-10-15"

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("acc-1").
		WillReturnRows(balanceRow("acc-1", 5, today, 0, 0, 0, 0))
	mock.ExpectCommit()

	var credited bool
	b, err := repo.Mutate(context.Background(), "acc-1", func(cur models.CreditBalance) (models.CreditBalance, error) {
		next, ok := credits.ClaimDaily(cur, today, 5)
		credited = ok
		return next, nil
	})
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Equal(t, 5, b.Daily)
}

func TestCreditRepositoryMutateMissingAccount(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(balanceCols))
	mock.ExpectRollback()

	_, err := repo.Mutate(context.Background(), "ghost", func(cur models.CreditBalance) (models.CreditBalance, error) {
		return cur, nil
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestApplyBillingEventOnce(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)

	event := &models.BillingEvent{Provider: "stripe", ProviderEventID: "evt_1", AccountID: "acc-1", Pool: models.PoolSubscription, Credits: 30}
	grant := func(cur models.CreditBalance) (models.CreditBalance, error) {
		return credits.Grant(cur, event.Pool, event.Credits)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO billing_events`).
		WithArgs("stripe", "evt_1", "acc-1", models.PoolSubscription, 30, "").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("acc-1").WillReturnRows(balanceRow("acc-1", 0, nil, 0, 5, 0, 0))
	mock.ExpectExec(`UPDATE credit_balances`).
		WithArgs(0, nil, 30, 5, 0, 0, "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, applied, err := repo.ApplyBillingEvent(context.Background(), event, grant)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 30, b.Subscription)
	assert.Equal(t, int64(7), event.ID)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO billing_events`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()
	mock.ExpectQuery(`SELECT (.+) FROM credit_balances`).
		WithArgs("acc-1").
		WillReturnRows(balanceRow("acc-1", 0, nil, 30, 5, 0, 0))

	b, applied, err = repo.ApplyBillingEvent(context.Background(), event, grant)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 30, b.Subscription)
}

func TestApplyBillingEventInsertFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCreditRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO billing_events`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := repo.ApplyBillingEvent(context.Background(), &models.BillingEvent{Provider: "p", ProviderEventID: "e", AccountID: "a"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert billing event")
}
