package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

var ErrAccountNotFound = errors.New("credit account not found")

// LedgerFunc computes the next balance from the locked current one. Returning an
// error rolls the transaction back and leaves the row untouched.
type LedgerFunc func(current models.CreditBalance) (models.CreditBalance, error)

// CreditRepository stores one credit_balances row per account. Every mutation
// runs inside a transaction holding the row lock.
type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

const balanceColumns = `account_id, daily, DATE_FORMAT(daily_date, '%Y-%m-%d'), subscription, signup, admin_grant, purchased, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*models.CreditBalance, error) {
	var b models.CreditBalance
	var dailyDate sql.NullString
	if err := row.Scan(&b.AccountID, &b.Daily, &dailyDate, &b.Subscription, &b.Signup, &b.AdminGrant, &b.Purchased, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.DailyDate = dailyDate.String
	return &b, nil
}

func (r *CreditRepository) Get(ctx context.Context, accountID string) (*models.CreditBalance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM credit_balances WHERE account_id = ?`, accountID)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credit balance: %w", err)
	}
	return b, nil
}

// Ensure creates the default balance for accountID if it does not exist yet.
// created reports whether this call inserted the row.
func (r *CreditRepository) Ensure(ctx context.Context, accountID string, signup int) (*models.CreditBalance, bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO credit_balances (account_id, signup) VALUES (?, ?)`, accountID, signup)
	if err != nil {
		return nil, false, fmt.Errorf("insert credit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("credit balance rows affected: %w", err)
	}
	b, err := r.Get(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if b == nil {
		return nil, false, ErrAccountNotFound
	}
	return b, affected > 0, nil
}

// Mutate applies fn to the locked balance row and stores the result.
func (r *CreditRepository) Mutate(ctx context.Context, accountID string, fn LedgerFunc) (*models.CreditBalance, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	next, err := mutateLocked(ctx, tx, accountID, fn)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit tx: %w", err)
	}
	return next, nil
}

func mutateLocked(ctx context.Context, tx *sql.Tx, accountID string, fn LedgerFunc) (*models.CreditBalance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+balanceColumns+` FROM credit_balances WHERE account_id = ? FOR UPDATE`, accountID)
	current, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock credit balance: %w", err)
	}

	next, err := fn(*current)
	if err != nil {
		return nil, err
	}
	if next == *current {
		return current, nil
	}

	const update = `
UPDATE credit_balances
SET daily = ?, daily_date = ?, subscription = ?, signup = ?, admin_grant = ?, purchased = ?, updated_at = NOW()
WHERE account_id = ?`
	if _, err := tx.ExecContext(ctx, update, next.Daily, nullDate(next.DailyDate), next.Subscription, next.Signup, next.AdminGrant, next.Purchased, accountID); err != nil {
		return nil, fmt.Errorf("update credit balance: %w", err)
	}
	return &next, nil
}

// ApplyBillingEvent records the provider event and applies fn in one transaction.
// A redelivered event (same provider and provider event id) is a no-op and
// applied is false.
func (r *CreditRepository) ApplyBillingEvent(ctx context.Context, event *models.BillingEvent, fn LedgerFunc) (*models.CreditBalance, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertBillingEvent(ctx, tx, event)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		tx.Rollback()
		b, err := r.Get(ctx, event.AccountID)
		return b, false, err
	}

	next, err := mutateLocked(ctx, tx, event.AccountID, fn)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit billing tx: %w", err)
	}
	return next, true, nil
}

func nullDate(day string) any {
	if day == "" {
		return nil
	}
	return day
}
