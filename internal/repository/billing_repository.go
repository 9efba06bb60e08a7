package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

const mysqlDuplicateEntry = 1062

type BillingEventRepository struct {
	db *sql.DB
}

func NewBillingEventRepository(db *sql.DB) *BillingEventRepository {
	return &BillingEventRepository{db: db}
}

// insertBillingEvent reports false when the event was already recorded.
func insertBillingEvent(ctx context.Context, tx *sql.Tx, event *models.BillingEvent) (bool, error) {
	const query = `
INSERT INTO billing_events (provider, provider_event_id, account_id, pool, credits, raw_payload)
VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query, event.Provider, event.ProviderEventID, event.AccountID, event.Pool, event.Credits, event.RawPayload)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return false, nil
		}
		return false, fmt.Errorf("insert billing event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("billing event last insert id: %w", err)
	}
	event.ID = id
	return true, nil
}

func (r *BillingEventRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.BillingEvent, error) {
	const query = `
SELECT id, provider, provider_event_id, account_id, pool, credits, COALESCE(raw_payload, ''), created_at
FROM billing_events WHERE account_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list billing events: %w", err)
	}
	defer rows.Close()

	var events []models.BillingEvent
	for rows.Next() {
		var ev models.BillingEvent
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &ev.AccountID, &ev.Pool, &ev.Credits, &ev.RawPayload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan billing event list: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
