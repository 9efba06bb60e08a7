package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

// Create inserts the record. Records are never updated afterwards.
func (r *GenerationRepository) Create(ctx context.Context, rec *models.GenerationRecord) error {
	urls := rec.SucceededImageURLs
	if urls == nil {
		urls = []string{}
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("encode image urls: %w", err)
	}
	const query = `
INSERT INTO generation_records (request_id, account_id, status, requested_count, succeeded_image_urls, failed_slot_count, persist_failed_slots, total_duration_ms, credits_charged, credits_refunded, needs_reconciliation)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query,
		rec.RequestID, rec.AccountID, rec.Status, rec.RequestedCount, string(encoded),
		rec.FailedSlotCount, rec.PersistFailedSlots, rec.TotalDurationMs,
		rec.CreditsCharged, rec.CreditsRefunded, rec.NeedsReconciliation,
	); err != nil {
		return fmt.Errorf("insert generation record: %w", err)
	}
	return nil
}

const recordColumns = `request_id, account_id, status, requested_count, succeeded_image_urls, failed_slot_count, persist_failed_slots, total_duration_ms, credits_charged, credits_refunded, needs_reconciliation, created_at`

func (r *GenerationRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM generation_records WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, accountID, limit)
}

func (r *GenerationRepository) ListNeedingReconciliation(ctx context.Context, limit int) ([]models.GenerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM generation_records WHERE needs_reconciliation = 1 ORDER BY created_at DESC LIMIT ?`
	return r.list(ctx, query, limit)
}

func (r *GenerationRepository) list(ctx context.Context, query string, args ...any) ([]models.GenerationRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generation records: %w", err)
	}
	defer rows.Close()

	var records []models.GenerationRecord
	for rows.Next() {
		var rec models.GenerationRecord
		var urls []byte
		if err := rows.Scan(&rec.RequestID, &rec.AccountID, &rec.Status, &rec.RequestedCount, &urls,
			&rec.FailedSlotCount, &rec.PersistFailedSlots, &rec.TotalDurationMs,
			&rec.CreditsCharged, &rec.CreditsRefunded, &rec.NeedsReconciliation, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation record: %w", err)
		}
		if err := json.Unmarshal(urls, &rec.SucceededImageURLs); err != nil {
			return nil, fmt.Errorf("decode image urls for %s: %w", rec.RequestID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertAttempts writes all attempts of a request in one statement.
func (r *GenerationRepository) InsertAttempts(ctx context.Context, attempts []models.SynthesisAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO synthesis_attempts (request_id, image_slot, model, attempt_number, outcome, latency_ms, error_message) VALUES `)
	args := make([]any, 0, len(attempts)*7)
	for i, a := range attempts {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, NULLIF(?, ''))")
		args = append(args, a.RequestID, a.ImageSlot, a.Model, a.AttemptNumber, a.Outcome, a.LatencyMs, a.ErrorMessage)
	}
	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert synthesis attempts: %w", err)
	}
	return nil
}
