package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/superlion8/brand-camera-sub004/internal/credits"
	"github.com/superlion8/brand-camera-sub004/internal/metrics"
	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
)

// BillingMode selects when a generation is charged.
type BillingMode string

const (
	// BillingDeferred charges delivered images after synthesis.
	BillingDeferred BillingMode = "deferred"
	// BillingReserve charges the requested count up front and refunds the shortfall.
	BillingReserve BillingMode = "reserve"
)

const (
	ReasonConsumeFailed = "consume_failed"
	ReasonRefundFailed  = "refund_failed"
	ReasonRecordFailed  = "record_write_failed"
)

type ArtifactStore interface {
	Put(ctx context.Context, accountID, requestID string, slot int, img synthesis.Image) (string, error)
}

type RecordStore interface {
	Create(ctx context.Context, rec *models.GenerationRecord) error
}

type Ledger interface {
	Consume(ctx context.Context, accountID string, amount int) (*models.CreditBalance, error)
	Refund(ctx context.Context, accountID string, amount int) (*models.CreditBalance, error)
}

type ReconciliationNotifier interface {
	NotifyReconciliation(ctx context.Context, event models.ReconciliationEvent) error
}

type Aggregator struct {
	artifacts      ArtifactStore
	records        RecordStore
	ledger         Ledger
	notifier       ReconciliationNotifier
	mode           BillingMode
	persistTimeout time.Duration
	log            *slog.Logger
	now            func() time.Time
}

func NewAggregator(artifacts ArtifactStore, records RecordStore, ledger Ledger, notifier ReconciliationNotifier, mode BillingMode, persistTimeout time.Duration, log *slog.Logger) *Aggregator {
	if mode == "" {
		mode = BillingDeferred
	}
	if persistTimeout <= 0 {
		persistTimeout = 30 * time.Second
	}
	return &Aggregator{
		artifacts:      artifacts,
		records:        records,
		ledger:         ledger,
		notifier:       notifier,
		mode:           mode,
		persistTimeout: persistTimeout,
		log:            log.With("component", "aggregator"),
		now:            time.Now,
	}
}

// AggregateResult is the written record plus whether a zero-success outcome was
// caused by our own storage rather than by the models.
type AggregateResult struct {
	Record       models.GenerationRecord
	InfraFailure bool
}

// Aggregate persists successful images, settles credits and writes the record.
// It runs detached from ctx cancellation so a request deadline cannot drop work
// that already finished.
func (a *Aggregator) Aggregate(ctx context.Context, req models.GenerationRequest, outcomes []synthesis.SlotOutcome) AggregateResult {
	ctx = context.WithoutCancel(ctx)
	log := a.log.With("request_id", req.RequestID, "account_id", req.AccountID)

	urls, synthesized, persistFailed := a.persist(ctx, req, outcomes, log)

	rec := models.GenerationRecord{
		RequestID:          req.RequestID,
		AccountID:          req.AccountID,
		Status:             models.StatusFailed,
		RequestedCount:     req.RequestedImageCount,
		SucceededImageURLs: urls,
		FailedSlotCount:    req.RequestedImageCount - len(urls),
		PersistFailedSlots: persistFailed,
		CreatedAt:          a.now().UTC(),
	}
	if len(urls) > 0 {
		rec.Status = models.StatusCompleted
	}

	a.settle(ctx, req, &rec, log)

	if !req.CreatedAt.IsZero() {
		rec.TotalDurationMs = a.now().Sub(req.CreatedAt).Milliseconds()
	}

	writeCtx, cancel := context.WithTimeout(ctx, a.persistTimeout)
	err := a.records.Create(writeCtx, &rec)
	cancel()
	if err != nil {
		log.Error("generation record write failed", "err", err)
		a.reconcile(ctx, rec, ReasonRecordFailed, persistenceErr("write generation record", err))
	}

	metrics.GenerationsTotal.WithLabelValues(string(rec.Status)).Inc()
	metrics.GenerationDuration.Observe(float64(rec.TotalDurationMs) / 1000)
	log.Info("generation finished",
		"status", rec.Status,
		"requested", rec.RequestedCount,
		"succeeded", len(rec.SucceededImageURLs),
		"persist_failed", persistFailed,
		"credits_charged", rec.CreditsCharged,
		"credits_refunded", rec.CreditsRefunded,
		"duration_ms", rec.TotalDurationMs,
	)

	return AggregateResult{
		Record:       rec,
		InfraFailure: rec.Status == models.StatusFailed && synthesized > 0,
	}
}

// persist stores every synthesized image in parallel and returns the URLs in slot
// order with failed slots omitted.
func (a *Aggregator) persist(ctx context.Context, req models.GenerationRequest, outcomes []synthesis.SlotOutcome, log *slog.Logger) ([]string, int, int) {
	perSlot := make([]string, len(outcomes))
	ctx, cancel := context.WithTimeout(ctx, a.persistTimeout)
	defer cancel()

	var wg sync.WaitGroup
	synthesized := 0
	for i, out := range outcomes {
		if !out.Succeeded() {
			continue
		}
		synthesized++
		wg.Add(1)
		go func(i int, out synthesis.SlotOutcome) {
			defer wg.Done()
			url, err := a.artifacts.Put(ctx, req.AccountID, req.RequestID, out.Slot, *out.Image)
			if err != nil {
				metrics.ArtifactPersistFailures.Inc()
				log.Error("artifact persist failed, slot downgraded", "slot", out.Slot, "model", out.Model, "err", persistenceErr("put artifact", err))
				return
			}
			perSlot[i] = url
		}(i, out)
	}
	wg.Wait()

	urls := make([]string, 0, synthesized)
	for _, url := range perSlot {
		if url != "" {
			urls = append(urls, url)
		}
	}
	return urls, synthesized, synthesized - len(urls)
}

func (a *Aggregator) settle(ctx context.Context, req models.GenerationRequest, rec *models.GenerationRecord, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, a.persistTimeout)
	defer cancel()

	delivered := len(rec.SucceededImageURLs)

	if a.mode == BillingDeferred {
		if delivered == 0 {
			return
		}
		if _, err := a.ledger.Consume(ctx, req.AccountID, delivered); err != nil {
			if errors.Is(err, credits.ErrInsufficientCredits) {
				log.Warn("balance drained while generating, images delivered uncharged", "delivered", delivered)
			}
			rec.CreditsCharged = 0
			rec.NeedsReconciliation = true
			a.reconcile(ctx, *rec, ReasonConsumeFailed, err)
			return
		}
		rec.CreditsCharged = delivered
		return
	}

	reserved := req.ReservedCredits
	refund := reserved - delivered
	rec.CreditsCharged = reserved
	if refund <= 0 {
		return
	}
	if _, err := a.ledger.Refund(ctx, req.AccountID, refund); err != nil {
		rec.NeedsReconciliation = true
		a.reconcile(ctx, *rec, ReasonRefundFailed, err)
		return
	}
	rec.CreditsCharged = reserved - refund
	rec.CreditsRefunded = refund
}

// reconcile records billing state that needs a human to look at it.
func (a *Aggregator) reconcile(ctx context.Context, rec models.GenerationRecord, reason string, cause error) {
	metrics.ReconciliationEvents.WithLabelValues(reason).Inc()
	event := models.ReconciliationEvent{
		RequestID:      rec.RequestID,
		AccountID:      rec.AccountID,
		Reason:         reason,
		SucceededCount: len(rec.SucceededImageURLs),
		CreditsCharged: rec.CreditsCharged,
	}
	if cause != nil {
		event.Err = cause.Error()
	}
	a.log.Error("reconciliation required",
		"request_id", event.RequestID,
		"account_id", event.AccountID,
		"reason", reason,
		"succeeded", event.SucceededCount,
		"credits_charged", event.CreditsCharged,
		"err", cause,
	)
	if a.notifier == nil {
		return
	}
	if err := a.notifier.NotifyReconciliation(ctx, event); err != nil {
		a.log.Warn("reconciliation notify failed", "request_id", rec.RequestID, "err", err)
	}
}
