package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/superlion8/brand-camera-sub004/internal/credits"
	"github.com/superlion8/brand-camera-sub004/internal/metrics"
	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/repository"
)

// LedgerStore is the transactional balance store. Mutate and ApplyBillingEvent
// must run the function under a row lock.
type LedgerStore interface {
	Get(ctx context.Context, accountID string) (*models.CreditBalance, error)
	Ensure(ctx context.Context, accountID string, signup int) (*models.CreditBalance, bool, error)
	Mutate(ctx context.Context, accountID string, fn repository.LedgerFunc) (*models.CreditBalance, error)
	ApplyBillingEvent(ctx context.Context, event *models.BillingEvent, fn repository.LedgerFunc) (*models.CreditBalance, bool, error)
}

type CreditService struct {
	store       LedgerStore
	log         *slog.Logger
	signup      int
	dailyReward int
	now         func() time.Time
}

func NewCreditService(store LedgerStore, log *slog.Logger, signup, dailyReward int) *CreditService {
	return &CreditService{
		store:       store,
		log:         log.With("component", "credits"),
		signup:      signup,
		dailyReward: dailyReward,
		now:         time.Now,
	}
}

func (s *CreditService) today() string {
	return models.Day(s.now())
}

// Snapshot returns the stored balance, creating the account on first touch.
func (s *CreditService) Snapshot(ctx context.Context, accountID string) (*models.CreditBalance, error) {
	b, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, persistenceErr("get balance", err)
	}
	if b != nil {
		return b, nil
	}
	b, created, err := s.store.Ensure(ctx, accountID, s.signup)
	if err != nil {
		return nil, persistenceErr("create balance", err)
	}
	if created {
		s.log.Info("credit account created", "account_id", accountID, "signup", b.Signup)
	}
	return b, nil
}

func (s *CreditService) Balance(ctx context.Context, accountID string) (credits.Breakdown, error) {
	b, err := s.Snapshot(ctx, accountID)
	if err != nil {
		return credits.Breakdown{}, err
	}
	return credits.Available(*b, s.today()), nil
}

func (s *CreditService) Consume(ctx context.Context, accountID string, amount int) (*models.CreditBalance, error) {
	today := s.today()
	return s.mutate(ctx, "consume", accountID, func(cur models.CreditBalance) (models.CreditBalance, error) {
		return credits.Consume(cur, amount, today)
	})
}

// Refund always lands in the adminGrant pool.
func (s *CreditService) Refund(ctx context.Context, accountID string, amount int) (*models.CreditBalance, error) {
	return s.mutate(ctx, "refund", accountID, func(cur models.CreditBalance) (models.CreditBalance, error) {
		return credits.Refund(cur, amount)
	})
}

// ClaimDaily grants the daily reward at most once per UTC day.
func (s *CreditService) ClaimDaily(ctx context.Context, accountID string) (credits.Breakdown, bool, error) {
	today := s.today()
	var credited bool
	b, err := s.mutate(ctx, "claim_daily", accountID, func(cur models.CreditBalance) (models.CreditBalance, error) {
		next, ok := credits.ClaimDaily(cur, today, s.dailyReward)
		credited = ok
		return next, nil
	})
	if err != nil {
		return credits.Breakdown{}, false, err
	}
	if credited {
		s.log.Info("daily reward claimed", "account_id", accountID, "day", today, "amount", s.dailyReward)
	}
	return credits.Available(*b, today), credited, nil
}

func (s *CreditService) Grant(ctx context.Context, accountID string, pool models.Pool, amount int) (credits.Breakdown, error) {
	b, err := s.mutate(ctx, "grant", accountID, func(cur models.CreditBalance) (models.CreditBalance, error) {
		return credits.Grant(cur, pool, amount)
	})
	if err != nil {
		return credits.Breakdown{}, err
	}
	s.log.Info("credits granted", "account_id", accountID, "pool", pool, "amount", amount)
	return credits.Available(*b, s.today()), nil
}

// ApplyBillingEvent credits a provider top-up once per provider event id.
func (s *CreditService) ApplyBillingEvent(ctx context.Context, event *models.BillingEvent) (credits.Breakdown, bool, error) {
	if _, err := s.Snapshot(ctx, event.AccountID); err != nil {
		return credits.Breakdown{}, false, err
	}

	var ledgerErr error
	b, applied, err := s.store.ApplyBillingEvent(ctx, event, func(cur models.CreditBalance) (models.CreditBalance, error) {
		next, err := credits.Grant(cur, event.Pool, event.Credits)
		ledgerErr = err
		return next, err
	})
	switch {
	case err != nil && ledgerErr != nil && errors.Is(err, ledgerErr):
		metrics.LedgerOperations.WithLabelValues("billing_event", "rejected").Inc()
		return credits.Breakdown{}, false, err
	case err != nil:
		metrics.LedgerOperations.WithLabelValues("billing_event", "error").Inc()
		return credits.Breakdown{}, false, persistenceErr("apply billing event", err)
	}

	if applied {
		metrics.LedgerOperations.WithLabelValues("billing_event", "ok").Inc()
		s.log.Info("billing event applied", "account_id", event.AccountID, "provider", event.Provider, "event_id", event.ProviderEventID, "pool", event.Pool, "credits", event.Credits)
	} else {
		metrics.LedgerOperations.WithLabelValues("billing_event", "duplicate").Inc()
		s.log.Info("billing event already applied", "provider", event.Provider, "event_id", event.ProviderEventID)
	}
	if b == nil {
		return credits.Breakdown{}, applied, nil
	}
	return credits.Available(*b, s.today()), applied, nil
}

// mutate runs fn under the store's row lock, creating the account first if it is
// missing. Ledger refusals pass through unchanged; store failures come back as
// *PersistenceError.
func (s *CreditService) mutate(ctx context.Context, op, accountID string, fn repository.LedgerFunc) (*models.CreditBalance, error) {
	var ledgerErr error
	wrapped := func(cur models.CreditBalance) (models.CreditBalance, error) {
		next, err := fn(cur)
		ledgerErr = err
		return next, err
	}

	b, err := s.store.Mutate(ctx, accountID, wrapped)
	if errors.Is(err, repository.ErrAccountNotFound) {
		if _, ensureErr := s.Snapshot(ctx, accountID); ensureErr != nil {
			metrics.LedgerOperations.WithLabelValues(op, "error").Inc()
			return nil, ensureErr
		}
		b, err = s.store.Mutate(ctx, accountID, wrapped)
	}

	switch {
	case err == nil:
		metrics.LedgerOperations.WithLabelValues(op, "ok").Inc()
		return b, nil
	case ledgerErr != nil && errors.Is(err, ledgerErr):
		metrics.LedgerOperations.WithLabelValues(op, "rejected").Inc()
		return nil, err
	default:
		metrics.LedgerOperations.WithLabelValues(op, "error").Inc()
		s.log.Error("ledger store failure", "op", op, "account_id", accountID, "err", err)
		return nil, persistenceErr(fmt.Sprintf("%s credits", op), err)
	}
}
