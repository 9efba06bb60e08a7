package service

import (
	"context"
	"fmt"

	"github.com/superlion8/brand-camera-sub004/internal/credits"
)

// QuotaGate is the advisory admission check in front of generation. It reserves
// nothing; the later Consume decides.
type QuotaGate struct {
	credits *CreditService
}

func NewQuotaGate(credits *CreditService) *QuotaGate {
	return &QuotaGate{credits: credits}
}

// Admit returns the current breakdown and ErrInsufficientCredits when the account
// cannot cover requested images.
func (g *QuotaGate) Admit(ctx context.Context, accountID string, requested int) (credits.Breakdown, error) {
	b, err := g.credits.Snapshot(ctx, accountID)
	if err != nil {
		return credits.Breakdown{}, err
	}
	today := g.credits.today()
	breakdown := credits.Available(*b, today)
	if !credits.Admit(*b, requested, today) {
		return breakdown, fmt.Errorf("%w: requested %d, available %d", credits.ErrInsufficientCredits, requested, breakdown.Available)
	}
	return breakdown, nil
}
