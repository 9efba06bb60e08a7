// Package credits implements the pure credit-pool arithmetic. Functions here never
// touch storage; callers apply them inside a locked read-modify-write.
package credits

import (
	"errors"
	"fmt"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

// SignupDefault is the one-time grant for new accounts.
const SignupDefault = 5

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must not be negative")
	ErrUnknownPool         = errors.New("unknown credit pool")
)

// Breakdown is the read view of a balance for a given day.
type Breakdown struct {
	Daily        int  `json:"daily"`
	Subscription int  `json:"subscription"`
	Signup       int  `json:"signup"`
	AdminGrant   int  `json:"admin_grant"`
	Purchased    int  `json:"purchased"`
	Available    int  `json:"available"`
	DailyExpired bool `json:"daily_expired"`
}

// Available returns the spendable total and per-pool breakdown. A daily pool set on
// another day counts as zero but stays in the row until the next claim.
func Available(b models.CreditBalance, today string) Breakdown {
	daily := 0
	expired := false
	if b.DailyDate == today {
		daily = b.Daily
	} else if b.Daily > 0 {
		expired = true
	}
	return Breakdown{
		Daily:        daily,
		Subscription: b.Subscription,
		Signup:       b.Signup,
		AdminGrant:   b.AdminGrant,
		Purchased:    b.Purchased,
		Available:    daily + b.Subscription + b.Signup + b.AdminGrant + b.Purchased,
		DailyExpired: expired,
	}
}

// Consume deducts amount in pool order daily, subscription, signup, adminGrant,
// purchased. On failure the input balance is returned untouched.
func Consume(b models.CreditBalance, amount int, today string) (models.CreditBalance, error) {
	if amount < 0 {
		return b, ErrInvalidAmount
	}
	if Available(b, today).Available < amount {
		return b, fmt.Errorf("%w: need %d", ErrInsufficientCredits, amount)
	}

	next := b
	remaining := amount
	if next.DailyDate == today {
		remaining = take(&next.Daily, remaining)
	}
	remaining = take(&next.Subscription, remaining)
	remaining = take(&next.Signup, remaining)
	remaining = take(&next.AdminGrant, remaining)
	take(&next.Purchased, remaining)
	return next, nil
}

func take(pool *int, want int) int {
	if want <= 0 || *pool <= 0 {
		return want
	}
	n := min(*pool, want)
	*pool -= n
	return want - n
}

// Refund credits adminGrant regardless of which pools the original charge drew from.
// Refunds are a compensation, not a reversal of the consume.
func Refund(b models.CreditBalance, amount int) (models.CreditBalance, error) {
	if amount < 0 {
		return b, ErrInvalidAmount
	}
	b.AdminGrant += amount
	return b, nil
}

// ClaimDaily sets the daily pool to reward for today. Unspent credits from an earlier
// day are overwritten, not carried over. A second claim on the same day is a no-op.
func ClaimDaily(b models.CreditBalance, today string, reward int) (models.CreditBalance, bool) {
	if b.DailyDate == today {
		return b, false
	}
	b.Daily = max(reward, 0)
	b.DailyDate = today
	return b, true
}

// Grant adds credits to one of the externally fed pools.
func Grant(b models.CreditBalance, pool models.Pool, amount int) (models.CreditBalance, error) {
	if amount < 0 {
		return b, ErrInvalidAmount
	}
	switch pool {
	case models.PoolSubscription:
		b.Subscription += amount
	case models.PoolAdminGrant:
		b.AdminGrant += amount
	case models.PoolPurchased:
		b.Purchased += amount
	default:
		return b, fmt.Errorf("%w: %q", ErrUnknownPool, pool)
	}
	return b, nil
}

// NewDefault returns the balance of a freshly created account.
func NewDefault(accountID string, signup int) models.CreditBalance {
	return models.CreditBalance{
		AccountID: accountID,
		Signup:    max(signup, 0),
	}
}
