package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/superlion8/brand-camera-sub004/internal/metrics"
	"github.com/superlion8/brand-camera-sub004/internal/models"
)

// BreakerSettings tunes the per-model circuit breakers.
type BreakerSettings struct {
	MinRequests  uint32
	FailureRatio float64
	Interval     time.Duration
	OpenTimeout  time.Duration
	HalfOpenMax  uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:  10,
		FailureRatio: 0.6,
		Interval:     time.Minute,
		OpenTimeout:  time.Minute,
		HalfOpenMax:  2,
	}
}

// BreakerBackend keeps one circuit breaker per model role in front of a backend.
// While a model's breaker is open its calls fail fast, so slots skip straight to
// the other model instead of waiting out a timeout.
type BreakerBackend struct {
	inner    Backend
	breakers map[models.ModelRole]*gobreaker.CircuitBreaker[*Image]
}

func NewBreakerBackend(inner Backend, name string, st BreakerSettings, log *slog.Logger) *BreakerBackend {
	log = log.With("component", "breaker")
	b := &BreakerBackend{
		inner:    inner,
		breakers: make(map[models.ModelRole]*gobreaker.CircuitBreaker[*Image], 2),
	}
	for _, role := range []models.ModelRole{models.ModelPrimary, models.ModelFallback} {
		cbName := fmt.Sprintf("%s-%s", name, role)
		metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0)
		b.breakers[role] = gobreaker.NewCircuitBreaker[*Image](gobreaker.Settings{
			Name:        cbName,
			MaxRequests: st.HalfOpenMax,
			Interval:    st.Interval,
			Timeout:     st.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < st.MinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= st.FailureRatio
			},
			// A safety block means the upstream is healthy and answered.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrSafetyBlocked)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			},
		})
	}
	return b
}

func (b *BreakerBackend) Generate(ctx context.Context, model models.ModelRole, prompt string, references []Image) (*Image, error) {
	cb, ok := b.breakers[model]
	if !ok {
		return b.inner.Generate(ctx, model, prompt, references)
	}
	img, err := cb.Execute(func() (*Image, error) {
		return b.inner.Generate(ctx, model, prompt, references)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s model unavailable: %w", model, err)
	}
	return img, err
}

// PrepareReferences forwards to the wrapped backend when it stages references.
// It bypasses the breakers, which track model calls only.
func (b *BreakerBackend) PrepareReferences(ctx context.Context, references []Image) ([]Image, error) {
	if prep, ok := b.inner.(ReferencePreparer); ok {
		return prep.PrepareReferences(ctx, references)
	}
	return references, nil
}

// State reports the breaker state for a model role.
func (b *BreakerBackend) State(model models.ModelRole) gobreaker.State {
	if cb, ok := b.breakers[model]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
