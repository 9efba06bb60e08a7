// Package synthesis drives image generation calls against an external backend,
// one independent slot per requested output image.
package synthesis

import (
	"context"
	"errors"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

var (
	ErrRateLimited   = errors.New("upstream rate limited")
	ErrSafetyBlocked = errors.New("upstream safety blocked")
	ErrTimeout       = errors.New("upstream timeout")
)

// Image is raw image bytes with their MIME type. URL is set once the image has
// been published for backends that fetch references by URL.
type Image struct {
	Data     []byte
	MIMEType string
	URL      string
}

// Backend generates one image per call. Implementations wrap ErrRateLimited,
// ErrSafetyBlocked or ErrTimeout so callers can classify failures.
type Backend interface {
	Generate(ctx context.Context, model models.ModelRole, prompt string, references []Image) (*Image, error)
}

// ReferencePreparer is implemented by backends that need reference images
// staged before generation. The orchestrator calls it once per job and hands
// the returned images to every slot and attempt.
type ReferencePreparer interface {
	PrepareReferences(ctx context.Context, references []Image) ([]Image, error)
}

type slotKey struct{}

// WithSlot annotates ctx with the slot index a backend call belongs to.
func WithSlot(ctx context.Context, slot int) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

// SlotFromContext returns the slot index set by WithSlot.
func SlotFromContext(ctx context.Context) (int, bool) {
	slot, ok := ctx.Value(slotKey{}).(int)
	return slot, ok
}

// Classify maps a backend error onto an attempt outcome.
func Classify(err error) models.AttemptOutcome {
	switch {
	case err == nil:
		return models.OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return models.OutcomeRateLimited
	case errors.Is(err, ErrSafetyBlocked):
		return models.OutcomeSafetyBlocked
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.OutcomeTimeout
	default:
		return models.OutcomeOtherError
	}
}
