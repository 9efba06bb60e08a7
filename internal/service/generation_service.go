package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
)

type Orchestrator interface {
	Run(ctx context.Context, job synthesis.Job) []synthesis.SlotOutcome
}

type AttemptSink interface {
	Submit(attempts []models.SynthesisAttempt) bool
}

type HistoryStore interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.GenerationRecord, error)
	ListNeedingReconciliation(ctx context.Context, limit int) ([]models.GenerationRecord, error)
}

type GenerationConfig struct {
	Mode            BillingMode
	MaxImages       int
	GenerateTimeout time.Duration
}

type GenerationService struct {
	cfg          GenerationConfig
	log          *slog.Logger
	gate         *QuotaGate
	credits      *CreditService
	orchestrator Orchestrator
	aggregator   *Aggregator
	attempts     AttemptSink
	history      HistoryStore
	now          func() time.Time
	newID        func() string
}

type GenerateInput struct {
	AccountID      string
	RequestedCount int
	ShotType       models.ShotType
	Prompt         string
	Images         []models.InputImage
}

func NewGenerationService(cfg GenerationConfig, log *slog.Logger, gate *QuotaGate, credits *CreditService, orchestrator Orchestrator, aggregator *Aggregator, attempts AttemptSink, history HistoryStore) *GenerationService {
	if cfg.Mode == "" {
		cfg.Mode = BillingDeferred
	}
	if cfg.MaxImages < 1 {
		cfg.MaxImages = 4
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 5 * time.Minute
	}
	return &GenerationService{
		cfg:          cfg,
		log:          log.With("component", "generation"),
		gate:         gate,
		credits:      credits,
		orchestrator: orchestrator,
		aggregator:   aggregator,
		attempts:     attempts,
		history:      history,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Generate admits, synthesizes and aggregates one request. Errors are returned
// only for validation, admission and up-front reservation failures; everything
// after synthesis starts is reported through the record.
func (s *GenerationService) Generate(ctx context.Context, in GenerateInput) (*AggregateResult, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}

	if _, err := s.gate.Admit(ctx, in.AccountID, in.RequestedCount); err != nil {
		s.log.Info("generation not admitted", "account_id", in.AccountID, "requested", in.RequestedCount, "err", err)
		return nil, err
	}

	req := models.GenerationRequest{
		RequestID:           s.newID(),
		AccountID:           in.AccountID,
		RequestedImageCount: in.RequestedCount,
		ShotType:            in.ShotType,
		Prompt:              buildPrompt(in.ShotType, in.Prompt),
		Inputs:              in.Images,
		CreatedAt:           s.now(),
	}

	if s.cfg.Mode == BillingReserve {
		if _, err := s.credits.Consume(ctx, in.AccountID, in.RequestedCount); err != nil {
			return nil, err
		}
		req.ReservedCredits = in.RequestedCount
	}

	refs := make([]synthesis.Image, len(in.Images))
	for i, img := range in.Images {
		refs[i] = synthesis.Image{Data: img.Data, MIMEType: img.MIMEType}
	}

	s.log.Info("generation started", "request_id", req.RequestID, "account_id", req.AccountID, "requested", req.RequestedImageCount, "shot_type", req.ShotType)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	outcomes := s.orchestrator.Run(runCtx, synthesis.Job{
		RequestID:  req.RequestID,
		Prompt:     req.Prompt,
		References: refs,
		Slots:      req.RequestedImageCount,
	})
	cancel()

	var attempts []models.SynthesisAttempt
	for _, out := range outcomes {
		attempts = append(attempts, out.Attempts...)
	}
	if s.attempts != nil {
		s.attempts.Submit(attempts)
	}

	result := s.aggregator.Aggregate(ctx, req, outcomes)
	return &result, nil
}

func (s *GenerationService) validate(in *GenerateInput) error {
	if strings.TrimSpace(in.AccountID) == "" {
		return &ValidationError{Field: "account_id", Reason: "is required"}
	}
	if in.RequestedCount < 1 || in.RequestedCount > s.cfg.MaxImages {
		return &ValidationError{Field: "requestedCount", Reason: fmt.Sprintf("must be between 1 and %d", s.cfg.MaxImages)}
	}
	if len(in.Images) == 0 {
		return &ValidationError{Field: "images", Reason: "at least one reference image is required"}
	}
	for i, img := range in.Images {
		if len(img.Data) == 0 {
			return &ValidationError{Field: fmt.Sprintf("images[%d]", i), Reason: "is empty"}
		}
	}
	switch in.ShotType {
	case "":
		in.ShotType = models.ShotProduct
	case models.ShotProduct, models.ShotModel, models.ShotLifestyle:
	default:
		return &ValidationError{Field: "shotType", Reason: fmt.Sprintf("unknown shot type %q", in.ShotType)}
	}
	return nil
}

func (s *GenerationService) History(ctx context.Context, accountID string, limit int) ([]models.GenerationRecord, error) {
	records, err := s.history.ListByAccount(ctx, accountID, clampLimit(limit))
	if err != nil {
		return nil, persistenceErr("list history", err)
	}
	return records, nil
}

func (s *GenerationService) PendingReconciliation(ctx context.Context, limit int) ([]models.GenerationRecord, error) {
	records, err := s.history.ListNeedingReconciliation(ctx, clampLimit(limit))
	if err != nil {
		return nil, persistenceErr("list reconciliation", err)
	}
	return records, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return min(limit, 100)
}

var shotTemplates = map[models.ShotType]string{
	models.ShotProduct:   "Professional e-commerce product photo of the item in the reference image. Clean studio background, soft even lighting, sharp focus, true-to-life colors.",
	models.ShotModel:     "Photorealistic fashion photo of a model wearing or holding the item in the reference image. Natural pose, studio lighting, item clearly visible and unchanged.",
	models.ShotLifestyle: "Lifestyle marketing photo placing the item from the reference image in a natural everyday scene. Warm ambient light, shallow depth of field, item as the focal point.",
}

// buildPrompt uses the caller's prompt when given and the shot template otherwise.
func buildPrompt(shot models.ShotType, custom string) string {
	if custom = strings.TrimSpace(custom); custom != "" {
		return custom
	}
	if tpl, ok := shotTemplates[shot]; ok {
		return tpl
	}
	return shotTemplates[models.ShotProduct]
}
