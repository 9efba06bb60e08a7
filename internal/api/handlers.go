package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/superlion8/brand-camera-sub004/internal/credits"
	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/service"
	"github.com/superlion8/brand-camera-sub004/internal/validation"
)

type generateRequest struct {
	Images         []string `json:"images" validate:"required,min=1,max=8,dive,required"`
	RequestedCount int      `json:"requestedCount" validate:"gte=1"`
	ShotType       string   `json:"shotType" validate:"omitempty,oneof=product model lifestyle"`
	Prompt         string   `json:"prompt" validate:"max=4000"`
}

type generateStats struct {
	Requested  int   `json:"requested"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

type generateResponse struct {
	Success        bool          `json:"success"`
	RequestID      string        `json:"requestId"`
	Images         []string      `json:"images"`
	Stats          generateStats `json:"stats"`
	CreditsCharged int           `json:"creditsCharged"`
	Error          string        `json:"error,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !s.decode(w, r, &req) {
		return
	}

	images := make([]models.InputImage, 0, len(req.Images))
	for i, raw := range req.Images {
		img, err := decodeImage(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("images[%d]: %v", i, err))
			return
		}
		images = append(images, img)
	}

	result, err := s.gen.Generate(r.Context(), service.GenerateInput{
		AccountID:      accountFrom(r.Context()),
		RequestedCount: req.RequestedCount,
		ShotType:       models.ShotType(req.ShotType),
		Prompt:         req.Prompt,
		Images:         images,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rec := result.Record
	resp := generateResponse{
		Success:   rec.Status == models.StatusCompleted,
		RequestID: rec.RequestID,
		Images:    rec.SucceededImageURLs,
		Stats: generateStats{
			Requested:  rec.RequestedCount,
			Succeeded:  len(rec.SucceededImageURLs),
			Failed:     rec.FailedSlotCount,
			DurationMs: rec.TotalDurationMs,
		},
		CreditsCharged: rec.CreditsCharged,
	}
	if resp.Images == nil {
		resp.Images = []string{}
	}

	status := http.StatusOK
	switch {
	case result.InfraFailure:
		status = http.StatusServiceUnavailable
		resp.Error = "images were generated but could not be saved, please retry"
	case !resp.Success:
		resp.Error = "no images could be generated, please try again"
	}
	s.writeJSON(w, status, resp)
}

// decodeImage accepts a data URL or bare base64 and sniffs the type when none is given.
func decodeImage(raw string) (models.InputImage, error) {
	raw = strings.TrimSpace(raw)
	mimeType := ""
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return models.InputImage{}, errors.New("data url must be base64 encoded")
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		raw = payload
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(raw); err != nil {
			return models.InputImage{}, errors.New("invalid base64")
		}
	}
	if len(data) == 0 {
		return models.InputImage{}, errors.New("empty image")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return models.InputImage{}, fmt.Errorf("unsupported content type %q", mimeType)
	}
	return models.InputImage{Data: data, MIMEType: mimeType}, nil
}

type quotaView struct {
	Daily        int  `json:"daily"`
	Subscription int  `json:"subscription"`
	Signup       int  `json:"signup"`
	AdminGrant   int  `json:"adminGrant"`
	Purchased    int  `json:"purchased"`
	Available    int  `json:"available"`
	DailyExpired bool `json:"dailyExpired"`
}

func newQuotaView(b credits.Breakdown) quotaView {
	return quotaView{
		Daily:        b.Daily,
		Subscription: b.Subscription,
		Signup:       b.Signup,
		AdminGrant:   b.AdminGrant,
		Purchased:    b.Purchased,
		Available:    b.Available,
		DailyExpired: b.DailyExpired,
	}
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	b, err := s.credits.Balance(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"quota":   newQuotaView(b),
	})
}

func (s *Server) handleDailyReward(w http.ResponseWriter, r *http.Request) {
	b, credited, err := s.credits.ClaimDaily(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"credited": credited,
		"quota":    newQuotaView(b),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	records, err := s.gen.History(r.Context(), accountFrom(r.Context()), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []models.GenerationRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"generations": records,
	})
}

type grantRequest struct {
	Pool   string `json:"pool" validate:"required,oneof=subscription purchased admin_grant"`
	Amount int    `json:"amount" validate:"gt=0,lte=1000000"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(chi.URLParam(r, "accountID"))
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, "account id required")
		return
	}
	var req grantRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.credits.Grant(r.Context(), accountID, models.Pool(req.Pool), req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("admin grant", "account_id", accountID, "pool", req.Pool, "amount", req.Amount)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"quota":   newQuotaView(b),
	})
}

func (s *Server) handleBillingEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	events, err := s.billing.ListByAccount(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []models.BillingEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	records, err := s.gen.PendingReconciliation(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []models.GenerationRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

type billingWebhookRequest struct {
	Provider  string `json:"provider" validate:"required,max=32"`
	EventID   string `json:"eventId" validate:"required,max=128"`
	AccountID string `json:"accountId" validate:"required,max=64"`
	Pool      string `json:"pool" validate:"required,oneof=subscription purchased"`
	Credits   int    `json:"credits" validate:"gt=0,lte=1000000"`
}

// handleBillingWebhook is the public endpoint for billing provider top-ups.
// Replays of the same provider event are acknowledged without crediting again.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Secret")
	if s.cfg.WebhookSecret == "" || !constantTimeEqual(secret, s.cfg.WebhookSecret) {
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	var req billingWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event := &models.BillingEvent{
		Provider:        req.Provider,
		ProviderEventID: req.EventID,
		AccountID:       req.AccountID,
		Pool:            models.Pool(req.Pool),
		Credits:         req.Credits,
		RawPayload:      string(body),
	}
	b, applied, err := s.credits.ApplyBillingEvent(r.Context(), event)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"applied": applied,
		"quota":   newQuotaView(b),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}
