// Package gemini is a synthesis backend on Gemini image-capable models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
)

type Config struct {
	APIKey        string
	PrimaryModel  string
	FallbackModel string
}

// generator is the slice of the SDK the backend uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type sdkGenerator struct {
	client *genai.Client
}

func (g sdkGenerator) GenerateContent(ctx context.Context, model string, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	return g.client.GenerativeModel(model).GenerateContent(ctx, parts...)
}

// Client is safe for concurrent use; one instance serves every request.
type Client struct {
	sdk      *genai.Client
	gen      generator
	primary  string
	fallback string
	log      *slog.Logger
}

func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	sdk, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	c := newClient(sdkGenerator{client: sdk}, cfg, log)
	c.sdk = sdk
	return c, nil
}

func newClient(gen generator, cfg Config, log *slog.Logger) *Client {
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = "gemini-2.5-flash-image"
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = "gemini-2.0-flash-preview-image-generation"
	}
	return &Client{
		gen:      gen,
		primary:  cfg.PrimaryModel,
		fallback: cfg.FallbackModel,
		log:      log.With("component", "gemini"),
	}
}

func (c *Client) Close() error {
	if c.sdk == nil {
		return nil
	}
	return c.sdk.Close()
}

func (c *Client) Generate(ctx context.Context, role models.ModelRole, prompt string, references []synthesis.Image) (*synthesis.Image, error) {
	model := c.primary
	if role == models.ModelFallback {
		model = c.fallback
	}

	parts := make([]genai.Part, 0, len(references)+1)
	parts = append(parts, genai.Text(prompt))
	for _, ref := range references {
		mime := ref.MIMEType
		if mime == "" {
			mime = http.DetectContentType(ref.Data)
		}
		parts = append(parts, genai.Blob{MIMEType: mime, Data: ref.Data})
	}

	resp, err := c.gen.GenerateContent(ctx, model, parts...)
	if err != nil {
		return nil, classify(model, err)
	}
	return extractImage(model, resp)
}

// classify maps SDK errors onto the synthesis error classes.
func classify(model string, err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: %s: %v", synthesis.ErrSafetyBlocked, model, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", synthesis.ErrTimeout, model, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests,
			strings.Contains(apiErr.Message, "RESOURCE_EXHAUSTED"), strings.Contains(apiErr.Body, "RESOURCE_EXHAUSTED"):
			return fmt.Errorf("%w: %s: %v", synthesis.ErrRateLimited, model, err)
		case apiErr.Code == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s: %v", synthesis.ErrTimeout, model, err)
		}
		return fmt.Errorf("gemini %s: %w", model, err)
	}
	// gRPC transport errors carry only the canonical status code in their text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "code = ResourceExhausted"), strings.Contains(msg, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: %s: %v", synthesis.ErrRateLimited, model, err)
	case strings.Contains(msg, "code = DeadlineExceeded"), strings.Contains(msg, "DEADLINE_EXCEEDED"):
		return fmt.Errorf("%w: %s: %v", synthesis.ErrTimeout, model, err)
	}
	return fmt.Errorf("gemini %s: %w", model, err)
}

// extractImage returns the first inline image of the first candidate that has one.
func extractImage(model string, resp *genai.GenerateContentResponse) (*synthesis.Image, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini %s: empty response", model)
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if blob, ok := part.(genai.Blob); ok && strings.HasPrefix(blob.MIMEType, "image/") && len(blob.Data) > 0 {
				return &synthesis.Image{Data: blob.Data, MIMEType: blob.MIMEType}, nil
			}
		}
	}
	for _, cand := range resp.Candidates {
		switch cand.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonRecitation:
			return nil, fmt.Errorf("%w: %s finished with %s", synthesis.ErrSafetyBlocked, model, cand.FinishReason)
		}
	}
	return nil, fmt.Errorf("gemini %s: response has no image", model)
}
