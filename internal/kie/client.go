// Package kie is a synthesis backend on the KIE asynchronous jobs API: create a
// task, poll it until it settles, then download the result.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
)

const DefaultBaseURL = "https://api.kie.ai"

type Config struct {
	APIKey         string
	BaseURL        string
	PrimaryModel   string
	FallbackModel  string
	AspectRatio    string
	Resolution     string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	MaxPolls       int
}

// ReferenceUploader publishes reference images so the API can fetch them by URL.
type ReferenceUploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	uploader   ReferenceUploader
	log        *slog.Logger
}

func NewClient(cfg Config, uploader ReferenceUploader, log *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	if cfg.PrimaryModel == "" {
		cfg.PrimaryModel = "nano-banana-pro"
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = "flux-2/pro-image-to-image"
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = "1:1"
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "1K"
	}
	return &Client{
		cfg:     cfg,
		baseURL: NormalizeBaseURL(cfg.BaseURL),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		uploader: uploader,
		log:      log.With("component", "kie"),
	}
}

// Generate runs one task on the model mapped to role and returns the downloaded image.
func (c *Client) Generate(ctx context.Context, role models.ModelRole, prompt string, references []synthesis.Image) (*synthesis.Image, error) {
	modelName := c.cfg.PrimaryModel
	if role == models.ModelFallback {
		modelName = c.cfg.FallbackModel
	}

	refs, err := c.PrepareReferences(ctx, references)
	if err != nil {
		return nil, err
	}
	inputURLs := make([]string, 0, len(refs))
	for _, ref := range refs {
		inputURLs = append(inputURLs, ref.URL)
	}

	taskID, err := c.createTask(ctx, c.buildPayload(modelName, prompt, inputURLs))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	resultURL, err := c.pollTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, resultURL)
}

// PrepareReferences uploads references that have no URL yet. Images that already
// carry one are returned as is, so a job's references are uploaded only once.
func (c *Client) PrepareReferences(ctx context.Context, references []synthesis.Image) ([]synthesis.Image, error) {
	out := make([]synthesis.Image, len(references))
	for i, ref := range references {
		if ref.URL == "" {
			if c.uploader == nil {
				return nil, errors.New("kie backend needs a reference uploader")
			}
			u, err := c.uploader.Upload(ctx, ref.Data, ref.MIMEType)
			if err != nil {
				return nil, fmt.Errorf("upload reference: %w", err)
			}
			ref.URL = u
		}
		out[i] = ref
	}
	return out, nil
}

func (c *Client) buildPayload(modelName, prompt string, inputURLs []string) map[string]any {
	input := map[string]any{
		"prompt":       prompt,
		"aspect_ratio": c.cfg.AspectRatio,
		"resolution":   c.cfg.Resolution,
	}
	if strings.HasPrefix(modelName, "flux") {
		if len(inputURLs) > 0 {
			input["input_urls"] = inputURLs
		}
	} else {
		input["output_format"] = "png"
		if len(inputURLs) > 0 {
			input["image_input"] = inputURLs
		}
	}
	return map[string]any{
		"model": modelName,
		"input": input,
	}
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do sends the request and decodes the API envelope, classifying throttling.
func (c *Client) do(req *http.Request) (*envelope, error) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", synthesis.ErrTimeout, err)
		}
		return nil, fmt.Errorf("kie request: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status=%d body=%s", synthesis.ErrRateLimited, resp.StatusCode, truncateBody(rawBody))
	}
	if resp.StatusCode >= 300 {
		c.log.Error("KIE request failed", "status", resp.StatusCode, "url", req.URL.String(), "body", truncateBody(rawBody))
		return nil, fmt.Errorf("kie error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
	}
	switch env.Code {
	case http.StatusOK:
		return &env, nil
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: code=%d msg=%s", synthesis.ErrRateLimited, env.Code, env.Msg)
	default:
		return nil, fmt.Errorf("kie error: code=%d msg=%s", env.Code, env.Msg)
	}
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	env, err := c.do(req)
	if err != nil {
		return "", err
	}

	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("decode create task data: %w", err)
	}
	if data.TaskID == "" {
		return "", errors.New("empty taskId in response")
	}

	c.log.Debug("KIE task created", "task_id", data.TaskID, "model", payload["model"])
	return data.TaskID, nil
}

type taskRecord struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

// pollTaskStatus waits for the task to settle and returns the first result URL.
func (c *Client) pollTaskStatus(ctx context.Context, taskID string) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < c.cfg.MaxPolls; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		env, err := c.do(req)
		if err != nil {
			return "", fmt.Errorf("get task status: %w", err)
		}

		var rec taskRecord
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return "", fmt.Errorf("decode task record: %w", err)
		}

		switch rec.State {
		case "success":
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(rec.ResultJSON), &result); err != nil {
				return "", fmt.Errorf("parse resultJson: %w", err)
			}
			if len(result.ResultURLs) == 0 {
				return "", errors.New("no resultUrls in result")
			}
			c.log.Debug("KIE task completed", "task_id", taskID, "polls", attempt+1)
			return result.ResultURLs[0], nil

		case "fail":
			return "", classifyFailure(rec)

		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt == c.cfg.MaxPolls-1 {
				break
			}
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", synthesis.ErrTimeout, ctx.Err())
			case <-time.After(c.cfg.PollInterval):
			}

		default:
			return "", fmt.Errorf("unknown task state: %s", rec.State)
		}
	}

	return "", fmt.Errorf("%w: task %s still running after %d polls", synthesis.ErrTimeout, taskID, c.cfg.MaxPolls)
}

var safetyMarkers = []string{"sensitive", "nsfw", "safety", "content policy", "prohibited", "flagged"}

func classifyFailure(rec taskRecord) error {
	msg := rec.FailMsg
	if msg == "" {
		msg = "unknown error"
	}
	lower := strings.ToLower(msg)
	switch {
	case rec.FailCode == "429" || strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return fmt.Errorf("%w: task failed: %s", synthesis.ErrRateLimited, msg)
	case containsAny(lower, safetyMarkers):
		return fmt.Errorf("%w: task failed: %s", synthesis.ErrSafetyBlocked, msg)
	default:
		return fmt.Errorf("task failed: %s (code: %s)", msg, rec.FailCode)
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func (c *Client) download(ctx context.Context, resultURL string) (*synthesis.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download result: status=%d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return &synthesis.Image{Data: data, MIMEType: mime}, nil
}

// NormalizeBaseURL ensures we always hit the API host. The root kie.ai domain
// serves HTML instead of JSON.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultBaseURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return DefaultBaseURL
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}
	return strings.TrimRight(parsed.String(), "/")
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
