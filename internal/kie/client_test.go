package kie

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
)

type stubUploader struct {
	mu      sync.Mutex
	uploads int
}

func (s *stubUploader) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads++
	return fmt.Sprintf("https://cdn.test/ref-%d.jpg", s.uploads), nil
}

// fakeKIE serves createTask, recordInfo and the result image. states is the
// sequence of task states returned by successive polls.
type fakeKIE struct {
	mu         sync.Mutex
	createCode int
	states     []taskRecord
	polls      int
	payloads   []map[string]any
}

func (f *fakeKIE) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs/createTask", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		f.mu.Lock()
		f.payloads = append(f.payloads, payload)
		f.mu.Unlock()

		if f.createCode == http.StatusTooManyRequests {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":429,"msg":"slow down"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"task-1"}}`))
	})
	mux.HandleFunc("/api/v1/jobs/recordInfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "task-1", r.URL.Query().Get("taskId"))
		f.mu.Lock()
		rec := f.states[min(f.polls, len(f.states)-1)]
		f.polls++
		f.mu.Unlock()
		data, _ := json.Marshal(rec)
		_, _ = fmt.Fprintf(w, `{"code":200,"msg":"ok","data":%s}`, data)
	})
	mux.HandleFunc("/result.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeKIE) (*Client, *stubUploader, *httptest.Server) {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	up := &stubUploader{}
	c := NewClient(Config{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		PollInterval: time.Millisecond,
		MaxPolls:     3,
	}, up, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, up, srv
}

func success(srvURL string) taskRecord {
	return taskRecord{TaskID: "task-1", State: "success", ResultJSON: fmt.Sprintf(`{"resultUrls":["%s/result.png"]}`, srvURL)}
}

func TestGenerateSuccessAfterPolling(t *testing.T) {
	f := &fakeKIE{}
	c, up, srv := newTestClient(t, f)
	f.states = []taskRecord{{State: "waiting"}, {State: "generating"}, success(srv.URL)}

	img, err := c.Generate(context.Background(), models.ModelPrimary, "studio shot", []synthesis.Image{{Data: []byte("ref"), MIMEType: "image/jpeg"}})
	require.NoError(t, err)

	assert.Equal(t, []byte("png-bytes"), img.Data)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, 1, up.uploads)
	assert.Equal(t, 3, f.polls)

	require.Len(t, f.payloads, 1)
	assert.Equal(t, "nano-banana-pro", f.payloads[0]["model"])
	input := f.payloads[0]["input"].(map[string]any)
	assert.Equal(t, []any{"https://cdn.test/ref-1.jpg"}, input["image_input"])
}

func TestFallbackUsesFluxPayload(t *testing.T) {
	f := &fakeKIE{}
	c, _, srv := newTestClient(t, f)
	f.states = []taskRecord{success(srv.URL)}

	_, err := c.Generate(context.Background(), models.ModelFallback, "p", []synthesis.Image{{Data: []byte("ref")}})
	require.NoError(t, err)

	assert.Equal(t, "flux-2/pro-image-to-image", f.payloads[0]["model"])
	input := f.payloads[0]["input"].(map[string]any)
	assert.Contains(t, input, "input_urls")
	assert.NotContains(t, input, "image_input")
}

func TestCreateTaskThrottled(t *testing.T) {
	f := &fakeKIE{createCode: http.StatusTooManyRequests}
	c, _, _ := newTestClient(t, f)

	_, err := c.Generate(context.Background(), models.ModelPrimary, "p", nil)
	require.ErrorIs(t, err, synthesis.ErrRateLimited)
	assert.Equal(t, models.OutcomeRateLimited, synthesis.Classify(err))
}

func TestTaskFailureClassification(t *testing.T) {
	cases := []struct {
		rec  taskRecord
		want models.AttemptOutcome
	}{
		{taskRecord{State: "fail", FailMsg: "Your prompt was flagged as sensitive"}, models.OutcomeSafetyBlocked},
		{taskRecord{State: "fail", FailCode: "429", FailMsg: "busy"}, models.OutcomeRateLimited},
		{taskRecord{State: "fail", FailCode: "500", FailMsg: "internal"}, models.OutcomeOtherError},
	}
	for _, tc := range cases {
		t.Run(tc.rec.FailMsg, func(t *testing.T) {
			f := &fakeKIE{states: []taskRecord{tc.rec}}
			c, _, _ := newTestClient(t, f)

			_, err := c.Generate(context.Background(), models.ModelPrimary, "p", nil)
			require.Error(t, err)
			assert.Equal(t, tc.want, synthesis.Classify(err))
		})
	}
}

func TestPollExhaustionIsTimeout(t *testing.T) {
	f := &fakeKIE{states: []taskRecord{{State: "queueing"}}}
	c, _, _ := newTestClient(t, f)

	_, err := c.Generate(context.Background(), models.ModelPrimary, "p", nil)
	require.ErrorIs(t, err, synthesis.ErrTimeout)
	assert.Equal(t, 3, f.polls)
}

func TestReferencesUploadedOncePerJob(t *testing.T) {
	f := &fakeKIE{states: []taskRecord{{State: "fail", FailCode: "500", FailMsg: "internal"}}}
	c, up, _ := newTestClient(t, f)
	o := synthesis.NewOrchestrator(c, synthesis.Config{
		CallTimeout: 5 * time.Second,
		BatchSize:   2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	refs := []synthesis.Image{
		{Data: []byte("front"), MIMEType: "image/jpeg"},
		{Data: []byte("back"), MIMEType: "image/jpeg"},
	}
	out := o.Run(context.Background(), synthesis.Job{RequestID: "req-1", Prompt: "p", References: refs, Slots: 2})

	require.Len(t, out, 2)
	for _, slot := range out {
		assert.False(t, slot.Succeeded())
		assert.Len(t, slot.Attempts, 2)
	}
	assert.Equal(t, 2, up.uploads)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.payloads, 4)
	want := []any{"https://cdn.test/ref-1.jpg", "https://cdn.test/ref-2.jpg"}
	for _, payload := range f.payloads {
		input := payload["input"].(map[string]any)
		urls, ok := input["image_input"]
		if !ok {
			urls = input["input_urls"]
		}
		assert.Equal(t, want, urls)
	}
}

func TestGenerateReusesStagedURLs(t *testing.T) {
	f := &fakeKIE{}
	c, up, srv := newTestClient(t, f)
	f.states = []taskRecord{success(srv.URL)}

	_, err := c.Generate(context.Background(), models.ModelPrimary, "p", []synthesis.Image{{URL: "https://cdn.test/staged.jpg"}})
	require.NoError(t, err)

	assert.Zero(t, up.uploads)
	input := f.payloads[0]["input"].(map[string]any)
	assert.Equal(t, []any{"https://cdn.test/staged.jpg"}, input["image_input"])
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, DefaultBaseURL, NormalizeBaseURL(""))
	assert.Equal(t, "https://api.kie.ai", NormalizeBaseURL("kie.ai"))
	assert.Equal(t, "https://api.kie.ai", NormalizeBaseURL("https://kie.ai/"))
	assert.Equal(t, "http://127.0.0.1:9000", NormalizeBaseURL("http://127.0.0.1:9000"))
}
