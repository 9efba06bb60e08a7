package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superlion8/brand-camera-sub004/internal/models"
)

var errHang = errors.New("hang past the call timeout")

// scriptedBackend returns, per slot and model, the next error from a script.
// A nil entry (or an empty script) succeeds; the last entry repeats.
type scriptedBackend struct {
	mu          sync.Mutex
	script      map[int]map[models.ModelRole][]error
	calls       map[int]map[models.ModelRole]int
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		script: make(map[int]map[models.ModelRole][]error),
		calls:  make(map[int]map[models.ModelRole]int),
	}
}

func (b *scriptedBackend) on(slot int, model models.ModelRole, errs ...error) *scriptedBackend {
	if b.script[slot] == nil {
		b.script[slot] = make(map[models.ModelRole][]error)
	}
	b.script[slot][model] = errs
	return b
}

func (b *scriptedBackend) callCount(slot int, model models.ModelRole) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[slot][model]
}

func (b *scriptedBackend) Generate(ctx context.Context, model models.ModelRole, prompt string, refs []Image) (*Image, error) {
	slot, _ := SlotFromContext(ctx)

	b.mu.Lock()
	if b.calls[slot] == nil {
		b.calls[slot] = make(map[models.ModelRole]int)
	}
	n := b.calls[slot][model]
	b.calls[slot][model]++
	seq := b.script[slot][model]
	b.inFlight++
	b.maxInFlight = max(b.maxInFlight, b.inFlight)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	var err error
	switch {
	case n < len(seq):
		err = seq[n]
	case len(seq) > 0:
		err = seq[len(seq)-1]
	}
	if errors.Is(err, errHang) {
		time.Sleep(500 * time.Millisecond)
		return &Image{Data: []byte("late"), MIMEType: "image/png"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Image{Data: []byte(fmt.Sprintf("%s-%d", model, slot)), MIMEType: "image/png"}, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestOrchestrator(backend Backend, cfg Config) (*Orchestrator, *sleepRecorder) {
	o := NewOrchestrator(backend, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := &sleepRecorder{}
	o.sleep = rec.sleep
	return o, rec
}

func testConfig() Config {
	return Config{
		PrimaryRetries: 0,
		RetryBackoff:   100 * time.Millisecond,
		CallTimeout:    time.Second,
		BatchSize:      2,
		BatchDelay:     time.Second,
	}
}

func TestRunPartialSuccess(t *testing.T) {
	backend := newScriptedBackend().
		on(0, models.ModelPrimary, ErrRateLimited).
		on(2, models.ModelPrimary, ErrRateLimited).
		on(3, models.ModelPrimary, errors.New("boom")).
		on(3, models.ModelFallback, ErrSafetyBlocked)
	o, _ := newTestOrchestrator(backend, testConfig())

	out := o.Run(context.Background(), Job{RequestID: "req-1", Prompt: "p", Slots: 4})
	require.Len(t, out, 4)

	for i, slot := range out {
		assert.Equal(t, i, slot.Slot)
	}

	assert.True(t, out[0].Succeeded())
	assert.Equal(t, models.ModelFallback, out[0].Model)
	assert.True(t, out[1].Succeeded())
	assert.Equal(t, models.ModelPrimary, out[1].Model)
	assert.Equal(t, []byte("primary-1"), out[1].Image.Data)
	assert.True(t, out[2].Succeeded())
	assert.Equal(t, models.ModelFallback, out[2].Model)

	assert.False(t, out[3].Succeeded())
	assert.Equal(t, models.OutcomeSafetyBlocked, out[3].Outcome)
	require.Len(t, out[3].Attempts, 2)
	assert.Equal(t, models.OutcomeOtherError, out[3].Attempts[0].Outcome)
	assert.Equal(t, models.ModelFallback, out[3].Attempts[1].Model)
	assert.Equal(t, 2, out[3].Attempts[1].AttemptNumber)

	for _, slot := range []int{0, 2, 3} {
		assert.Equal(t, 1, backend.callCount(slot, models.ModelFallback), "slot %d", slot)
	}
	assert.Equal(t, 0, backend.callCount(1, models.ModelFallback))
}

func TestFallbackCalledExactlyOnceWithZeroRetryBudget(t *testing.T) {
	backend := newScriptedBackend().
		on(0, models.ModelPrimary, ErrRateLimited).
		on(0, models.ModelFallback, ErrRateLimited)
	o, rec := newTestOrchestrator(backend, testConfig())

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 1})

	assert.False(t, out[0].Succeeded())
	assert.Equal(t, models.OutcomeRateLimited, out[0].Outcome)
	assert.Equal(t, 1, backend.callCount(0, models.ModelPrimary))
	assert.Equal(t, 1, backend.callCount(0, models.ModelFallback))
	assert.Len(t, out[0].Attempts, 2)
	assert.Empty(t, rec.waits)
}

func TestPrimaryRetriedWithinBudget(t *testing.T) {
	backend := newScriptedBackend().
		on(0, models.ModelPrimary, ErrRateLimited, ErrRateLimited, nil)
	cfg := testConfig()
	cfg.PrimaryRetries = 2
	o, rec := newTestOrchestrator(backend, cfg)

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 1})

	require.True(t, out[0].Succeeded())
	assert.Equal(t, models.ModelPrimary, out[0].Model)
	assert.Equal(t, 3, backend.callCount(0, models.ModelPrimary))
	assert.Equal(t, 0, backend.callCount(0, models.ModelFallback))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.waits)
	assert.Equal(t, 3, out[0].Attempts[2].AttemptNumber)
}

func TestRetryBudgetExhaustedFallsBack(t *testing.T) {
	backend := newScriptedBackend().on(0, models.ModelPrimary, ErrRateLimited)
	cfg := testConfig()
	cfg.PrimaryRetries = 1
	o, _ := newTestOrchestrator(backend, cfg)

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 1})

	require.True(t, out[0].Succeeded())
	assert.Equal(t, models.ModelFallback, out[0].Model)
	assert.Equal(t, 2, backend.callCount(0, models.ModelPrimary))
	assert.Equal(t, 1, backend.callCount(0, models.ModelFallback))
}

func TestNonRateLimitErrorsAreNotRetried(t *testing.T) {
	for _, err := range []error{ErrSafetyBlocked, ErrTimeout, errors.New("bad request")} {
		t.Run(err.Error(), func(t *testing.T) {
			backend := newScriptedBackend().on(0, models.ModelPrimary, err)
			cfg := testConfig()
			cfg.PrimaryRetries = 3
			o, rec := newTestOrchestrator(backend, cfg)

			out := o.Run(context.Background(), Job{RequestID: "req", Slots: 1})

			assert.True(t, out[0].Succeeded())
			assert.Equal(t, 1, backend.callCount(0, models.ModelPrimary))
			assert.Equal(t, 1, backend.callCount(0, models.ModelFallback))
			assert.Empty(t, rec.waits)
		})
	}
}

func TestCallTimeoutFallsBack(t *testing.T) {
	backend := newScriptedBackend().on(0, models.ModelPrimary, errHang)
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	o, _ := newTestOrchestrator(backend, cfg)

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 1})

	require.True(t, out[0].Succeeded())
	assert.Equal(t, models.ModelFallback, out[0].Model)
	require.Len(t, out[0].Attempts, 2)
	assert.Equal(t, models.OutcomeTimeout, out[0].Attempts[0].Outcome)
}

func TestBatchesAreBoundedAndPaced(t *testing.T) {
	backend := newScriptedBackend()
	backend.delay = 20 * time.Millisecond
	o, rec := newTestOrchestrator(backend, testConfig())

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 5})

	for _, slot := range out {
		assert.True(t, slot.Succeeded())
	}
	assert.LessOrEqual(t, backend.maxInFlight, 2)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.waits)
}

func TestParentCancellationKeepsFinishedSlots(t *testing.T) {
	backend := newScriptedBackend()
	o, _ := newTestOrchestrator(backend, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out := o.Run(ctx, Job{RequestID: "req", Slots: 4})

	require.Len(t, out, 4)
	assert.True(t, out[0].Succeeded())
	assert.True(t, out[1].Succeeded())
	for _, slot := range out[2:] {
		assert.False(t, slot.Succeeded())
		assert.Equal(t, models.OutcomeTimeout, slot.Outcome)
		assert.Empty(t, slot.Attempts)
	}
	assert.Equal(t, 0, backend.callCount(2, models.ModelPrimary))
}

func TestEmptyImageIsAFailure(t *testing.T) {
	o, _ := newTestOrchestrator(emptyBackend{}, testConfig())

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 1})

	assert.False(t, out[0].Succeeded())
	assert.Equal(t, models.OutcomeOtherError, out[0].Outcome)
}

type emptyBackend struct{}

func (emptyBackend) Generate(context.Context, models.ModelRole, string, []Image) (*Image, error) {
	return &Image{}, nil
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.OutcomeSuccess, Classify(nil))
	assert.Equal(t, models.OutcomeRateLimited, Classify(fmt.Errorf("quota: %w", ErrRateLimited)))
	assert.Equal(t, models.OutcomeSafetyBlocked, Classify(fmt.Errorf("x: %w", ErrSafetyBlocked)))
	assert.Equal(t, models.OutcomeTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, models.OutcomeOtherError, Classify(errors.New("nope")))
}

type preparingBackend struct {
	*scriptedBackend
	mu       sync.Mutex
	prepared int
	err      error
	seen     []string
}

func (b *preparingBackend) PrepareReferences(_ context.Context, refs []Image) ([]Image, error) {
	b.mu.Lock()
	b.prepared++
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	out := make([]Image, len(refs))
	for i, ref := range refs {
		ref.URL = fmt.Sprintf("https://cdn.test/%d", i)
		out[i] = ref
	}
	return out, nil
}

func (b *preparingBackend) Generate(ctx context.Context, model models.ModelRole, prompt string, refs []Image) (*Image, error) {
	b.mu.Lock()
	for _, ref := range refs {
		b.seen = append(b.seen, ref.URL)
	}
	b.mu.Unlock()
	return b.scriptedBackend.Generate(ctx, model, prompt, refs)
}

func TestReferencesPreparedOncePerJob(t *testing.T) {
	backend := &preparingBackend{scriptedBackend: newScriptedBackend().
		on(0, models.ModelPrimary, ErrRateLimited).
		on(1, models.ModelPrimary, ErrRateLimited)}
	o, _ := newTestOrchestrator(NewBreakerBackend(backend, "test-prepare", DefaultBreakerSettings(), slog.New(slog.NewTextHandler(io.Discard, nil))), testConfig())

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 2, References: []Image{{Data: []byte("ref")}}})

	assert.True(t, out[0].Succeeded())
	assert.True(t, out[1].Succeeded())
	assert.Equal(t, 1, backend.prepared)
	assert.Len(t, backend.seen, 4)
	for _, u := range backend.seen {
		assert.Equal(t, "https://cdn.test/0", u)
	}
}

func TestReferencePreparationFailureFailsEverySlot(t *testing.T) {
	backend := &preparingBackend{scriptedBackend: newScriptedBackend(), err: errors.New("bucket unavailable")}
	o, _ := newTestOrchestrator(backend, testConfig())

	out := o.Run(context.Background(), Job{RequestID: "req", Slots: 3, References: []Image{{Data: []byte("ref")}}})

	require.Len(t, out, 3)
	for i, slot := range out {
		assert.Equal(t, i, slot.Slot)
		assert.False(t, slot.Succeeded())
		assert.Equal(t, models.OutcomeOtherError, slot.Outcome)
		assert.ErrorContains(t, slot.Err, "bucket unavailable")
	}
	assert.Equal(t, 0, backend.callCount(0, models.ModelPrimary))
}
