package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/superlion8/brand-camera-sub004/internal/metrics"
	"github.com/superlion8/brand-camera-sub004/internal/models"
)

// Config controls retry, timeout and pacing of backend calls.
type Config struct {
	// PrimaryRetries is how many extra primary calls a rate-limited slot may make
	// before falling back. Zero means fall back immediately.
	PrimaryRetries int
	// RetryBackoff is multiplied by the attempt number between primary retries.
	RetryBackoff time.Duration
	CallTimeout  time.Duration
	// BatchSize slots run in parallel; BatchDelay separates consecutive batches.
	BatchSize  int
	BatchDelay time.Duration
	// RequestsPerSecond paces every call made through this orchestrator. Zero disables it.
	RequestsPerSecond float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		PrimaryRetries: 0,
		RetryBackoff:   time.Second,
		CallTimeout:    90 * time.Second,
		BatchSize:      2,
		BatchDelay:     1500 * time.Millisecond,
	}
}

// Job is one generation request as seen by the orchestrator.
type Job struct {
	RequestID  string
	Prompt     string
	References []Image
	Slots      int
}

// SlotOutcome is the terminal result of one slot.
type SlotOutcome struct {
	Slot     int
	Image    *Image
	Model    models.ModelRole
	Outcome  models.AttemptOutcome
	Err      error
	Attempts []models.SynthesisAttempt
}

func (s SlotOutcome) Succeeded() bool {
	return s.Image != nil
}

type Orchestrator struct {
	backend Backend
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(backend Backend, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.PrimaryRetries < 0 {
		cfg.PrimaryRetries = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	limit := rate.Inf
	burst := 0
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, cfg.BatchSize)
	}
	return &Orchestrator{
		backend: backend,
		cfg:     cfg,
		log:     log.With("component", "orchestrator"),
		limiter: rate.NewLimiter(limit, burst),
		sleep:   sleepContext,
	}
}

// Run produces one outcome per slot, in slot order. It never fails as a whole: slots
// that could not start before ctx ended are reported as timeouts, and work already
// finished is kept.
func (o *Orchestrator) Run(ctx context.Context, job Job) []SlotOutcome {
	outcomes := make([]SlotOutcome, job.Slots)

	if prep, ok := o.backend.(ReferencePreparer); ok && len(job.References) > 0 {
		refs, err := prep.PrepareReferences(ctx, job.References)
		if err != nil {
			o.failAll(outcomes, job.RequestID, err)
			return outcomes
		}
		job.References = refs
	}

	for start := 0; start < job.Slots; start += o.cfg.BatchSize {
		end := min(start+o.cfg.BatchSize, job.Slots)

		if start > 0 {
			if err := o.sleep(ctx, o.cfg.BatchDelay); err != nil {
				o.abandon(outcomes, start, err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			o.abandon(outcomes, start, err)
			break
		}

		var wg sync.WaitGroup
		for slot := start; slot < end; slot++ {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				outcomes[slot] = o.generateSlot(ctx, job, slot)
			}(slot)
		}
		wg.Wait()
	}

	return outcomes
}

func (o *Orchestrator) abandon(outcomes []SlotOutcome, from int, cause error) {
	o.log.Warn("request deadline reached, skipping remaining slots", "from_slot", from, "slots", len(outcomes), "err", cause)
	for slot := from; slot < len(outcomes); slot++ {
		outcomes[slot] = SlotOutcome{
			Slot:    slot,
			Outcome: models.OutcomeTimeout,
			Err:     fmt.Errorf("%w: slot not started: %v", ErrTimeout, cause),
		}
		metrics.SlotsTotal.WithLabelValues("failed", "none").Inc()
	}
}

func (o *Orchestrator) failAll(outcomes []SlotOutcome, requestID string, cause error) {
	o.log.Error("reference preparation failed, no slot started", "request_id", requestID, "slots", len(outcomes), "err", cause)
	err := fmt.Errorf("prepare references: %w", cause)
	for slot := range outcomes {
		outcomes[slot] = SlotOutcome{
			Slot:    slot,
			Outcome: Classify(err),
			Err:     err,
		}
		metrics.SlotsTotal.WithLabelValues("failed", "none").Inc()
	}
}

type slotState int

const (
	stateTryPrimary slotState = iota
	stateRetryPrimary
	stateTryFallback
	stateDone
)

// generateSlot runs TryPrimary -> RetryPrimary* -> TryFallback -> Done. Only a
// rate-limited primary with budget left is retried; everything else falls back once.
func (o *Orchestrator) generateSlot(ctx context.Context, job Job, slot int) SlotOutcome {
	out := SlotOutcome{Slot: slot}
	primaryCalls := 0

	state := stateTryPrimary
	for state != stateDone {
		switch state {
		case stateTryPrimary, stateRetryPrimary:
			primaryCalls++
			img, err := o.attempt(ctx, job, &out, models.ModelPrimary)
			if err == nil {
				out.Image, out.Model = img, models.ModelPrimary
				state = stateDone
				continue
			}
			state = stateTryFallback
			if Classify(err) == models.OutcomeRateLimited && primaryCalls <= o.cfg.PrimaryRetries {
				backoff := o.cfg.RetryBackoff * time.Duration(primaryCalls)
				if werr := o.sleep(ctx, backoff); werr == nil {
					state = stateRetryPrimary
				}
			}
		case stateTryFallback:
			img, err := o.attempt(ctx, job, &out, models.ModelFallback)
			if err == nil {
				out.Image, out.Model = img, models.ModelFallback
			}
			state = stateDone
		}
	}

	if out.Succeeded() {
		metrics.SlotsTotal.WithLabelValues("success", string(out.Model)).Inc()
	} else {
		metrics.SlotsTotal.WithLabelValues("failed", "none").Inc()
		o.log.Warn("slot failed on both models", "request_id", job.RequestID, "slot", slot, "outcome", out.Outcome, "err", out.Err)
	}
	return out
}

func (o *Orchestrator) attempt(ctx context.Context, job Job, out *SlotOutcome, model models.ModelRole) (*Image, error) {
	started := time.Now()
	img, err := o.call(WithSlot(ctx, out.Slot), model, job)
	elapsed := time.Since(started)
	outcome := Classify(err)

	record := models.SynthesisAttempt{
		RequestID:     job.RequestID,
		ImageSlot:     out.Slot,
		Model:         model,
		AttemptNumber: len(out.Attempts) + 1,
		Outcome:       outcome,
		LatencyMs:     elapsed.Milliseconds(),
	}
	if err != nil {
		record.ErrorMessage = err.Error()
		o.log.Warn("synthesis call failed", "request_id", job.RequestID, "slot", out.Slot, "model", model, "attempt", record.AttemptNumber, "outcome", outcome, "err", err)
	}
	out.Attempts = append(out.Attempts, record)
	out.Outcome = outcome
	out.Err = err

	metrics.SynthesisAttempts.WithLabelValues(string(model), string(outcome)).Inc()
	metrics.SynthesisLatency.WithLabelValues(string(model)).Observe(elapsed.Seconds())
	return img, err
}

// call bounds a single backend call by CallTimeout even when the backend ignores ctx.
func (o *Orchestrator) call(ctx context.Context, model models.ModelRole, job Job) (*Image, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	if err := o.limiter.Wait(callCtx); err != nil {
		return nil, fmt.Errorf("%w: pacing wait: %v", ErrTimeout, err)
	}

	type result struct {
		img *Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		img, err := o.backend.Generate(callCtx, model, job.Prompt, job.References)
		done <- result{img: img, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && (r.img == nil || len(r.img.Data) == 0) {
			r.err = errors.New("backend returned no image data")
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.img, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("%w: %s model call: %v", ErrTimeout, model, callCtx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
