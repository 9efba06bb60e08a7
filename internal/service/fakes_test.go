package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/superlion8/brand-camera-sub004/internal/models"
	"github.com/superlion8/brand-camera-sub004/internal/repository"
	"github.com/superlion8/brand-camera-sub004/internal/synthesis"
)

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLedgerStore serializes every mutation behind one mutex, standing in for the
// row lock of the SQL store.
type memLedgerStore struct {
	mu        sync.Mutex
	rows      map[string]models.CreditBalance
	events    map[string]bool
	mutateErr error
	mutations int
}

func newMemLedgerStore() *memLedgerStore {
	return &memLedgerStore{rows: make(map[string]models.CreditBalance), events: make(map[string]bool)}
}

func (m *memLedgerStore) put(b models.CreditBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[b.AccountID] = b
}

func (m *memLedgerStore) row(accountID string) models.CreditBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[accountID]
}

func (m *memLedgerStore) Get(_ context.Context, accountID string) (*models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[accountID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *memLedgerStore) Ensure(_ context.Context, accountID string, signup int) (*models.CreditBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.rows[accountID]; ok {
		return &b, false, nil
	}
	b := models.CreditBalance{AccountID: accountID, Signup: signup}
	m.rows[accountID] = b
	return &b, true, nil
}

func (m *memLedgerStore) Mutate(_ context.Context, accountID string, fn repository.LedgerFunc) (*models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mutateErr != nil {
		return nil, m.mutateErr
	}
	cur, ok := m.rows[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	m.mutations++
	m.rows[accountID] = next
	return &next, nil
}

func (m *memLedgerStore) ApplyBillingEvent(ctx context.Context, event *models.BillingEvent, fn repository.LedgerFunc) (*models.CreditBalance, bool, error) {
	key := event.Provider + "/" + event.ProviderEventID
	m.mu.Lock()
	if m.events[key] {
		b := m.rows[event.AccountID]
		m.mu.Unlock()
		return &b, false, nil
	}
	cur := m.rows[event.AccountID]
	next, err := fn(cur)
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	m.events[key] = true
	m.rows[event.AccountID] = next
	m.mu.Unlock()
	return &next, true, nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	failFor map[int]bool
	puts    int
}

func (f *fakeArtifacts) Put(_ context.Context, accountID, requestID string, slot int, img synthesis.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failFor[slot] {
		return "", errors.New("bucket unavailable")
	}
	return fmt.Sprintf("https://cdn.test/%s/%s/%d.png", accountID, requestID, slot), nil
}

type fakeRecords struct {
	mu      sync.Mutex
	err     error
	written []models.GenerationRecord
	list    []models.GenerationRecord
}

func (f *fakeRecords) Create(_ context.Context, rec *models.GenerationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, *rec)
	return nil
}

func (f *fakeRecords) ListByAccount(_ context.Context, accountID string, limit int) ([]models.GenerationRecord, error) {
	return f.list, nil
}

func (f *fakeRecords) ListNeedingReconciliation(_ context.Context, limit int) ([]models.GenerationRecord, error) {
	var out []models.GenerationRecord
	for _, r := range f.list {
		if r.NeedsReconciliation {
			out = append(out, r)
		}
	}
	return out, nil
}

// recordingLedger counts calls and can be told to fail.
type recordingLedger struct {
	mu         sync.Mutex
	consumeErr error
	refundErr  error
	consumed   []int
	refunded   []int
}

func (l *recordingLedger) Consume(_ context.Context, accountID string, amount int) (*models.CreditBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumeErr != nil {
		return nil, l.consumeErr
	}
	l.consumed = append(l.consumed, amount)
	return &models.CreditBalance{AccountID: accountID}, nil
}

func (l *recordingLedger) Refund(_ context.Context, accountID string, amount int) (*models.CreditBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refundErr != nil {
		return nil, l.refundErr
	}
	l.refunded = append(l.refunded, amount)
	return &models.CreditBalance{AccountID: accountID}, nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyReconciliation(ctx context.Context, event models.ReconciliationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// outcomes builds slot outcomes; true means the slot produced an image.
func outcomes(success ...bool) []synthesis.SlotOutcome {
	out := make([]synthesis.SlotOutcome, len(success))
	for i, ok := range success {
		out[i] = synthesis.SlotOutcome{Slot: i, Model: models.ModelPrimary, Outcome: models.OutcomeSuccess}
		if ok {
			out[i].Image = &synthesis.Image{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"}
		} else {
			out[i].Outcome = models.OutcomeRateLimited
			out[i].Err = synthesis.ErrRateLimited
		}
		out[i].Attempts = []models.SynthesisAttempt{{ImageSlot: i, Model: models.ModelPrimary, AttemptNumber: 1, Outcome: out[i].Outcome}}
	}
	return out
}

type fakeOrchestrator struct {
	result []synthesis.SlotOutcome
	jobs   []synthesis.Job
}

func (f *fakeOrchestrator) Run(_ context.Context, job synthesis.Job) []synthesis.SlotOutcome {
	f.jobs = append(f.jobs, job)
	return f.result
}

type fakeAttemptSink struct {
	submitted [][]models.SynthesisAttempt
}

func (f *fakeAttemptSink) Submit(attempts []models.SynthesisAttempt) bool {
	f.submitted = append(f.submitted, attempts)
	return true
}
