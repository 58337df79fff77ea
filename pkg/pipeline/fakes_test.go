package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snirego/feedbackd/pkg/models"
	"github.com/snirego/feedbackd/pkg/workitem"
)

// fakeAudit collects audit entries in order.
type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *fakeAudit) Record(_ context.Context, entityType string, entityID int64, action string, details models.Metadata) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, models.AuditLog{
		ID:         int64(len(a.entries) + 1),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Details:    details,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}

// fakeThreads is an in-memory ThreadStore honoring the CAS semantics the
// pipeline depends on.
type fakeThreads struct {
	mu        sync.Mutex
	threads   map[int64]*models.Thread
	emissions map[string]string // "threadID:fingerprint" → work item id
	audit     *fakeAudit

	failPersist    error
	failTransition error
}

func newFakeThreads(audit *fakeAudit, threads ...*models.Thread) *fakeThreads {
	f := &fakeThreads{
		threads:   make(map[int64]*models.Thread),
		emissions: make(map[string]string),
		audit:     audit,
	}
	for _, th := range threads {
		f.threads[th.ID] = th
	}
	return f
}

func (f *fakeThreads) get(id int64) *models.Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	th := *f.threads[id]
	return &th
}

func (f *fakeThreads) GetByID(_ context.Context, id int64) (*models.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %d: not found", id)
	}
	cp := *th
	return &cp, nil
}

func (f *fakeThreads) PersistState(ctx context.Context, th *models.Thread, state models.ThreadState, details models.Metadata) (*models.Thread, error) {
	if f.failPersist != nil {
		return nil, f.failPersist
	}
	f.mu.Lock()
	stored := f.threads[th.ID]
	stored.State = state
	stored.UpdatedAt = stored.UpdatedAt.Add(time.Millisecond)
	stored.LastActivityAt = time.Now()
	cp := *stored
	f.mu.Unlock()

	_ = f.audit.Record(ctx, models.EntityThread, th.ID, models.AuditThreadStateUpdated, details)
	return &cp, nil
}

func (f *fakeThreads) TransitionStatus(ctx context.Context, th *models.Thread, to models.ThreadStatus, reason string) (*models.Thread, error) {
	if f.failTransition != nil {
		return nil, f.failTransition
	}
	f.mu.Lock()
	stored := f.threads[th.ID]
	from := stored.Status
	stored.Status = to
	stored.UpdatedAt = stored.UpdatedAt.Add(time.Millisecond)
	cp := *stored
	f.mu.Unlock()

	_ = f.audit.Record(ctx, models.EntityThread, th.ID, models.AuditThreadStatusChanged,
		models.Metadata{"from": string(from), "to": string(to), "reason": reason})
	return &cp, nil
}

func (f *fakeThreads) ReserveEmission(_ context.Context, threadID int64, fingerprint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d:%s", threadID, fingerprint)
	if _, ok := f.emissions[key]; ok {
		return false, nil
	}
	f.emissions[key] = ""
	return true, nil
}

func (f *fakeThreads) CompleteEmission(_ context.Context, threadID int64, fingerprint, workItemPublicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions[fmt.Sprintf("%d:%s", threadID, fingerprint)] = workItemPublicID
	return nil
}

func (f *fakeThreads) ReleaseEmission(_ context.Context, threadID int64, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.emissions, fmt.Sprintf("%d:%s", threadID, fingerprint))
	return nil
}

// fakeMessages is an in-memory MessageStore.
type fakeMessages struct {
	mu       sync.Mutex
	byThread map[int64][]models.Message
	nextID   int64
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byThread: make(map[int64][]models.Message), nextID: 1}
}

func (f *fakeMessages) add(threadID int64, sender models.SenderType, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byThread[threadID] = append(f.byThread[threadID], models.Message{
		ID:         f.nextID,
		PublicID:   models.NewPublicID(),
		ThreadID:   threadID,
		SenderType: sender,
		Visibility: models.VisibilityPublic,
		Text:       text,
		CreatedAt:  time.Now().Add(time.Duration(f.nextID) * time.Millisecond),
	})
	f.nextID++
}

func (f *fakeMessages) ListByThread(_ context.Context, threadID int64) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.byThread[threadID]...), nil
}

func (f *fakeMessages) AppendSystemNote(_ context.Context, threadID int64, text string, metadata models.Metadata) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := models.Message{
		ID:         f.nextID,
		PublicID:   models.NewPublicID(),
		ThreadID:   threadID,
		SenderType: models.SenderInternal,
		Visibility: models.VisibilityInternal,
		Text:       text,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	f.byThread[threadID] = append(f.byThread[threadID], msg)
	f.nextID++
	return &msg, nil
}

func (f *fakeMessages) systemNotes(threadID int64) []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var notes []models.Message
	for _, m := range f.byThread[threadID] {
		if m.Metadata[models.MetaMessageType] == models.MessageTypeWorkItemSuggestion {
			notes = append(notes, m)
		}
	}
	return notes
}

// fakeCompleter returns canned states or errors.
type fakeCompleter struct {
	mu     sync.Mutex
	states []models.ThreadState
	err    error
	calls  int
}

func (f *fakeCompleter) CompleteState(_ context.Context, _, _ string) (models.ThreadState, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.ThreadState{}, "", f.err
	}
	if len(f.states) == 0 {
		return models.ThreadState{}, "", errors.New("fakeCompleter: no states queued")
	}
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	return state, "{}", nil
}

// fakeEmitter records emissions and optionally fails.
type fakeEmitter struct {
	mu    sync.Mutex
	calls int
	err   error
	last  workitem.Request
}

func (f *fakeEmitter) Create(_ context.Context, req workitem.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return "", &workitem.EmitError{Err: f.err}
	}
	return fmt.Sprintf("wi_%06d", f.calls), nil
}

func (f *fakeEmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestThread(id int64, status models.ThreadStatus) *models.Thread {
	now := time.Now().Add(-time.Hour)
	return &models.Thread{
		ID:             id,
		PublicID:       models.NewPublicID(),
		Status:         status,
		Title:          "",
		State:          models.NewThreadState(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
}
