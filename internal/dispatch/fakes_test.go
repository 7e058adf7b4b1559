package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"avatarbatch/internal/domain"
	"avatarbatch/internal/providers/genapi"
	"avatarbatch/internal/queue"
)

// memStore is an in-memory job table and ledger with the same conditional
// update rules as the SQL stores.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	ledger   map[string]domain.LedgerEntry
	claims   int
	notes    []string
	failNext map[string]error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*domain.Job{}, ledger: map[string]domain.LedgerEntry{}, failNext: map[string]error{}}
}

func (m *memStore) injected(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

func (m *memStore) Create(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("create"); err != nil {
		return err
	}
	cp := *job
	cp.Status = domain.JobStatusPending
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("get"); err != nil {
		return nil, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ClaimPending(ctx context.Context, id, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("claim"); err != nil {
		return false, err
	}
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobStatusPending {
		return false, nil
	}
	j.Status = domain.JobStatusProcessing
	j.ClaimToken = token
	m.claims++
	return true, nil
}

func (m *memStore) AnnotateError(ctx context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, message)
	if j, ok := m.jobs[id]; ok && !j.Status.IsTerminal() {
		j.ErrorMessage = &message
	}
	return nil
}

func (m *memStore) AdvanceCursor(ctx context.Context, id string, next int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.DispatchCursor >= next {
		return false, nil
	}
	j.DispatchCursor = next
	return true, nil
}

func (m *memStore) setStatus(id string, status domain.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = status
}

func ledgerKey(jobID string, idx int) string {
	return fmt.Sprintf("%s/%d", jobID, idx)
}

func (m *memStore) Exists(ctx context.Context, jobID string, idx int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("exists"); err != nil {
		return false, err
	}
	_, ok := m.ledger[ledgerKey(jobID, idx)]
	return ok, nil
}

func (m *memStore) Insert(ctx context.Context, e *domain.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("insert"); err != nil {
		return false, err
	}
	key := ledgerKey(e.JobID, e.UnitIndex)
	if _, ok := m.ledger[key]; ok {
		return false, nil
	}
	m.ledger[key] = *e
	return true, nil
}

func (m *memStore) ListByJob(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.ledger {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitIndex < out[j].UnitIndex })
	return out, nil
}

func (m *memStore) ListPending(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	return nil, errors.New("not used")
}

func (m *memStore) MarkPolled(ctx context.Context, jobID string, idx int) error {
	return errors.New("not used")
}

func (m *memStore) Resolve(ctx context.Context, jobID string, idx int, status domain.LedgerStatus, resultRef, errMsg *string) (bool, error) {
	return false, errors.New("not used")
}

func (m *memStore) Summarize(ctx context.Context, jobID string) (domain.LedgerSummary, error) {
	entries, _ := m.ListByJob(ctx, jobID)
	var s domain.LedgerSummary
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case domain.LedgerStatusPending:
			s.Pending++
		case domain.LedgerStatusCompleted:
			s.Completed++
		case domain.LedgerStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// fakeProvider fails the unit indexes in failOn and counts calls.
type fakeProvider struct {
	mu     sync.Mutex
	failOn map[int]bool
	block  bool
	calls  int
	keys   []string
}

func (p *fakeProvider) CreateTask(ctx context.Context, req genapi.UnitRequest) (string, error) {
	p.mu.Lock()
	p.calls++
	p.keys = append(p.keys, req.IdempotencyKey())
	block := p.block
	fail := p.failOn[req.UnitIndex]
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if fail {
		return "", &genapi.APIError{StatusCode: 502, Message: "upstream unavailable"}
	}
	return fmt.Sprintf("task-%s-%d", req.JobID, req.UnitIndex), nil
}

func (p *fakeProvider) TaskStatus(ctx context.Context, id string) (genapi.TaskStatus, error) {
	return genapi.TaskStatus{ID: id, State: genapi.TaskRunning}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakePublisher records published chunk messages.
type fakePublisher struct {
	mu       sync.Mutex
	messages []domain.ChunkMessage
	dedup    []string
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, msg queue.Message) (queue.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return queue.Receipt{}, p.err
	}
	parsed, err := domain.ParseChunkMessage(msg.Body)
	if err != nil {
		return queue.Receipt{}, err
	}
	p.messages = append(p.messages, parsed)
	p.dedup = append(p.dedup, msg.DeduplicationID)
	return queue.Receipt{MessageID: fmt.Sprintf("msg-%d", len(p.messages))}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *fakePublisher) last() domain.ChunkMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}
