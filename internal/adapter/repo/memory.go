package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

// MemoryStore is an in-process implementation of the task, user and ledger
// stores. It backs local mode (no DATABASE_URL) and package tests. A single
// mutex serializes every operation, which also gives ledger units their
// required atomicity.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	users map[string]*domain.User
	txs   []domain.CreditTransaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*domain.Task),
		users: make(map[string]*domain.User),
	}
}

func cloneTask(t *domain.Task) *domain.Task {
	raw, _ := json.Marshal(t)
	var out domain.Task
	_ = json.Unmarshal(raw, &out)
	return &out
}

// Create stores a new task.
func (m *MemoryStore) Create(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

// Get returns a copy of the task, or domain.ErrNotFound.
func (m *MemoryStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

// Update rewrites the whole task document.
func (m *MemoryStore) Update(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := cloneTask(t)
	// Billing state is owned by the ledger; a stale in-flight task struct
	// must not roll it back.
	next.CreditsSpent = stored.CreditsSpent
	next.BillingEvents = stored.BillingEvents
	if next.BillingError == "" {
		next.BillingError = stored.BillingError
	}
	next.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = next
	return nil
}

func (m *MemoryStore) CountActive(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.UserID == userID && t.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) OldestQueued(ctx context.Context, userID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued []*domain.Task
	for _, t := range m.tasks {
		if t.UserID == userID && t.Status == domain.TaskStatusQueued {
			queued = append(queued, t)
		}
	}
	if len(queued) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	return cloneTask(queued[0]), nil
}

// GetUser / Create / Transactions implement domain.UserRepository.

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CreditTransaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID != userID {
			continue
		}
		out = append(out, m.txs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Users adapts the store to domain.UserRepository (method names differ from
// the task repository on the same receiver).
func (m *MemoryStore) Users() domain.UserRepository { return memoryUsers{m} }

type memoryUsers struct{ s *MemoryStore }

func (u memoryUsers) Get(ctx context.Context, id string) (*domain.User, error) {
	return u.s.GetUser(ctx, id)
}

func (u memoryUsers) Create(ctx context.Context, usr *domain.User) error {
	return u.s.CreateUser(ctx, usr)
}

func (u memoryUsers) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	return u.s.Transactions(ctx, userID, limit)
}

// WithinTx runs fn under the store mutex with snapshot rollback, so a failed
// ledger unit leaves no partial effects.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapTasks := make(map[string]*domain.Task, len(m.tasks))
	for id, t := range m.tasks {
		snapTasks[id] = cloneTask(t)
	}
	snapUsers := make(map[string]*domain.User, len(m.users))
	for id, u := range m.users {
		cp := *u
		snapUsers[id] = &cp
	}
	snapTxs := len(m.txs)

	if err := fn(memoryLedgerTx{m}); err != nil {
		m.tasks = snapTasks
		m.users = snapUsers
		m.txs = m.txs[:snapTxs]
		return err
	}
	return nil
}

func (m *MemoryStore) SetBillingError(ctx context.Context, taskID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.BillingError = message
	return nil
}

type memoryLedgerTx struct{ s *MemoryStore }

func (tx memoryLedgerTx) TaskOwner(ctx context.Context, taskID string) (string, error) {
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return t.UserID, nil
}

func (tx memoryLedgerTx) FindEvent(ctx context.Context, taskID, key string) (*domain.BillingEvent, error) {
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	for i := range t.BillingEvents {
		if t.BillingEvents[i].Key == key {
			ev := t.BillingEvents[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (tx memoryLedgerTx) InsertEvent(ctx context.Context, taskID string, ev domain.BillingEvent) error {
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.BillingEvents = append(t.BillingEvents, ev)
	return nil
}

func (tx memoryLedgerTx) AdjustBalance(ctx context.Context, userID string, delta int) (int, error) {
	u, ok := tx.s.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	next := u.Credits + delta
	if next < 0 {
		return u.Credits, domain.ErrInsufficientCredits
	}
	u.Credits = next
	u.UpdatedAt = time.Now().UTC()
	return next, nil
}

func (tx memoryLedgerTx) AppendTransaction(ctx context.Context, ct domain.CreditTransaction) error {
	tx.s.txs = append(tx.s.txs, ct)
	return nil
}

func (tx memoryLedgerTx) AddCreditsSpent(ctx context.Context, taskID string, delta int) error {
	t, ok := tx.s.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	t.CreditsSpent += delta
	return nil
}

var (
	_ domain.TaskRepository = (*MemoryStore)(nil)
	_ domain.LedgerStore    = (*MemoryStore)(nil)
)
