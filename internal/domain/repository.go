package domain

import "context"

// TaskRepository persists tasks. Update rewrites the full task document so
// pollers always observe a consistent snapshot.
type TaskRepository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	// CountActive counts the user's tasks in admission-slot states.
	CountActive(ctx context.Context, userID string) (int, error)
	// OldestQueued returns the user's oldest QUEUED task, or ErrNotFound.
	OldestQueued(ctx context.Context, userID string) (*Task, error)
}

// UserRepository reads account state. Balance mutation goes through the
// ledger store exclusively.
type UserRepository interface {
	Get(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) error
	Transactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
}

// LedgerTx is the set of operations available inside one atomic ledger unit.
type LedgerTx interface {
	// TaskOwner returns the owning user of a task, or ErrNotFound.
	TaskOwner(ctx context.Context, taskID string) (string, error)
	// FindEvent looks up a billing event by idempotency key within a task.
	FindEvent(ctx context.Context, taskID, key string) (*BillingEvent, error)
	InsertEvent(ctx context.Context, taskID string, ev BillingEvent) error
	// AdjustBalance applies a signed delta and returns the new balance.
	// A delta that would push the balance negative fails with
	// ErrInsufficientCredits and leaves the balance unchanged.
	AdjustBalance(ctx context.Context, userID string, delta int) (int, error)
	AppendTransaction(ctx context.Context, tx CreditTransaction) error
	// AddCreditsSpent shifts the task's running spend counter.
	AddCreditsSpent(ctx context.Context, taskID string, delta int) error
}

// LedgerStore executes ledger units atomically. A conflicting concurrent
// operation for the same idempotency key must not apply twice.
type LedgerStore interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
	// SetBillingError records a non-fatal bookkeeping annotation on a task.
	SetBillingError(ctx context.Context, taskID, message string) error
}
