package ledger

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/adapter/repo"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

func newFixture(t *testing.T, credits int) (*Service, *repo.MemoryStore) {
	t.Helper()
	store := repo.NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateUser(ctx, &domain.User{ID: "u1", Credits: credits}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := store.Create(ctx, &domain.Task{ID: "t1", UserID: "u1", Status: domain.TaskStatusRendering, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return NewService(store, zerolog.New(io.Discard)), store
}

func balance(t *testing.T, store *repo.MemoryStore, userID string) int {
	t.Helper()
	u, err := store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Credits
}

func TestReserveAppliesOnce(t *testing.T) {
	svc, store := newFixture(t, 100)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "t1", "u1", 40, "render", "k1")
	if err != nil || !res.Applied {
		t.Fatalf("first reserve = %+v, %v", res, err)
	}
	if got := balance(t, store, "u1"); got != 60 {
		t.Fatalf("balance after reserve = %d, want 60", got)
	}

	res, err = svc.Reserve(ctx, "t1", "u1", 40, "render", "k1")
	if err != nil {
		t.Fatalf("replayed reserve: %v", err)
	}
	if !res.Skipped || res.Applied {
		t.Fatalf("replayed reserve = %+v, want skipped", res)
	}
	if got := balance(t, store, "u1"); got != 60 {
		t.Fatalf("balance after replay = %d, want 60", got)
	}
}

func TestReserveConcurrentSameKey(t *testing.T) {
	svc, store := newFixture(t, 100)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	applied := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Reserve(ctx, "t1", "u1", 25, "render", "same-key")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			applied <- res.Applied
		}()
	}
	wg.Wait()
	close(applied)

	count := 0
	for a := range applied {
		if a {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d reserves applied, want exactly 1", count)
	}
	if got := balance(t, store, "u1"); got != 75 {
		t.Fatalf("balance = %d, want 75", got)
	}
}

func TestReserveInsufficientCredits(t *testing.T) {
	svc, store := newFixture(t, 10)
	_, err := svc.Reserve(context.Background(), "t1", "u1", 40, "render", "k1")
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if got := balance(t, store, "u1"); got != 10 {
		t.Fatalf("balance = %d, want untouched 10", got)
	}
	task, _ := store.Get(context.Background(), "t1")
	if len(task.BillingEvents) != 0 {
		t.Fatalf("billing events recorded on failed reserve: %+v", task.BillingEvents)
	}
}

func TestReserveWrongOwner(t *testing.T) {
	svc, _ := newFixture(t, 100)
	if _, err := svc.Reserve(context.Background(), "t1", "u2", 10, "render", "k1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestSettleRefundsDifference(t *testing.T) {
	svc, store := newFixture(t, 100)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "t1", "u1", 40, "render", "r1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := svc.Settle(ctx, "t1", "u1", "r1", "s1", 15, "settle")
	if err != nil || !res.Applied {
		t.Fatalf("settle = %+v, %v", res, err)
	}
	if res.Refunded != 25 {
		t.Fatalf("refunded = %d, want 25", res.Refunded)
	}
	if got := balance(t, store, "u1"); got != 85 {
		t.Fatalf("balance = %d, want 85", got)
	}
	task, _ := store.Get(ctx, "t1")
	if task.CreditsSpent != 15 {
		t.Fatalf("credits spent = %d, want 15", task.CreditsSpent)
	}

	// Replay is a no-op.
	res, err = svc.Settle(ctx, "t1", "u1", "r1", "s1", 15, "settle")
	if err != nil || !res.Skipped {
		t.Fatalf("replayed settle = %+v, %v", res, err)
	}
	if got := balance(t, store, "u1"); got != 85 {
		t.Fatalf("balance after replay = %d, want 85", got)
	}
}

func TestSettleWithoutReserveIsNoop(t *testing.T) {
	svc, store := newFixture(t, 100)
	res, err := svc.Settle(context.Background(), "t1", "u1", "missing", "s1", 15, "settle")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Applied || res.Skipped {
		t.Fatalf("settle without reserve = %+v, want zero result", res)
	}
	if got := balance(t, store, "u1"); got != 100 {
		t.Fatalf("balance = %d, want 100", got)
	}
}

func TestSettleExtraCharge(t *testing.T) {
	svc, store := newFixture(t, 100)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "t1", "u1", 10, "render", "r1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := svc.Settle(ctx, "t1", "u1", "r1", "s1", 18, "settle")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.ExtraCharged != 8 {
		t.Fatalf("extra charged = %d, want 8", res.ExtraCharged)
	}
	if got := balance(t, store, "u1"); got != 82 {
		t.Fatalf("balance = %d, want 82", got)
	}
}

func TestSettleExtraChargeInsufficient(t *testing.T) {
	svc, store := newFixture(t, 10)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "t1", "u1", 10, "render", "r1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Settle(ctx, "t1", "u1", "r1", "s1", 50, "settle"); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	// The failed settle must leave no partial effects.
	task, _ := store.Get(ctx, "t1")
	for _, ev := range task.BillingEvents {
		if ev.Key == "s1" {
			t.Fatalf("settle event persisted despite rollback: %+v", ev)
		}
	}
}

func TestMarkBillingErrorDoesNotReverse(t *testing.T) {
	svc, store := newFixture(t, 100)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "t1", "u1", 30, "render", "r1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	svc.MarkBillingError(ctx, "t1", "settlement unreachable")

	task, _ := store.Get(ctx, "t1")
	if task.BillingError != "settlement unreachable" {
		t.Fatalf("billing error = %q", task.BillingError)
	}
	if got := balance(t, store, "u1"); got != 70 {
		t.Fatalf("balance = %d, want 70 (no reversal)", got)
	}
}

// duplicateKeyStore simulates the race loser under a store that enforces the
// (task_id, key) unique index inside the transaction: the conflict surfaces
// from WithinTx as ErrDuplicateOperation after rollback.
type duplicateKeyStore struct{}

func (duplicateKeyStore) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	return domain.ErrDuplicateOperation
}

func (duplicateKeyStore) SetBillingError(ctx context.Context, taskID, message string) error {
	return nil
}

func TestReserveDuplicateKeyConflictIsSkipped(t *testing.T) {
	svc := NewService(duplicateKeyStore{}, zerolog.New(io.Discard))

	res, err := svc.Reserve(context.Background(), "t1", "u1", 40, "render", "k1")
	if err != nil {
		t.Fatalf("reserve = %v, want skipped result", err)
	}
	if !res.Skipped || res.Applied {
		t.Fatalf("reserve = %+v, want skipped", res)
	}
}

func TestSettleDuplicateKeyConflictIsSkipped(t *testing.T) {
	svc := NewService(duplicateKeyStore{}, zerolog.New(io.Discard))

	res, err := svc.Settle(context.Background(), "t1", "u1", "r1", "s1", 10, "settle")
	if err != nil {
		t.Fatalf("settle = %v, want skipped result", err)
	}
	if !res.Skipped || res.Applied || res.Refunded != 0 || res.ExtraCharged != 0 {
		t.Fatalf("settle = %+v, want skipped", res)
	}
}
