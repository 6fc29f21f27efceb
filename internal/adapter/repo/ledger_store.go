package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/infra"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/sqlinline"
)

// PGLedgerStore executes ledger units inside a database transaction. The
// unique (task_id, key) index on billing_events is the concurrency backstop:
// two racing units with the same idempotency key cannot both commit.
type PGLedgerStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPGLedgerStore(pool *pgxpool.Pool, log zerolog.Logger) *PGLedgerStore {
	return &PGLedgerStore{pool: pool, log: log}
}

func (s *PGLedgerStore) WithinTx(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	unit := pgLedgerTx{sql: infra.NewTxRunner(tx, s.log)}
	if err := fn(unit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *PGLedgerStore) SetBillingError(ctx context.Context, taskID, message string) error {
	runner := infra.NewSQLRunner(s.pool, s.log)
	tag, err := runner.Exec(ctx, sqlinline.QSetTaskBillingError, taskID, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type pgLedgerTx struct {
	sql infra.SQLExecutor
}

func (tx pgLedgerTx) TaskOwner(ctx context.Context, taskID string) (string, error) {
	var owner string
	if err := tx.sql.QueryRow(ctx, sqlinline.QSelectTaskOwner, taskID).Scan(&owner); err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return owner, nil
}

func (tx pgLedgerTx) FindEvent(ctx context.Context, taskID, key string) (*domain.BillingEvent, error) {
	var ev domain.BillingEvent
	var kind string
	row := tx.sql.QueryRow(ctx, sqlinline.QSelectBillingEvent, taskID, key)
	if err := row.Scan(&kind, &ev.Key, &ev.Amount, &ev.Reason, &ev.CreatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	ev.Kind = domain.BillingEventKind(kind)
	return &ev, nil
}

func (tx pgLedgerTx) InsertEvent(ctx context.Context, taskID string, ev domain.BillingEvent) error {
	_, err := tx.sql.Exec(ctx, sqlinline.QInsertBillingEvent,
		taskID, string(ev.Kind), ev.Key, ev.Amount, ev.Reason, ev.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateOperation
		}
		return err
	}
	return nil
}

func (tx pgLedgerTx) AdjustBalance(ctx context.Context, userID string, delta int) (int, error) {
	var balance int
	err := tx.sql.QueryRow(ctx, sqlinline.QAdjustUserCredits, userID, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !infra.IsNoRows(err) {
		return 0, err
	}
	// The guarded update matched nothing. Distinguish a missing user from an
	// insufficient balance.
	var current int
	if err := tx.sql.QueryRow(ctx, sqlinline.QSelectUserCredits, userID).Scan(&current); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return current, domain.ErrInsufficientCredits
}

func (tx pgLedgerTx) AppendTransaction(ctx context.Context, ct domain.CreditTransaction) error {
	_, err := tx.sql.Exec(ctx, sqlinline.QInsertCreditTransaction,
		ct.ID, ct.UserID, ct.TaskID, ct.Amount, ct.Balance, ct.Reason, ct.CreatedAt.UTC())
	return err
}

func (tx pgLedgerTx) AddCreditsSpent(ctx context.Context, taskID string, delta int) error {
	tag, err := tx.sql.Exec(ctx, sqlinline.QAddTaskCreditsSpent, taskID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.LedgerStore = (*PGLedgerStore)(nil)
