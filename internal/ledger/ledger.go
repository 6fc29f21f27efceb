// Package ledger implements the idempotent credit reserve/settle engine.
//
// Reserve pre-authorizes the maximum possible cost of a render before any
// external call is made; Settle reconciles the reservation against the actual
// cost once the outcome is known. Both are keyed by idempotency strings so a
// retried call applies at most once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

// Service coordinates balance movement through a LedgerStore. It never
// touches task status; translating failures into state transitions is the
// orchestrator's job.
type Service struct {
	store domain.LedgerStore
	log   zerolog.Logger
}

func NewService(store domain.LedgerStore, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "ledger").Logger()}
}

// ReserveResult reports what a Reserve call did.
type ReserveResult struct {
	Applied bool
	Skipped bool
}

// SettleResult reports what a Settle call did. Refunded and ExtraCharged are
// mutually exclusive non-negative credit amounts.
type SettleResult struct {
	Applied      bool
	Skipped      bool
	Refunded     int
	ExtraCharged int
}

// Reserve atomically charges amount against the user's balance and records a
// RESERVE event under key. A key that already exists returns Skipped without
// moving money. Insufficient balance fails with domain.ErrInsufficientCredits
// before any effect.
func (s *Service) Reserve(ctx context.Context, taskID, userID string, amount int, reason, key string) (ReserveResult, error) {
	if amount < 0 {
		return ReserveResult{}, fmt.Errorf("ledger: negative reserve amount %d", amount)
	}
	if key == "" {
		return ReserveResult{}, fmt.Errorf("ledger: idempotency key is required")
	}

	var res ReserveResult
	err := s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		owner, err := tx.TaskOwner(ctx, taskID)
		if err != nil {
			return err
		}
		if owner != userID {
			return domain.ErrUnauthorized
		}

		existing, err := tx.FindEvent(ctx, taskID, key)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Skipped = true
			return nil
		}

		balance, err := tx.AdjustBalance(ctx, userID, -amount)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.InsertEvent(ctx, taskID, domain.BillingEvent{
			Kind:      domain.BillingEventReserve,
			Key:       key,
			Amount:    amount,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, domain.CreditTransaction{
			ID:        uuid.NewString(),
			UserID:    userID,
			TaskID:    taskID,
			Amount:    -amount,
			Balance:   balance,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.AddCreditsSpent(ctx, taskID, amount); err != nil {
			return err
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		// A concurrent call with the same key can slip past FindEvent and
		// trip the store's unique (task_id, key) index instead. The race
		// loser observes the same outcome as a sequential retry.
		if errors.Is(err, domain.ErrDuplicateOperation) {
			res = ReserveResult{Skipped: true}
		} else {
			return ReserveResult{}, err
		}
	}

	s.log.Debug().
		Str("task_id", taskID).
		Str("key", key).
		Int("amount", amount).
		Bool("skipped", res.Skipped).
		Msg("reserve")
	return res, nil
}

// Settle reconciles a prior reservation to the actual amount. A missing
// reservation is a no-op; an existing settle key returns Skipped. When the
// actual cost undercuts the reservation the difference is refunded; when it
// exceeds it the difference is charged (a defensive path that fails on
// insufficient balance).
func (s *Service) Settle(ctx context.Context, taskID, userID, reserveKey, settleKey string, actualAmount int, reason string) (SettleResult, error) {
	if actualAmount < 0 {
		return SettleResult{}, fmt.Errorf("ledger: negative settle amount %d", actualAmount)
	}
	if settleKey == "" {
		return SettleResult{}, fmt.Errorf("ledger: settle key is required")
	}

	var res SettleResult
	err := s.store.WithinTx(ctx, func(tx domain.LedgerTx) error {
		reserve, err := tx.FindEvent(ctx, taskID, reserveKey)
		if err != nil {
			return err
		}
		if reserve == nil || reserve.Kind != domain.BillingEventReserve {
			return nil
		}
		existing, err := tx.FindEvent(ctx, taskID, settleKey)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Skipped = true
			return nil
		}

		now := time.Now().UTC()
		if err := tx.InsertEvent(ctx, taskID, domain.BillingEvent{
			Kind:      domain.BillingEventSettle,
			Key:       settleKey,
			Amount:    actualAmount,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		diff := reserve.Amount - actualAmount
		if diff != 0 {
			balance, err := tx.AdjustBalance(ctx, userID, diff)
			if err != nil {
				return err
			}
			if err := tx.AppendTransaction(ctx, domain.CreditTransaction{
				ID:        uuid.NewString(),
				UserID:    userID,
				TaskID:    taskID,
				Amount:    diff,
				Balance:   balance,
				Reason:    reason,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.AddCreditsSpent(ctx, taskID, -diff); err != nil {
				return err
			}
			if diff > 0 {
				res.Refunded = diff
			} else {
				res.ExtraCharged = -diff
			}
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOperation) {
			res = SettleResult{Skipped: true}
		} else {
			return SettleResult{}, err
		}
	}

	s.log.Debug().
		Str("task_id", taskID).
		Str("reserve_key", reserveKey).
		Str("settle_key", settleKey).
		Int("actual", actualAmount).
		Int("refunded", res.Refunded).
		Int("extra", res.ExtraCharged).
		Bool("skipped", res.Skipped).
		Msg("settle")
	return res, nil
}

// MarkBillingError records a non-fatal bookkeeping failure on the task. It
// never reverses prior money movement; a delivered image outranks ledger
// correctness and the error is surfaced for manual reconciliation.
func (s *Service) MarkBillingError(ctx context.Context, taskID, message string) {
	if err := s.store.SetBillingError(ctx, taskID, message); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Str("billing_error", message).
			Msg("failed to record billing error")
	}
}
