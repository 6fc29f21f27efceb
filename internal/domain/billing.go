package domain

import "time"

// BillingEventKind distinguishes the two phases of the credit lifecycle.
type BillingEventKind string

const (
	BillingEventReserve BillingEventKind = "RESERVE"
	BillingEventSettle  BillingEventKind = "SETTLE"
)

// BillingEvent is one money-moving fact tied to a task. Events are
// append-only; an idempotency key executes at most once.
type BillingEvent struct {
	Kind      BillingEventKind `json:"kind"`
	Key       string           `json:"key"`
	Amount    int              `json:"amount"`
	Reason    string           `json:"reason,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// CreditTransaction is a user-facing ledger line. Amount is signed: negative
// for spend, positive for earn/refund. Balance is the resulting balance.
type CreditTransaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Amount    int       `json:"amount"`
	Balance   int       `json:"balance"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
