package domain

import "time"

// User represents an account with a credit balance. The balance is the one
// globally shared mutable resource; only the ledger touches it.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
