package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidState        = errors.New("invalid task state")
	ErrStorageDisabled     = errors.New("object storage disabled")
	ErrMalformedPlan       = errors.New("malformed shot plan")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)
