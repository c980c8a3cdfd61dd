package services

import "errors"

// Terminal outcomes of admission and removal. Handlers map these onto HTTP
// statuses; nothing below is retried inside the controller.
var (
	ErrInsufficientFunds = errors.New("insufficient points balance")
	ErrBalanceNotFound   = errors.New("points balance not found")
	ErrDuplicateEntry    = errors.New("track already in queue")
	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrNotOwner          = errors.New("entry belongs to another requester")

	// ErrReconciliationPending means the queue insert failed after the debit
	// and the compensating credit also failed; the saga record stays in the
	// compensating phase until the reconciliation sweep drains it.
	ErrReconciliationPending = errors.New("compensation pending reconciliation")
)
