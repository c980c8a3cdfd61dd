package models

import (
	"time"
)

// PointsBalance is the per (user, venue) balance row owned by the ledger.
// Balance = TotalEarned - TotalSpent and never goes below zero; the ledger
// enforces this in the UPDATE predicate, a violating debit is rejected.
type PointsBalance struct {
	UserID            string    `json:"user_id" db:"user_id"`
	VenueID           string    `json:"venue_id" db:"venue_id"`
	Balance           int64     `json:"balance" db:"balance"`
	TotalEarned       int64     `json:"total_earned" db:"total_earned"`
	TotalSpent        int64     `json:"total_spent" db:"total_spent"`
	LastTransactionAt time.Time `json:"last_transaction_at" db:"last_transaction_at"`
}

// PointsTransaction is an append-only audit record for one balance change.
// Reason references the queue entry (or saga) that caused debits/refunds
// issued by the admission engine, so reconciliation can join the two sides.
type PointsTransaction struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	VenueID   string    `json:"venue_id" db:"venue_id"`
	Points    int64     `json:"points" db:"points"`
	Kind      string    `json:"kind" db:"kind"`
	Reason    string    `json:"reason" db:"reason"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Transaction kinds
const (
	KindEarned      = "earned"
	KindSpent       = "spent"
	KindRefund      = "refund"
	KindTransferIn  = "transfer-in"
	KindTransferOut = "transfer-out"
)

// PointsTransactionRequest is the body of POST /points/transaction.
type PointsTransactionRequest struct {
	VenueID string `json:"venueId" validate:"required,identifier,max=64"`
	Points  int64  `json:"points" validate:"required,gt=0"`
	Kind    string `json:"kind" validate:"required,oneof=earned spent transfer-in transfer-out"`
	Reason  string `json:"reason" validate:"required,max=200"`
}

// PointsRefundRequest is the body of POST /points/refund.
type PointsRefundRequest struct {
	VenueID string `json:"venueId" validate:"required,identifier,max=64"`
	Points  int64  `json:"points" validate:"required,gt=0"`
	Reason  string `json:"reason" validate:"required,max=200"`
}
