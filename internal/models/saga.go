package models

import (
	"time"
)

// Saga phases. A record is created right before the ledger debit and
// discarded once it reaches committed or rolled-back. A record stuck in
// compensating means the refund could not be applied and is picked up by
// the reconciliation sweep.
const (
	SagaPhaseDebited      = "debited"
	SagaPhaseCommitted    = "committed"
	SagaPhaseCompensating = "compensating"
	SagaPhaseRolledBack   = "rolled-back"
)

// SagaRecord tracks one in-flight admission across the ledger debit and the
// queue insert so a failure after the debit can be compensated.
type SagaRecord struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	VenueID       string    `json:"venue_id" db:"venue_id"`
	TrackID       string    `json:"track_id" db:"track_id"`
	EntryID       string    `json:"entry_id" db:"entry_id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	PointsDebited int64     `json:"points_debited" db:"points_debited"`
	Phase         string    `json:"phase" db:"phase"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
