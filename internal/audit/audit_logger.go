package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	SagaID        string    `json:"saga_id,omitempty"`
	UserID        string    `json:"user_id"`
	VenueID       string    `json:"venue_id"`
	Points        int64     `json:"points,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger emits one JSON line per balance-affecting event. Every debit,
// credit and compensation attempt lands here so the transaction history and
// the audit stream can be reconciled against each other.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogDebit(transactionID, userID, venueID string, points int64, reason string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "DEBIT",
		TransactionID: transactionID,
		UserID:        userID,
		VenueID:       venueID,
		Points:        points,
		Status:        "SUCCESS",
		Details:       map[string]string{"reason": reason},
	})
}

func (a *Logger) LogCredit(transactionID, userID, venueID string, points int64, reason string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "CREDIT",
		TransactionID: transactionID,
		UserID:        userID,
		VenueID:       venueID,
		Points:        points,
		Status:        "SUCCESS",
		Details:       map[string]string{"reason": reason},
	})
}

func (a *Logger) LogCompensation(sagaID, userID, venueID string, points int64, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "COMPENSATION",
		SagaID:    sagaID,
		UserID:    userID,
		VenueID:   venueID,
		Points:    points,
		Status:    status,
	})
}

func (a *Logger) LogSagaResolved(sagaID, userID, venueID, phase string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "SAGA_RESOLVED",
		SagaID:    sagaID,
		UserID:    userID,
		VenueID:   venueID,
		Status:    phase,
	})
}

func (a *Logger) LogError(sagaID, userID, venueID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		SagaID:    sagaID,
		UserID:    userID,
		VenueID:   venueID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
