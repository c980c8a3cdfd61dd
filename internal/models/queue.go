package models

import (
	"time"
)

// Queue tiers. Priority entries always play before standard entries.
const (
	TierPriority = "priority"
	TierStandard = "standard"
)

// QueueEntry is one admitted track in a venue's queue. CostPaid records the
// points actually charged at admission time; refunds credit exactly this
// value regardless of the venue's current cost configuration.
type QueueEntry struct {
	ID          string    `json:"id"`
	VenueID     string    `json:"venue_id"`
	TrackID     string    `json:"track_id"`
	RequestedBy string    `json:"requested_by"`
	Tier        string    `json:"tier"`
	CostPaid    int64     `json:"cost_paid"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Sequence    int64     `json:"sequence"`
}

// QueueStats are the aggregate counters returned with a snapshot.
type QueueStats struct {
	Total    int `json:"total"`
	Priority int `json:"priority"`
	Standard int `json:"standard"`
}

// QueueSnapshot is a read-only view of one venue's queue. It reflects some
// valid state, not necessarily one that existed at a single instant when
// writes are concurrent.
type QueueSnapshot struct {
	PriorityEntries []QueueEntry `json:"priorityEntries"`
	StandardEntries []QueueEntry `json:"standardEntries"`
	Stats           QueueStats   `json:"stats"`
}

// AddToQueueRequest is the body of POST /queue/add.
type AddToQueueRequest struct {
	VenueID        string `json:"venueId" validate:"required,identifier,max=64"`
	TrackID        string `json:"trackId" validate:"required,identifier,max=128"`
	Tier           string `json:"tier" validate:"required,oneof=priority standard"`
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=128"`
}

// VenueSettings holds the venue-configured admission costs per tier.
type VenueSettings struct {
	VenueID      string `json:"venue_id" db:"venue_id"`
	StandardCost int64  `json:"standard_cost" db:"standard_cost"`
	PriorityCost int64  `json:"priority_cost" db:"priority_cost"`
}
