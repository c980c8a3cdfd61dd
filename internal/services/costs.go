package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/viper"

	"github.com/tunequeue/backend/internal/models"
)

// CostResolver looks up what a venue charges per tier. The resolved value is
// fixed at balance-check time and carried through debit, insert and any
// compensation, so a concurrent settings change cannot make the refund
// diverge from what was charged.
type CostResolver struct {
	db *sql.DB
}

func NewCostResolver(db *sql.DB) *CostResolver {
	viper.SetDefault("queue.standard_cost", 10)
	viper.SetDefault("queue.priority_cost", 20)
	return &CostResolver{db: db}
}

func (c *CostResolver) ResolveCost(ctx context.Context, venueID, tier string) (int64, error) {
	var settings models.VenueSettings
	err := c.db.QueryRowContext(ctx, `
		SELECT venue_id, standard_cost, priority_cost
		FROM venue_settings
		WHERE venue_id = $1
	`, venueID).Scan(&settings.VenueID, &settings.StandardCost, &settings.PriorityCost)
	if err == sql.ErrNoRows {
		// Venue has not configured costs; fall back to the deployment defaults.
		settings.StandardCost = viper.GetInt64("queue.standard_cost")
		settings.PriorityCost = viper.GetInt64("queue.priority_cost")
	} else if err != nil {
		return 0, fmt.Errorf("cost resolver: settings lookup failed: %w", err)
	}

	switch tier {
	case models.TierPriority:
		return settings.PriorityCost, nil
	case models.TierStandard:
		return settings.StandardCost, nil
	default:
		return 0, fmt.Errorf("cost resolver: unknown tier %q", tier)
	}
}
