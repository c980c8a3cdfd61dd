package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tunequeue/backend/internal/models"
)

// SagaLog persists in-flight admission sagas. Records live only between the
// ledger debit and the final commit/rollback; anything older than that is
// work for the reconciliation sweep.
type SagaLog interface {
	Create(ctx context.Context, rec *models.SagaRecord) error
	UpdatePhase(ctx context.Context, id, phase string) error
	Resolve(ctx context.Context, id string) error
	ListUnresolved(ctx context.Context, staleBefore time.Time, limit int) ([]models.SagaRecord, error)
}

type SagaStore struct {
	db *sql.DB
}

func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

func (s *SagaStore) Create(ctx context.Context, rec *models.SagaRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_records
		(id, user_id, venue_id, track_id, entry_id, transaction_id, points_debited, phase, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`, rec.ID, rec.UserID, rec.VenueID, rec.TrackID, rec.EntryID, rec.TransactionID, rec.PointsDebited, rec.Phase)
	if err != nil {
		return fmt.Errorf("saga store: create failed: %w", err)
	}
	return nil
}

func (s *SagaStore) UpdatePhase(ctx context.Context, id, phase string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE saga_records SET phase = $1, updated_at = NOW() WHERE id = $2
	`, phase, id)
	if err != nil {
		return fmt.Errorf("saga store: phase update failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga store: phase update failed: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("saga store: record %s not found", id)
	}
	return nil
}

// Resolve deletes a record that reached committed or rolled-back.
func (s *SagaStore) Resolve(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saga_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("saga store: resolve failed: %w", err)
	}
	return nil
}

// ListUnresolved returns records the sweep should look at: everything in the
// compensating phase, plus debited records that have sat past staleBefore,
// which means the process died between the debit and the queue insert.
func (s *SagaStore) ListUnresolved(ctx context.Context, staleBefore time.Time, limit int) ([]models.SagaRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, venue_id, track_id, entry_id, transaction_id, points_debited, phase, created_at, updated_at
		FROM saga_records
		WHERE phase = $1 OR (phase = $2 AND updated_at < $3)
		ORDER BY updated_at ASC
		LIMIT $4
	`, models.SagaPhaseCompensating, models.SagaPhaseDebited, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("saga store: list failed: %w", err)
	}
	defer rows.Close()

	records := []models.SagaRecord{}
	for rows.Next() {
		var rec models.SagaRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.VenueID, &rec.TrackID, &rec.EntryID,
			&rec.TransactionID, &rec.PointsDebited, &rec.Phase, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("saga store: list failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
