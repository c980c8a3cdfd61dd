package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tunequeue/backend/internal/models"
)

func sweptRecord(phase string) models.SagaRecord {
	return models.SagaRecord{
		ID:            "saga-1",
		UserID:        "user-1",
		VenueID:       "venue-1",
		TrackID:       "track-1",
		EntryID:       "entry-1",
		TransactionID: "txn-1",
		PointsDebited: 20,
		Phase:         phase,
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("commits saga whose entry landed", func(t *testing.T) {
		queue := new(MockQueueStore)
		ledger := new(MockLedger)
		sagas := new(MockSagaLog)
		reconciler := NewReconciler(sagas, queue, ledger)

		sagas.On("ListUnresolved", mock.Anything, mock.Anything, mock.Anything).
			Return([]models.SagaRecord{sweptRecord(models.SagaPhaseDebited)}, nil)
		queue.On("GetEntry", mock.Anything, "venue-1", "entry-1").
			Return(&models.QueueEntry{ID: "entry-1", TrackID: "track-1"}, nil)
		sagas.On("Resolve", mock.Anything, "saga-1").Return(nil)

		require.NoError(t, reconciler.Sweep(ctx))
		sagas.AssertExpectations(t)
		ledger.AssertNotCalled(t, "Credit",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("credits back saga whose entry never landed", func(t *testing.T) {
		queue := new(MockQueueStore)
		ledger := new(MockLedger)
		sagas := new(MockSagaLog)
		reconciler := NewReconciler(sagas, queue, ledger)

		sagas.On("ListUnresolved", mock.Anything, mock.Anything, mock.Anything).
			Return([]models.SagaRecord{sweptRecord(models.SagaPhaseCompensating)}, nil)
		queue.On("GetEntry", mock.Anything, "venue-1", "entry-1").Return(nil, nil)
		ledger.On("FindDebit", mock.Anything, "enqueue:entry-1").
			Return(&models.PointsTransaction{ID: "txn-1", Points: -20}, nil)
		ledger.On("Credit", mock.Anything, "user-1", "venue-1", int64(20), "compensate:entry-1", "system", models.KindRefund).
			Return(&LedgerResult{NewBalance: 100}, nil)
		sagas.On("Resolve", mock.Anything, "saga-1").Return(nil)

		require.NoError(t, reconciler.Sweep(ctx))
		ledger.AssertExpectations(t)
		sagas.AssertExpectations(t)
	})

	t.Run("resolves without credit when the debit never landed", func(t *testing.T) {
		queue := new(MockQueueStore)
		ledger := new(MockLedger)
		sagas := new(MockSagaLog)
		reconciler := NewReconciler(sagas, queue, ledger)

		sagas.On("ListUnresolved", mock.Anything, mock.Anything, mock.Anything).
			Return([]models.SagaRecord{sweptRecord(models.SagaPhaseDebited)}, nil)
		queue.On("GetEntry", mock.Anything, "venue-1", "entry-1").Return(nil, nil)
		ledger.On("FindDebit", mock.Anything, "enqueue:entry-1").Return(nil, nil)
		sagas.On("Resolve", mock.Anything, "saga-1").Return(nil)

		require.NoError(t, reconciler.Sweep(ctx))
		sagas.AssertExpectations(t)
		ledger.AssertNotCalled(t, "Credit",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("keeps saga when the credit fails", func(t *testing.T) {
		queue := new(MockQueueStore)
		ledger := new(MockLedger)
		sagas := new(MockSagaLog)
		reconciler := NewReconciler(sagas, queue, ledger)

		sagas.On("ListUnresolved", mock.Anything, mock.Anything, mock.Anything).
			Return([]models.SagaRecord{sweptRecord(models.SagaPhaseDebited)}, nil)
		queue.On("GetEntry", mock.Anything, "venue-1", "entry-1").Return(nil, nil)
		ledger.On("FindDebit", mock.Anything, "enqueue:entry-1").
			Return(&models.PointsTransaction{ID: "txn-1", Points: -20}, nil)
		ledger.On("Credit", mock.Anything, "user-1", "venue-1", int64(20), "compensate:entry-1", "system", models.KindRefund).
			Return(nil, errors.New("postgres down"))
		sagas.On("UpdatePhase", mock.Anything, "saga-1", models.SagaPhaseCompensating).Return(nil)

		require.NoError(t, reconciler.Sweep(ctx))
		sagas.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
		sagas.AssertExpectations(t)
	})

	t.Run("propagates list failures", func(t *testing.T) {
		queue := new(MockQueueStore)
		ledger := new(MockLedger)
		sagas := new(MockSagaLog)
		reconciler := NewReconciler(sagas, queue, ledger)

		sagas.On("ListUnresolved", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("postgres down"))

		assert.Error(t, reconciler.Sweep(ctx))
	})
}
