package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/tunequeue/backend/internal/models"
)

type MockQueueStore struct {
	mock.Mock
}

func (m *MockQueueStore) NextSequence(ctx context.Context, venueID string) (int64, error) {
	args := m.Called(ctx, venueID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockQueueStore) TryInsert(ctx context.Context, venueID string, entry models.QueueEntry) (bool, int, error) {
	args := m.Called(ctx, venueID, entry)
	return args.Bool(0), args.Int(1), args.Error(2)
}

func (m *MockQueueStore) Remove(ctx context.Context, venueID, entryID string) (bool, *models.QueueEntry, error) {
	args := m.Called(ctx, venueID, entryID)
	if args.Get(1) == nil {
		return args.Bool(0), nil, args.Error(2)
	}
	return args.Bool(0), args.Get(1).(*models.QueueEntry), args.Error(2)
}

func (m *MockQueueStore) GetEntry(ctx context.Context, venueID, entryID string) (*models.QueueEntry, error) {
	args := m.Called(ctx, venueID, entryID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QueueEntry), args.Error(1)
}

func (m *MockQueueStore) IsMember(ctx context.Context, venueID, trackID string) (bool, error) {
	args := m.Called(ctx, venueID, trackID)
	return args.Bool(0), args.Error(1)
}

func (m *MockQueueStore) Snapshot(ctx context.Context, venueID string) (*models.QueueSnapshot, error) {
	args := m.Called(ctx, venueID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QueueSnapshot), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetBalance(ctx context.Context, userID, venueID string) (*models.PointsBalance, error) {
	args := m.Called(ctx, userID, venueID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PointsBalance), args.Error(1)
}

func (m *MockLedger) Debit(ctx context.Context, userID, venueID string, points int64, reason, actorID string) (*LedgerResult, error) {
	args := m.Called(ctx, userID, venueID, points, reason, actorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*LedgerResult), args.Error(1)
}

func (m *MockLedger) Credit(ctx context.Context, userID, venueID string, points int64, reason, actorID, kind string) (*LedgerResult, error) {
	args := m.Called(ctx, userID, venueID, points, reason, actorID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*LedgerResult), args.Error(1)
}

func (m *MockLedger) FindDebit(ctx context.Context, reason string) (*models.PointsTransaction, error) {
	args := m.Called(ctx, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PointsTransaction), args.Error(1)
}

type MockSagaLog struct {
	mock.Mock
}

func (m *MockSagaLog) Create(ctx context.Context, rec *models.SagaRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockSagaLog) UpdatePhase(ctx context.Context, id, phase string) error {
	args := m.Called(ctx, id, phase)
	return args.Error(0)
}

func (m *MockSagaLog) Resolve(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSagaLog) ListUnresolved(ctx context.Context, staleBefore time.Time, limit int) ([]models.SagaRecord, error) {
	args := m.Called(ctx, staleBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SagaRecord), args.Error(1)
}
