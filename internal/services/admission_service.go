package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/viper"

	"github.com/tunequeue/backend/internal/audit"
	"github.com/tunequeue/backend/internal/middleware"
	"github.com/tunequeue/backend/internal/models"
)

// QueueStore is the per-venue queue the admission saga inserts into.
// TryInsert and Remove are indivisible against the backing store; the
// controller never does its own check-then-write against it.
type QueueStore interface {
	NextSequence(ctx context.Context, venueID string) (int64, error)
	TryInsert(ctx context.Context, venueID string, entry models.QueueEntry) (bool, int, error)
	Remove(ctx context.Context, venueID, entryID string) (bool, *models.QueueEntry, error)
	GetEntry(ctx context.Context, venueID, entryID string) (*models.QueueEntry, error)
	IsMember(ctx context.Context, venueID, trackID string) (bool, error)
	Snapshot(ctx context.Context, venueID string) (*models.QueueSnapshot, error)
}

// AdmissionResult is what a committed admission returns, and what an
// idempotent replay of the same key returns again.
type AdmissionResult struct {
	QueueItem      models.QueueEntry `json:"queueItem"`
	Position       int               `json:"position"`
	PointsDeducted int64             `json:"pointsDeducted"`
	NewBalance     int64             `json:"newBalance"`
	TransactionID  string            `json:"transactionId"`
}

// RemovalResult reports a completed removal. Refunded is zero on the staff
// path, which deliberately does not refund.
type RemovalResult struct {
	Entry    models.QueueEntry `json:"entry"`
	Refunded int64             `json:"refunded"`
}

// AdmissionService orchestrates the charge-and-enqueue saga: the ledger
// debit and the queue insert are two independent systems made to behave as
// one operation, with a compensating credit when the second half fails.
// The service holds no mutable state of its own and is safe to run in many
// processes at once.
type AdmissionService struct {
	queue  QueueStore
	ledger Ledger
	sagas  SagaLog
	costs  *CostResolver
	redis  *redis.Client
	audit  *audit.Logger

	ledgerTimeout time.Duration
	queueTimeout  time.Duration
	compRetries   uint64
	compBackoff   time.Duration
	idemTTL       time.Duration
}

func NewAdmissionService(queue QueueStore, ledger Ledger, sagas SagaLog, costs *CostResolver, rdb *redis.Client) *AdmissionService {
	viper.SetDefault("admission.ledger_timeout", 5*time.Second)
	viper.SetDefault("admission.queue_timeout", 3*time.Second)
	viper.SetDefault("admission.compensation_retries", 5)
	viper.SetDefault("admission.compensation_backoff", 200*time.Millisecond)
	viper.SetDefault("admission.idempotency_ttl", 24*time.Hour)

	return &AdmissionService{
		queue:         queue,
		ledger:        ledger,
		sagas:         sagas,
		costs:         costs,
		redis:         rdb,
		audit:         audit.NewLogger(),
		ledgerTimeout: viper.GetDuration("admission.ledger_timeout"),
		queueTimeout:  viper.GetDuration("admission.queue_timeout"),
		compRetries:   uint64(viper.GetInt("admission.compensation_retries")),
		compBackoff:   viper.GetDuration("admission.compensation_backoff"),
		idemTTL:       viper.GetDuration("admission.idempotency_ttl"),
	}
}

// Admit runs the full admission saga for one track. The caller either gets
// "points deducted and queued" or "nothing happened"; a compensated attempt
// that briefly held a debit is never visible as partial success.
func (s *AdmissionService) Admit(ctx context.Context, userID string, req models.AddToQueueRequest) (*AdmissionResult, error) {
	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = uuid.NewString()
	}

	if cached, err := s.replayCommitted(ctx, idemKey); err != nil {
		log.Printf("[ADMISSION] Idempotency cache read failed for key %s: %v", idemKey, err)
	} else if cached != nil {
		log.Printf("[ADMISSION] Idempotent replay for key %s", idemKey)
		return cached, nil
	}

	// Duplicate precheck runs before any ledger call: charging for a request
	// that will be rejected is the bug class this step exists to prevent.
	// The authoritative guard is still TryInsert.
	if member, err := s.queue.IsMember(ctx, req.VenueID, req.TrackID); err != nil {
		log.Printf("[ADMISSION] Duplicate precheck unavailable for %s/%s: %v", req.VenueID, req.TrackID, err)
	} else if member {
		return nil, ErrDuplicateEntry
	}

	// Cost is fixed here and carried through debit, insert and compensation.
	cost, err := s.costs.ResolveCost(ctx, req.VenueID, req.Tier)
	if err != nil {
		return nil, err
	}

	entryID := uuid.NewString()
	saga := &models.SagaRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		VenueID:       req.VenueID,
		TrackID:       req.TrackID,
		EntryID:       entryID,
		PointsDebited: cost,
		Phase:         models.SagaPhaseDebited,
	}

	// The record goes in before the debit so a crash or failure at any later
	// point leaves a row the sweep can find. The sweep verifies the debit
	// actually landed before crediting anything back, so a record whose debit
	// never happened cannot mint points.
	if err := s.sagas.Create(ctx, saga); err != nil {
		log.Printf("[ADMISSION] Saga record persist failed for %s: %v", saga.ID, err)
	}

	lctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	debit, err := s.ledger.Debit(lctx, userID, req.VenueID, cost, fmt.Sprintf("enqueue:%s", entryID), userID)
	cancel()
	if err != nil {
		if err == ErrInsufficientFunds || err == ErrBalanceNotFound {
			// Rejected outright, nothing was taken; the record has no debit
			// to track.
			s.discardSaga(saga)
			return nil, ErrInsufficientFunds
		}
		// Ambiguous failure: the debit may still have landed. The record
		// stays in debited phase and the sweep settles it either way.
		return nil, fmt.Errorf("ledger debit failed: %w", err)
	}
	saga.TransactionID = debit.Transaction.ID

	qctx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()

	seq, err := s.queue.NextSequence(qctx, req.VenueID)
	if err != nil {
		return nil, s.failAfterDebit(saga, fmt.Errorf("queue insert failed: %w", err))
	}

	entry := models.QueueEntry{
		ID:          entryID,
		VenueID:     req.VenueID,
		TrackID:     req.TrackID,
		RequestedBy: userID,
		Tier:        req.Tier,
		CostPaid:    cost,
		EnqueuedAt:  time.Now().UTC(),
		Sequence:    seq,
	}

	inserted, position, err := s.queue.TryInsert(qctx, req.VenueID, entry)
	if err != nil {
		// A timeout is indistinguishable from failure here; the insert may or
		// may not have landed, and the sweep sorts that out if the inline
		// compensation collides with a landed entry.
		return nil, s.failAfterDebit(saga, fmt.Errorf("queue insert failed: %w", err))
	}
	if !inserted {
		// Two requests for the same track both passed the precheck and both
		// debited; this one lost the insert. Points were taken, so this is a
		// compensation path internally even though the caller sees the same
		// duplicate outcome as the precheck rejection.
		if compErr := s.compensate(saga); compErr != nil {
			log.Printf("[ADMISSION] Compensation for lost duplicate race left pending, saga %s: %v", saga.ID, compErr)
		}
		return nil, ErrDuplicateEntry
	}

	s.resolveSaga(saga, models.SagaPhaseCommitted)

	result := &AdmissionResult{
		QueueItem:      entry,
		Position:       position,
		PointsDeducted: cost,
		NewBalance:     debit.NewBalance,
		TransactionID:  debit.Transaction.ID,
	}
	s.storeCommitted(idemKey, result)

	log.Printf("[ADMISSION] Track %s queued at position %d in venue %s for %d points",
		req.TrackID, position, req.VenueID, cost)
	return result, nil
}

// CheckDuplicate reports whether a track already has a live entry.
func (s *AdmissionService) CheckDuplicate(ctx context.Context, venueID, trackID string) (bool, error) {
	return s.queue.IsMember(ctx, venueID, trackID)
}

// GetQueue returns the venue's current queue snapshot.
func (s *AdmissionService) GetQueue(ctx context.Context, venueID string) (*models.QueueSnapshot, error) {
	return s.queue.Snapshot(ctx, venueID)
}

// RemoveEntry reverses an admission. Only the requester's own voluntary
// cancellation refunds, and it refunds exactly CostPaid as recorded at
// admission time. Staff removal pulls the entry without a refund; the
// asymmetry is a business rule, not an oversight.
func (s *AdmissionService) RemoveEntry(ctx context.Context, venueID, entryID, requestedBy string, caps middleware.Capabilities) (*RemovalResult, error) {
	qctx, cancel := context.WithTimeout(ctx, s.queueTimeout)
	defer cancel()

	entry, err := s.queue.GetEntry(qctx, venueID, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}

	owner := entry.RequestedBy == requestedBy
	withRefund := owner && caps.CanRemoveWithRefund
	if !withRefund && !caps.CanRemoveWithoutRefund {
		return nil, ErrNotOwner
	}

	removed, removedEntry, err := s.queue.Remove(qctx, venueID, entryID)
	if err != nil {
		return nil, err
	}
	if !removed {
		return nil, ErrEntryNotFound
	}

	result := &RemovalResult{Entry: *removedEntry}
	if withRefund {
		lctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
		defer cancel()
		credit, err := s.ledger.Credit(lctx, removedEntry.RequestedBy, venueID, removedEntry.CostPaid,
			fmt.Sprintf("refund:%s", entryID), requestedBy, models.KindRefund)
		if err != nil {
			return nil, fmt.Errorf("entry removed but refund failed: %w", err)
		}
		result.Refunded = removedEntry.CostPaid
		log.Printf("[REMOVAL] Entry %s removed from venue %s, refunded %d points (tx %s)",
			entryID, venueID, result.Refunded, credit.Transaction.ID)
	} else {
		log.Printf("[REMOVAL] Entry %s removed from venue %s by staff, no refund", entryID, venueID)
	}
	return result, nil
}

// failAfterDebit is the exit for any queue failure once points were taken:
// compensate, and report reconciliation-pending when even that fails.
func (s *AdmissionService) failAfterDebit(saga *models.SagaRecord, cause error) error {
	log.Printf("[ADMISSION] Post-debit failure for saga %s: %v", saga.ID, cause)
	if compErr := s.compensate(saga); compErr != nil {
		return ErrReconciliationPending
	}
	return cause
}

// compensate credits back the exact debited amount with bounded exponential
// backoff. It deliberately runs on a fresh context: the client may be gone,
// but once the debit happened the saga only moves forward or rolls back.
func (s *AdmissionService) compensate(saga *models.SagaRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ledgerTimeout*time.Duration(s.compRetries+1))
	defer cancel()

	if err := s.sagas.UpdatePhase(ctx, saga.ID, models.SagaPhaseCompensating); err != nil {
		// If the record never made it in, put it in now; the sweep can only
		// drain what is recorded.
		log.Printf("[ADMISSION] Saga %s phase update failed: %v", saga.ID, err)
		saga.Phase = models.SagaPhaseCompensating
		if cerr := s.sagas.Create(ctx, saga); cerr != nil {
			log.Printf("[ADMISSION] Saga %s re-create failed: %v", saga.ID, cerr)
		}
	}

	backoff := retry.WithMaxRetries(s.compRetries, retry.NewExponential(s.compBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.ledger.Credit(ctx, saga.UserID, saga.VenueID, saga.PointsDebited,
			fmt.Sprintf("compensate:%s", saga.EntryID), "system", models.KindRefund)
		if err != nil {
			s.audit.LogCompensation(saga.ID, saga.UserID, saga.VenueID, saga.PointsDebited, "RETRY")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		// Left in compensating; the reconciliation sweep owns it now.
		s.audit.LogCompensation(saga.ID, saga.UserID, saga.VenueID, saga.PointsDebited, "EXHAUSTED")
		return err
	}

	s.audit.LogCompensation(saga.ID, saga.UserID, saga.VenueID, saga.PointsDebited, "SUCCESS")
	s.resolveSaga(saga, models.SagaPhaseRolledBack)
	return nil
}

// discardSaga removes a record whose debit was rejected before anything was
// taken; there is no terminal phase to audit.
func (s *AdmissionService) discardSaga(saga *models.SagaRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ledgerTimeout)
	defer cancel()

	if err := s.sagas.Resolve(ctx, saga.ID); err != nil {
		log.Printf("[ADMISSION] Saga %s cleanup failed: %v", saga.ID, err)
	}
}

// resolveSaga logs the terminal phase and discards the record.
func (s *AdmissionService) resolveSaga(saga *models.SagaRecord, phase string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ledgerTimeout)
	defer cancel()

	s.audit.LogSagaResolved(saga.ID, saga.UserID, saga.VenueID, phase)
	if err := s.sagas.Resolve(ctx, saga.ID); err != nil {
		log.Printf("[ADMISSION] Saga %s cleanup failed: %v", saga.ID, err)
	}
}

func (s *AdmissionService) replayCommitted(ctx context.Context, idemKey string) (*AdmissionResult, error) {
	if s.redis == nil {
		return nil, nil
	}
	data, err := s.redis.Get(ctx, idempotencyKey(idemKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result AdmissionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *AdmissionService) storeCommitted(idemKey string, result *AdmissionResult) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.queueTimeout)
	defer cancel()

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, idempotencyKey(idemKey), data, s.idemTTL).Err(); err != nil {
		log.Printf("[ADMISSION] Idempotency cache write failed for key %s: %v", idemKey, err)
	}
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idem:admit:%s", key)
}
