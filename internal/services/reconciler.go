package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/tunequeue/backend/internal/audit"
	"github.com/tunequeue/backend/internal/models"
)

// Reconciler is the out-of-band sweep that drains sagas the inline paths
// could not finish: records stuck in compensating, and debited records old
// enough that the process must have died between the debit and the insert.
// For each one it checks whether the queue entry actually landed — if it
// did, the saga is committed after the fact; if not, the idempotent credit
// is retried until it sticks.
type Reconciler struct {
	sagas  SagaLog
	queue  QueueStore
	ledger Ledger
	audit  *audit.Logger

	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
}

func NewReconciler(sagas SagaLog, queue QueueStore, ledger Ledger) *Reconciler {
	viper.SetDefault("reconciler.interval", 30*time.Second)
	viper.SetDefault("reconciler.stale_after", 2*time.Minute)
	viper.SetDefault("reconciler.batch_size", 50)

	return &Reconciler{
		sagas:      sagas,
		queue:      queue,
		ledger:     ledger,
		audit:      audit.NewLogger(),
		interval:   viper.GetDuration("reconciler.interval"),
		staleAfter: viper.GetDuration("reconciler.stale_after"),
		batchSize:  viper.GetInt("reconciler.batch_size"),
	}
}

// Run blocks until ctx is cancelled, sweeping on a fixed interval.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("[RECONCILER] Sweep running every %s", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RECONCILER] Stopping")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				log.Printf("[RECONCILER] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep resolves one batch of unresolved sagas. Records it cannot resolve
// stay put and are picked up again next tick.
func (r *Reconciler) Sweep(ctx context.Context) error {
	records, err := r.sagas.ListUnresolved(ctx, time.Now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := r.resolve(ctx, rec); err != nil {
			log.Printf("[RECONCILER] Saga %s still unresolved: %v", rec.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, rec models.SagaRecord) error {
	entry, err := r.queue.GetEntry(ctx, rec.VenueID, rec.EntryID)
	if err != nil {
		return err
	}

	if entry != nil {
		// The insert landed after all; the saga committed, just untracked.
		r.audit.LogSagaResolved(rec.ID, rec.UserID, rec.VenueID, models.SagaPhaseCommitted)
		return r.sagas.Resolve(ctx, rec.ID)
	}

	// The record is written before the debit, so it may outlive a debit that
	// never committed. Credit only what the ledger actually took.
	debit, err := r.ledger.FindDebit(ctx, fmt.Sprintf("enqueue:%s", rec.EntryID))
	if err != nil {
		return err
	}
	if debit == nil {
		r.audit.LogSagaResolved(rec.ID, rec.UserID, rec.VenueID, models.SagaPhaseRolledBack)
		return r.sagas.Resolve(ctx, rec.ID)
	}

	_, err = r.ledger.Credit(ctx, rec.UserID, rec.VenueID, rec.PointsDebited,
		fmt.Sprintf("compensate:%s", rec.EntryID), "system", models.KindRefund)
	if err != nil {
		r.audit.LogCompensation(rec.ID, rec.UserID, rec.VenueID, rec.PointsDebited, "SWEEP_RETRY")
		if rec.Phase != models.SagaPhaseCompensating {
			if uerr := r.sagas.UpdatePhase(ctx, rec.ID, models.SagaPhaseCompensating); uerr != nil {
				log.Printf("[RECONCILER] Saga %s phase update failed: %v", rec.ID, uerr)
			}
		}
		return err
	}

	r.audit.LogCompensation(rec.ID, rec.UserID, rec.VenueID, rec.PointsDebited, "SUCCESS")
	r.audit.LogSagaResolved(rec.ID, rec.UserID, rec.VenueID, models.SagaPhaseRolledBack)
	return r.sagas.Resolve(ctx, rec.ID)
}
