package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tunequeue/backend/internal/audit"
	"github.com/tunequeue/backend/internal/models"
)

// Ledger is the contract the admission and removal paths depend on. Debit
// fails distinctly for insufficient funds vs. service trouble, and both
// mutations are safe to retry with the same reason without double-applying.
type Ledger interface {
	GetBalance(ctx context.Context, userID, venueID string) (*models.PointsBalance, error)
	Debit(ctx context.Context, userID, venueID string, points int64, reason, actorID string) (*LedgerResult, error)
	Credit(ctx context.Context, userID, venueID string, points int64, reason, actorID, kind string) (*LedgerResult, error)
	FindDebit(ctx context.Context, reason string) (*models.PointsTransaction, error)
}

// LedgerResult is the outcome of one applied mutation.
type LedgerResult struct {
	Transaction models.PointsTransaction `json:"transaction"`
	NewBalance  int64                    `json:"newBalance"`
}

// LedgerService owns the points balances and their append-only transaction
// history. Every balance change goes through one SQL transaction with a
// non-negative guard in the UPDATE predicate, so concurrent debits against
// the same (user, venue) row serialize and never overdraw.
type LedgerService struct {
	db        *sql.DB
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:        db,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

func (s *LedgerService) GetBalance(ctx context.Context, userID, venueID string) (*models.PointsBalance, error) {
	var b models.PointsBalance
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, venue_id, balance, total_earned, total_spent, last_transaction_at
		FROM points_balances
		WHERE user_id = $1 AND venue_id = $2
	`, userID, venueID).Scan(
		&b.UserID, &b.VenueID, &b.Balance, &b.TotalEarned, &b.TotalSpent, &b.LastTransactionAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: balance read failed: %w", err)
	}
	return &b, nil
}

// Debit removes points from the balance. The (reason, kind) pair is unique
// in points_transactions; a retried debit with a reason that already landed
// returns the original transaction and the current balance instead of
// applying again.
func (s *LedgerService) Debit(ctx context.Context, userID, venueID string, points int64, reason, actorID string) (*LedgerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin failed: %w", err)
	}
	defer tx.Rollback()

	if existing, err := s.findTransaction(ctx, tx, reason, models.KindSpent); err != nil {
		return nil, err
	} else if existing != nil {
		var balance int64
		if err := tx.QueryRowContext(ctx, `
			SELECT balance FROM points_balances WHERE user_id = $1 AND venue_id = $2
		`, userID, venueID).Scan(&balance); err != nil {
			return nil, fmt.Errorf("ledger: balance read failed: %w", err)
		}
		log.Printf("[LEDGER] Duplicate debit suppressed, reason: %s", reason)
		return &LedgerResult{Transaction: *existing, NewBalance: balance}, tx.Commit()
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance FROM points_balances
		WHERE user_id = $1 AND venue_id = $2
		FOR UPDATE
	`, userID, venueID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: balance lock failed: %w", err)
	}

	if balance < points {
		return nil, ErrInsufficientFunds
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE points_balances
		SET balance = balance - $1, total_spent = total_spent + $1, last_transaction_at = NOW()
		WHERE user_id = $2 AND venue_id = $3 AND balance >= $1
	`, points, userID, venueID)
	if err != nil {
		return nil, fmt.Errorf("ledger: debit failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ledger: debit failed: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrInsufficientFunds
	}

	txn, err := s.appendTransaction(ctx, tx, userID, venueID, -points, models.KindSpent, reason, actorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit failed: %w", err)
	}

	s.audit.LogDebit(txn.ID, userID, venueID, points, reason)
	return &LedgerResult{Transaction: *txn, NewBalance: balance - points}, nil
}

// Credit adds points back. Kind distinguishes refunds from earned points and
// transfers; the idempotency guard works per (reason, kind). Crediting a
// (user, venue) pair with no balance row creates one.
func (s *LedgerService) Credit(ctx context.Context, userID, venueID string, points int64, reason, actorID, kind string) (*LedgerResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin failed: %w", err)
	}
	defer tx.Rollback()

	if existing, err := s.findTransaction(ctx, tx, reason, kind); err != nil {
		return nil, err
	} else if existing != nil {
		var balance int64
		if err := tx.QueryRowContext(ctx, `
			SELECT balance FROM points_balances WHERE user_id = $1 AND venue_id = $2
		`, userID, venueID).Scan(&balance); err != nil {
			return nil, fmt.Errorf("ledger: balance read failed: %w", err)
		}
		log.Printf("[LEDGER] Duplicate credit suppressed, reason: %s", reason)
		return &LedgerResult{Transaction: *existing, NewBalance: balance}, tx.Commit()
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO points_balances (user_id, venue_id, balance, total_earned, total_spent, last_transaction_at)
		VALUES ($1, $2, $3, $3, 0, NOW())
		ON CONFLICT (user_id, venue_id) DO UPDATE
		SET balance = points_balances.balance + $3,
		    total_earned = points_balances.total_earned + $3,
		    last_transaction_at = NOW()
		RETURNING balance
	`, userID, venueID, points).Scan(&newBalance)
	if err != nil {
		return nil, fmt.Errorf("ledger: credit failed: %w", err)
	}

	txn, err := s.appendTransaction(ctx, tx, userID, venueID, points, kind, reason, actorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit failed: %w", err)
	}

	s.audit.LogCredit(txn.ID, userID, venueID, points, reason)
	return &LedgerResult{Transaction: *txn, NewBalance: newBalance}, nil
}

// FindDebit returns the spent transaction recorded under reason, or nil when
// no such debit ever landed. The reconciliation sweep calls this before
// crediting anything back, so a saga record whose debit never committed is
// resolved without minting points.
func (s *LedgerService) FindDebit(ctx context.Context, reason string) (*models.PointsTransaction, error) {
	var txn models.PointsTransaction
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, venue_id, points, kind, reason, actor_id, created_at
		FROM points_transactions
		WHERE reason = $1 AND kind = $2
	`, reason, models.KindSpent).Scan(
		&txn.ID, &txn.UserID, &txn.VenueID, &txn.Points, &txn.Kind, &txn.Reason, &txn.ActorID, &txn.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: debit lookup failed: %w", err)
	}
	return &txn, nil
}

func (s *LedgerService) findTransaction(ctx context.Context, tx *sql.Tx, reason, kind string) (*models.PointsTransaction, error) {
	var txn models.PointsTransaction
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, venue_id, points, kind, reason, actor_id, created_at
		FROM points_transactions
		WHERE reason = $1 AND kind = $2
	`, reason, kind).Scan(
		&txn.ID, &txn.UserID, &txn.VenueID, &txn.Points, &txn.Kind, &txn.Reason, &txn.ActorID, &txn.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: idempotency lookup failed: %w", err)
	}
	return &txn, nil
}

func (s *LedgerService) appendTransaction(ctx context.Context, tx *sql.Tx, userID, venueID string, points int64, kind, reason, actorID string) (*models.PointsTransaction, error) {
	txn := &models.PointsTransaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		VenueID:   venueID,
		Points:    points,
		Kind:      kind,
		Reason:    reason,
		ActorID:   actorID,
		CreatedAt: time.Now(),
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO points_transactions (id, user_id, venue_id, points, kind, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, txn.UserID, txn.VenueID, txn.Points, txn.Kind, txn.Reason, txn.ActorID, txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: transaction append failed: %w", err)
	}
	return txn, nil
}

// CreatePointsTransaction applies a debit or credit for the caller
// @Summary Create a points transaction
// @Description Debit or credit the caller's points balance at a venue
// @Tags points
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param transaction body models.PointsTransactionRequest true "Transaction data"
// @Success 201 {object} LedgerResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /points/transaction [post]
func (s *LedgerService) CreatePointsTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.PointsTransactionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var (
		result *LedgerResult
		err    error
	)
	switch req.Kind {
	case models.KindSpent, models.KindTransferOut:
		result, err = s.Debit(r.Context(), userID, req.VenueID, req.Points, req.Reason, userID)
	default:
		result, err = s.Credit(r.Context(), userID, req.VenueID, req.Points, req.Reason, userID, req.Kind)
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// RefundPoints credits the caller back for a cancelled admission
// @Summary Refund points
// @Description Credit the caller's balance with a refund
// @Tags points
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param refund body models.PointsRefundRequest true "Refund data"
// @Success 201 {object} LedgerResult
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /points/refund [post]
func (s *LedgerService) RefundPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.PointsRefundRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.Credit(r.Context(), userID, req.VenueID, req.Points, req.Reason, userID, models.KindRefund)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// GetPointsBalance returns the caller's balance at a venue
// @Summary Get points balance
// @Description Retrieve the caller's points balance at a venue
// @Tags points
// @Produce json
// @Security BearerAuth
// @Param venueId path string true "Venue ID"
// @Success 200 {object} models.PointsBalance
// @Failure 404 {object} ErrorResponse
// @Router /points/balance/{venueId} [get]
func (s *LedgerService) GetPointsBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	venueID := chi.URLParam(r, "venueId")

	balance, err := s.GetBalance(r.Context(), userID, venueID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

// ListPointsTransactions returns the caller's transaction history at a venue
// @Summary List points transactions
// @Description Retrieve the caller's points transaction history at a venue
// @Tags points
// @Produce json
// @Security BearerAuth
// @Param venueId path string true "Venue ID"
// @Param limit query int false "Number of transactions to return (default 50, max 200)"
// @Success 200 {object} object{transactions=[]models.PointsTransaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /points/transactions/{venueId} [get]
func (s *LedgerService) ListPointsTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	venueID := chi.URLParam(r, "venueId")

	limit := 50
	if l := parseLimit(r, 200); l > 0 {
		limit = l
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, user_id, venue_id, points, kind, reason, actor_id, created_at
		FROM points_transactions
		WHERE user_id = $1 AND venue_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, venueID, limit)
	if err != nil {
		log.Printf("[LEDGER] Failed to fetch transactions for %s/%s: %v", userID, venueID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.PointsTransaction{}
	for rows.Next() {
		var txn models.PointsTransaction
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.VenueID, &txn.Points, &txn.Kind,
			&txn.Reason, &txn.ActorID, &txn.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		transactions = append(transactions, txn)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case err == ErrInsufficientFunds:
		SendErrorResponse(w, "Insufficient points balance", http.StatusPaymentRequired, nil)
	case err == ErrBalanceNotFound:
		SendErrorResponse(w, "Points balance not found", http.StatusNotFound, nil)
	default:
		log.Printf("[LEDGER] Operation failed: %v", err)
		SendErrorResponse(w, "Ledger operation failed", http.StatusInternalServerError, nil)
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

func parseLimit(r *http.Request, max int) int {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0
	}
	var limit int
	if _, err := fmt.Sscanf(limitStr, "%d", &limit); err != nil {
		return 0
	}
	if limit < 1 || limit > max {
		return 0
	}
	return limit
}
