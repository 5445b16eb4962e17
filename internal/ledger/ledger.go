// Package ledger implements transactional reserve/consume/release of per-user
// credit balances. The wallet row is the only shared resource in the platform
// that needs transactional mutual exclusion; every mutation here happens as an
// atomic conditional update inside a transaction so concurrent reservations
// can never overspend.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pairforge/pairforge/internal/domain"
)

var (
	// ErrInsufficientCredits means truly-available credits are below the
	// requested reservation. The run never starts.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrWalletMissing means no wallet row exists for the user.
	ErrWalletMissing = errors.New("wallet not found")
)

// Ledger mediates all wallet mutations. It shares the platform database but
// owns the wallet transaction discipline.
type Ledger struct {
	db *sql.DB
}

// New creates a ledger on the shared platform database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Reserve atomically moves amount from truly-available into reserved. The
// check and the increment execute as one conditional UPDATE inside a
// transaction, so a concurrent Reserve can never observe a stale
// reserved_credits value.
func (l *Ledger) Reserve(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE wallets
		 SET reserved_credits = reserved_credits + ?, updated_at = ?
		 WHERE user_id = ? AND available_credits - reserved_credits >= ?`,
		amount, time.Now(), userID, amount)
	if err != nil {
		return fmt.Errorf("reserve credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve credits: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing wallet from an underfunded one.
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM wallets WHERE user_id = ?`, userID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("reserve credits: %w", err)
		}
		if exists == 0 {
			return ErrWalletMissing
		}
		return ErrInsufficientCredits
	}

	return tx.Commit()
}

// Release returns a reservation and consumes what the run actually spent, in
// the same transaction. Both decrements floor at zero: a reconciliation bug
// upstream must never drive a wallet negative. The orchestrator calls this
// exactly once per run, on every exit path.
func (l *Ledger) Release(ctx context.Context, userID string, reservedAmount, actualConsumed int64) error {
	if reservedAmount < 0 {
		reservedAmount = 0
	}
	if actualConsumed < 0 {
		actualConsumed = 0
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin release tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE wallets
		 SET reserved_credits = MAX(reserved_credits - ?, 0),
		     available_credits = MAX(available_credits - ?, 0),
		     updated_at = ?
		 WHERE user_id = ?`,
		reservedAmount, actualConsumed, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("release credits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release credits: %w", err)
	}
	if affected == 0 {
		return ErrWalletMissing
	}

	return tx.Commit()
}

// GetWallet reads the current wallet state. Returns nil, nil when absent.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*domain.CreditWallet, error) {
	var w domain.CreditWallet
	err := l.db.QueryRowContext(ctx,
		`SELECT user_id, available_credits, reserved_credits, updated_at FROM wallets WHERE user_id = ?`,
		userID).Scan(&w.UserID, &w.AvailableCredits, &w.ReservedCredits, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// TopUp adds credits to a wallet, creating it when absent.
func (l *Ledger) TopUp(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO wallets (user_id, available_credits, reserved_credits, updated_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   available_credits = available_credits + excluded.available_credits,
		   updated_at = excluded.updated_at`,
		userID, amount, time.Now())
	return err
}
