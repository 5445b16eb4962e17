package domain

import "time"

// CreditWallet is the per-user spendable balance. Invariant after any
// committed ledger transaction: 0 <= ReservedCredits <= AvailableCredits.
type CreditWallet struct {
	UserID           string    `json:"user_id"`
	AvailableCredits int64     `json:"available_credits"`
	ReservedCredits  int64     `json:"reserved_credits"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TrulyAvailable is the amount a new reservation may claim.
func (w CreditWallet) TrulyAvailable() int64 {
	return w.AvailableCredits - w.ReservedCredits
}
