package models

import "time"

// MailboxAccount represents a connected provider mailbox
type MailboxAccount struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	UserID       string     `db:"user_id"`       // Owning user
	IsPrimary    bool       `db:"is_primary"`    // Primary accounts cannot be disconnected
	IsActive     bool       `db:"is_active"`     // Paused accounts are inactive
	AccessToken  string     `db:"access_token"`  // Encrypted
	RefreshToken string     `db:"refresh_token"` // Encrypted
	TokenExpiry  time.Time  `db:"token_expiry"`
	HistoryID    string     `db:"history_id"` // Sync cursor, empty until seeded
	LastSyncAt   *time.Time `db:"last_sync_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// AccountStatus is the per-account lifecycle state
type AccountStatus string

const (
	StatusActive       AccountStatus = "active"
	StatusPaused       AccountStatus = "paused"
	StatusDisconnected AccountStatus = "disconnected"
)

// Status returns the lifecycle state of a stored account
func (a *MailboxAccount) Status() AccountStatus {
	if a.IsActive {
		return StatusActive
	}
	return StatusPaused
}
