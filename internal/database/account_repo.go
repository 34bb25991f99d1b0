package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/mailwatch/internal/cursor"
	"github.com/mixelka/mailwatch/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// CreateAccount creates a new mailbox account
func (db *DB) CreateAccount(ctx context.Context, account *models.MailboxAccount) error {
	query := `
		INSERT OR IGNORE INTO mailbox_accounts (id, email, user_id, is_primary, is_active, access_token, refresh_token, token_expiry, history_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		account.ID,
		account.Email,
		account.UserID,
		account.IsPrimary,
		account.IsActive,
		account.AccessToken,
		account.RefreshToken,
		account.TokenExpiry,
		account.HistoryID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id string) (*models.MailboxAccount, error) {
	var account models.MailboxAccount
	query := `SELECT * FROM mailbox_accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountByEmail returns an account by mailbox address
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*models.MailboxAccount, error) {
	var account models.MailboxAccount
	query := `SELECT * FROM mailbox_accounts WHERE email = ? COLLATE NOCASE`
	err := db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccounts returns all accounts
func (db *DB) ListAccounts(ctx context.Context) ([]*models.MailboxAccount, error) {
	var accounts []*models.MailboxAccount
	query := `SELECT * FROM mailbox_accounts ORDER BY created_at`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// CountAccountsByUser returns how many accounts a user owns
func (db *DB) CountAccountsByUser(ctx context.Context, userID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM mailbox_accounts WHERE user_id = ?`
	if err := db.GetContext(ctx, &n, query, userID); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

// UpdateAccountTokens stores rotated (already encrypted) credentials
func (db *DB) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	query := `UPDATE mailbox_accounts SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, accessToken, refreshToken, expiry, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// AdvanceAccountCursor moves the stored history id forward to historyID.
// A value that is not greater than the stored one is ignored. The stored
// value after the call is returned.
func (db *DB) AdvanceAccountCursor(ctx context.Context, id, historyID string) (string, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.GetContext(ctx, &current, `SELECT history_id FROM mailbox_accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}

	newer, err := cursor.Newer(current, historyID)
	if err != nil {
		return "", fmt.Errorf("failed to compare cursor: %w", err)
	}

	now := time.Now()
	stored := current
	if newer {
		stored = historyID
	}
	query := `UPDATE mailbox_accounts SET history_id = ?, last_sync_at = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, stored, now, now, id); err != nil {
		return "", fmt.Errorf("failed to update cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit cursor: %w", err)
	}
	return stored, nil
}

// SetAccountCursorIfEmpty seeds the history id of an account that has none
func (db *DB) SetAccountCursorIfEmpty(ctx context.Context, id, historyID string) (bool, error) {
	query := `UPDATE mailbox_accounts SET history_id = ?, updated_at = ? WHERE id = ? AND history_id = ''`
	result, err := db.ExecContext(ctx, query, historyID, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to seed cursor: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// SetAccountActive sets the active status of an account
func (db *DB) SetAccountActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE mailbox_accounts SET is_active = ?, updated_at = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query, active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set account active: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount deletes an account and, by cascade, its subscriptions
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	query := `DELETE FROM mailbox_accounts WHERE id = ?`
	_, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
