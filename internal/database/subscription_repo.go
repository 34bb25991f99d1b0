package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/mailwatch/pkg/models"
)

// ActivateSubscription deactivates every active subscription of the account
// and inserts sub as the only active one, in a single transaction
func (db *DB) ActivateSubscription(ctx context.Context, sub *models.WatchSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE watch_subscriptions SET is_active = false, updated_at = ? WHERE account_id = ? AND is_active = true`,
		now, sub.AccountID)
	if err != nil {
		return fmt.Errorf("failed to supersede subscriptions: %w", err)
	}

	query := `
		INSERT INTO watch_subscriptions (id, account_id, resource_id, expiration, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, true, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, sub.ID, sub.AccountID, sub.ResourceID, storedTime(sub.Expiration), now, now); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit subscription: %w", err)
	}

	sub.IsActive = true
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

// GetActiveSubscription returns the active subscription of an account
func (db *DB) GetActiveSubscription(ctx context.Context, accountID string) (*models.WatchSubscription, error) {
	var sub models.WatchSubscription
	query := `SELECT * FROM watch_subscriptions WHERE account_id = ? AND is_active = true`
	err := db.GetContext(ctx, &sub, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptionsByAccount returns all subscriptions of an account, newest first
func (db *DB) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*models.WatchSubscription, error) {
	var subs []*models.WatchSubscription
	query := `SELECT * FROM watch_subscriptions WHERE account_id = ? ORDER BY created_at DESC`
	if err := db.SelectContext(ctx, &subs, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}
	return subs, nil
}

// ListSubscriptionsExpiringBefore returns active subscriptions expiring before t
func (db *DB) ListSubscriptionsExpiringBefore(ctx context.Context, t time.Time) ([]*models.WatchSubscription, error) {
	var subs []*models.WatchSubscription
	query := `SELECT * FROM watch_subscriptions WHERE is_active = true AND expiration < ? ORDER BY expiration`
	if err := db.SelectContext(ctx, &subs, query, storedTime(t)); err != nil {
		return nil, fmt.Errorf("failed to get expiring subscriptions: %w", err)
	}
	return subs, nil
}

// ListActiveAccountsWithoutSubscription returns active accounts that have no active subscription
func (db *DB) ListActiveAccountsWithoutSubscription(ctx context.Context) ([]*models.MailboxAccount, error) {
	var accounts []*models.MailboxAccount
	query := `
		SELECT a.* FROM mailbox_accounts a
		WHERE a.is_active = true
		AND NOT EXISTS (
			SELECT 1 FROM watch_subscriptions s WHERE s.account_id = a.id AND s.is_active = true
		)
		ORDER BY a.created_at
	`
	if err := db.SelectContext(ctx, &accounts, query); err != nil {
		return nil, fmt.Errorf("failed to get accounts without subscription: %w", err)
	}
	return accounts, nil
}

// DeactivateSubscription deactivates one subscription
func (db *DB) DeactivateSubscription(ctx context.Context, id string) error {
	query := `UPDATE watch_subscriptions SET is_active = false, updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to deactivate subscription: %w", err)
	}
	return nil
}

// DeactivateSubscriptions deactivates all subscriptions of an account
func (db *DB) DeactivateSubscriptions(ctx context.Context, accountID string) (int64, error) {
	query := `UPDATE watch_subscriptions SET is_active = false, updated_at = ? WHERE account_id = ? AND is_active = true`
	result, err := db.ExecContext(ctx, query, time.Now(), accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate subscriptions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// storedTime normalizes times used in SQL comparisons so their text forms sort
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
