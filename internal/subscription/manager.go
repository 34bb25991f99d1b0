// Package subscription manages provider push watches for mailbox accounts.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mixelka/mailwatch/internal/auth"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/pkg/models"
)

var (
	// ErrMissingTopic is returned by Setup when no push topic is configured
	ErrMissingTopic = errors.New("push topic not configured")
	// ErrWatchSetup wraps a failed remote watch request
	ErrWatchSetup = errors.New("watch setup failed")
)

// Store is the storage used by the manager
type Store interface {
	GetAccountByID(ctx context.Context, id string) (*models.MailboxAccount, error)
	SetAccountCursorIfEmpty(ctx context.Context, id, historyID string) (bool, error)
	ActivateSubscription(ctx context.Context, sub *models.WatchSubscription) error
	DeactivateSubscription(ctx context.Context, id string) error
	DeactivateSubscriptions(ctx context.Context, accountID string) (int64, error)
	ListSubscriptionsExpiringBefore(ctx context.Context, t time.Time) ([]*models.WatchSubscription, error)
	ListActiveAccountsWithoutSubscription(ctx context.Context) ([]*models.MailboxAccount, error)
}

// Tokens provides authenticated sessions
type Tokens interface {
	Session(ctx context.Context, account *models.MailboxAccount) (*auth.Session, error)
	Persist(ctx context.Context, account *models.MailboxAccount, s *auth.Session) (bool, error)
}

// Config holds Manager dependencies
type Config struct {
	Store    Store
	Tokens   Tokens
	Topic    string
	LabelIDs []string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Manager creates, renews and stops watches
type Manager struct {
	store    Store
	tokens   Tokens
	topic    string
	labelIDs []string
	now      func() time.Time
	logger   *slog.Logger
}

// Report counts the outcome of a batch pass
type Report struct {
	Renewed     int
	Deactivated int
	Failed      int
}

// NewManager creates a subscription manager
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		topic:    cfg.Topic,
		labelIDs: cfg.LabelIDs,
		now:      now,
		logger:   cfg.Logger.With("component", "subscription"),
	}
}

// Setup creates a watch for the account and makes it the only active
// subscription. An account without a cursor is seeded from the watch response.
func (m *Manager) Setup(ctx context.Context, accountID string) (*models.WatchSubscription, error) {
	if m.topic == "" {
		return nil, ErrMissingTopic
	}

	account, err := m.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	sess, err := m.tokens.Session(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer m.persist(ctx, account, sess)

	resp, err := sess.API.Watch(ctx, gmail.WatchRequest{TopicName: m.topic, LabelIDs: m.labelIDs})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrWatchSetup, account.Email, err)
	}

	historyID := strconv.FormatUint(resp.HistoryID, 10)
	sub := &models.WatchSubscription{
		AccountID:  account.ID,
		ResourceID: historyID,
		Expiration: resp.Expiration,
	}
	if err := m.store.ActivateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	seeded, err := m.store.SetAccountCursorIfEmpty(ctx, account.ID, historyID)
	if err != nil {
		return nil, err
	}

	m.logger.Info("watch established",
		"account_id", account.ID,
		"email", account.Email,
		"expiration", sub.Expiration,
		"seeded", seeded,
	)
	return sub, nil
}

// Stop asks the provider to stop the watch and deactivates every local
// subscription of the account. A failed remote call is logged only.
func (m *Manager) Stop(ctx context.Context, accountID string) error {
	logger := m.logger.With("account_id", accountID)

	if account, err := m.store.GetAccountByID(ctx, accountID); err != nil {
		logger.Warn("failed to get account for watch stop", "error", err)
	} else if err := m.stopRemote(ctx, account); err != nil {
		logger.Warn("failed to stop remote watch", "email", account.Email, "error", err)
	}

	n, err := m.store.DeactivateSubscriptions(ctx, accountID)
	if err != nil {
		return err
	}
	logger.Info("watch stopped", "deactivated", n)
	return nil
}

// RenewExpiring renews active subscriptions that expire within the window.
// Subscriptions of inactive or missing accounts are deactivated instead.
func (m *Manager) RenewExpiring(ctx context.Context, within time.Duration) (Report, error) {
	var report Report

	subs, err := m.store.ListSubscriptionsExpiringBefore(ctx, m.now().Add(within))
	if err != nil {
		return report, err
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := m.logger.With("account_id", sub.AccountID, "subscription_id", sub.ID)

		account, err := m.store.GetAccountByID(ctx, sub.AccountID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			logger.Error("failed to get account for renewal", "error", err)
			report.Failed++
			continue
		}

		if account == nil || !account.IsActive {
			if err := m.store.DeactivateSubscription(ctx, sub.ID); err != nil {
				logger.Error("failed to deactivate subscription", "error", err)
				report.Failed++
				continue
			}
			logger.Info("deactivated subscription of inactive account")
			report.Deactivated++
			continue
		}

		if _, err := m.Setup(ctx, account.ID); err != nil {
			logger.Error("failed to renew watch", "email", account.Email, "error", err)
			report.Failed++
			continue
		}
		report.Renewed++
	}

	return report, nil
}

// SetupMissing creates watches for active accounts that have none
func (m *Manager) SetupMissing(ctx context.Context) (Report, error) {
	var report Report

	accounts, err := m.store.ListActiveAccountsWithoutSubscription(ctx)
	if err != nil {
		return report, err
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := m.Setup(ctx, account.ID); err != nil {
			m.logger.Error("failed to set up missing watch", "account_id", account.ID, "email", account.Email, "error", err)
			report.Failed++
			continue
		}
		report.Renewed++
	}

	return report, nil
}

// Run renews expiring watches and reconciles missing ones every interval
// until ctx is done
func (m *Manager) Run(ctx context.Context, interval, within time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("watch scheduler started", "interval", interval, "within", within)
	for {
		m.pass(ctx, within)

		select {
		case <-ctx.Done():
			m.logger.Info("watch scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) pass(ctx context.Context, within time.Duration) {
	renewed, err := m.RenewExpiring(ctx, within)
	if err != nil {
		m.logger.Error("renewal pass failed", "error", err)
	}
	missing, err := m.SetupMissing(ctx)
	if err != nil {
		m.logger.Error("reconciliation pass failed", "error", err)
	}
	if renewed != (Report{}) || missing != (Report{}) {
		m.logger.Info("watch pass complete",
			"renewed", renewed.Renewed,
			"deactivated", renewed.Deactivated,
			"created", missing.Renewed,
			"failed", renewed.Failed+missing.Failed,
		)
	}
}

func (m *Manager) stopRemote(ctx context.Context, account *models.MailboxAccount) error {
	sess, err := m.tokens.Session(ctx, account)
	if err != nil {
		return err
	}
	defer m.persist(ctx, account, sess)
	return sess.API.Stop(ctx)
}

func (m *Manager) persist(ctx context.Context, account *models.MailboxAccount, sess *auth.Session) {
	if _, err := m.tokens.Persist(ctx, account, sess); err != nil {
		m.logger.Error("failed to persist rotated credentials", "account_id", account.ID, "error", err)
	}
}
