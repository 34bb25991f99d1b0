// Package account implements the mailbox account lifecycle: connect, pause,
// resume and disconnect.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/mailwatch/internal/auth"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/pkg/models"
)

// ErrPrimaryAccount is returned when disconnecting a primary account
var ErrPrimaryAccount = errors.New("primary account cannot be disconnected")

// Store is the account storage
type Store interface {
	CreateAccount(ctx context.Context, account *models.MailboxAccount) error
	GetAccountByID(ctx context.Context, id string) (*models.MailboxAccount, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.MailboxAccount, error)
	ListAccounts(ctx context.Context) ([]*models.MailboxAccount, error)
	CountAccountsByUser(ctx context.Context, userID string) (int, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
	SetAccountActive(ctx context.Context, id string, active bool) error
	DeleteAccount(ctx context.Context, id string) error
}

// Tokens is the credential handling used by the lifecycle
type Tokens interface {
	SessionForToken(ctx context.Context, tok *oauth2.Token) (*auth.Session, error)
	EncryptToken(tok *oauth2.Token) (accessToken, refreshToken string, err error)
	Revoke(ctx context.Context, account *models.MailboxAccount) error
}

// Watches manages the account's push subscription
type Watches interface {
	Setup(ctx context.Context, accountID string) (*models.WatchSubscription, error)
	Stop(ctx context.Context, accountID string) error
}

// Service runs account state transitions
type Service struct {
	store   Store
	tokens  Tokens
	watches Watches
	logger  *slog.Logger
}

// NewService creates an account service
func NewService(store Store, tokens Tokens, watches Watches, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		tokens:  tokens,
		watches: watches,
		logger:  logger.With("component", "account"),
	}
}

// Connect stores the mailbox authorized by tok for the user and starts
// watching it. The first mailbox of a user becomes its primary one. A known
// mailbox is reconnected with the new credentials.
//
// If the watch cannot be established the account stays connected and the
// watch error is returned with it.
func (s *Service) Connect(ctx context.Context, userID string, tok *oauth2.Token) (*models.MailboxAccount, error) {
	sess, err := s.tokens.SessionForToken(ctx, tok)
	if err != nil {
		return nil, err
	}
	profile, err := sess.API.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if rotated, ok := sess.Rotated(); ok {
		tok = rotated
	}

	accessToken, refreshToken, err := s.tokens.EncryptToken(tok)
	if err != nil {
		return nil, err
	}

	email := strings.ToLower(profile.EmailAddress)
	account, err := s.store.GetAccountByEmail(ctx, email)
	switch {
	case err == nil:
		if err := s.store.UpdateAccountTokens(ctx, account.ID, accessToken, refreshToken, tok.Expiry); err != nil {
			return nil, err
		}
		if err := s.store.SetAccountActive(ctx, account.ID, true); err != nil {
			return nil, err
		}
		account.IsActive = true
		s.logger.Info("account reconnected", "account_id", account.ID, "email", email)

	case errors.Is(err, database.ErrNotFound):
		owned, err := s.store.CountAccountsByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		account = &models.MailboxAccount{
			Email:        email,
			UserID:       userID,
			IsPrimary:    owned == 0,
			IsActive:     true,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenExpiry:  tok.Expiry,
			HistoryID:    strconv.FormatUint(profile.HistoryID, 10),
		}
		if err := s.store.CreateAccount(ctx, account); err != nil {
			return nil, err
		}
		s.logger.Info("account connected", "account_id", account.ID, "email", email, "primary", account.IsPrimary)

	default:
		return nil, err
	}

	if _, err := s.watches.Setup(ctx, account.ID); err != nil {
		s.logger.Warn("account connected without watch", "account_id", account.ID, "email", email, "error", err)
		return account, err
	}
	return account, nil
}

// Pause stops watching the account and ignores its notifications
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.store.SetAccountActive(ctx, id, false); err != nil {
		return err
	}
	if err := s.watches.Stop(ctx, id); err != nil {
		return err
	}
	s.logger.Info("account paused", "account_id", id)
	return nil
}

// Resume reactivates the account and re-establishes its watch
func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.store.SetAccountActive(ctx, id, true); err != nil {
		return err
	}
	if _, err := s.watches.Setup(ctx, id); err != nil {
		return err
	}
	s.logger.Info("account resumed", "account_id", id)
	return nil
}

// Disconnect stops the watch, revokes credentials and deletes the account.
// Revocation is best-effort.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	account, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		return err
	}
	if account.IsPrimary {
		return ErrPrimaryAccount
	}

	if err := s.watches.Stop(ctx, id); err != nil {
		return err
	}
	if err := s.tokens.Revoke(ctx, account); err != nil {
		s.logger.Warn("failed to revoke credentials", "account_id", id, "email", account.Email, "error", err)
	}
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}

	s.logger.Info("account disconnected", "account_id", id, "email", account.Email)
	return nil
}

// List returns all accounts
func (s *Service) List(ctx context.Context) ([]*models.MailboxAccount, error) {
	return s.store.ListAccounts(ctx)
}

// Find resolves an account by id or mailbox address
func (s *Service) Find(ctx context.Context, ref string) (*models.MailboxAccount, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return s.store.GetAccountByEmail(ctx, ref)
	}
	return s.store.GetAccountByID(ctx, ref)
}
