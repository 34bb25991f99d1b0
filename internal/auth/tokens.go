// Package auth builds authenticated provider sessions for mailbox accounts
// and keeps their stored credentials current.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/pkg/models"
)

// DefaultRevokeURL is Google's token revocation endpoint
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// ErrNotConfigured is returned when the OAuth client is missing
var ErrNotConfigured = errors.New("oauth client not configured")

// Store persists rotated credentials
type Store interface {
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
}

// Cipher encrypts credentials at rest
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

// APIFactory builds a provider client from a token source
type APIFactory func(ctx context.Context, ts oauth2.TokenSource) (gmail.API, error)

// Config holds TokenManager dependencies
type Config struct {
	OAuth      *oauth2.Config
	Store      Store
	Cipher     Cipher
	NewAPI     APIFactory
	RevokeURL  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewOAuthConfig returns the OAuth client for the provider. It returns nil
// when the client is not configured.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{gmailapi.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// TokenManager owns credential use and rotation for accounts
type TokenManager struct {
	oauth      *oauth2.Config
	store      Store
	cipher     Cipher
	newAPI     APIFactory
	revokeURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTokenManager creates a token manager
func NewTokenManager(cfg Config) *TokenManager {
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = DefaultRevokeURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		oauth:      cfg.OAuth,
		store:      cfg.Store,
		cipher:     cfg.Cipher,
		newAPI:     cfg.NewAPI,
		revokeURL:  revokeURL,
		httpClient: httpClient,
		logger:     logger.With("component", "token_manager"),
	}
}

// Session is an authenticated provider client for one mailbox. Tokens the
// client refreshes during calls are reported by Rotated.
type Session struct {
	API gmail.API
	src *trackingSource
}

// Rotated returns the latest token if it differs from the one the session
// started with
func (s *Session) Rotated() (*oauth2.Token, bool) {
	if s.src == nil {
		return nil, false
	}
	return s.src.rotated()
}

// AuthCodeURL returns the consent page URL for a new authorization
func (m *TokenManager) AuthCodeURL(state string) (string, error) {
	if m.oauth == nil {
		return "", ErrNotConfigured
	}
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for a token
func (m *TokenManager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if m.oauth == nil {
		return nil, ErrNotConfigured
	}
	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("authorization returned no refresh token")
	}
	return tok, nil
}

// SessionForToken builds a session from a plaintext token
func (m *TokenManager) SessionForToken(ctx context.Context, tok *oauth2.Token) (*Session, error) {
	if m.oauth == nil {
		return nil, ErrNotConfigured
	}
	src := newTrackingSource(m.oauth.TokenSource(ctx, tok), tok)
	api, err := m.newAPI(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	return &Session{API: api, src: src}, nil
}

// Session builds a session from the account's stored credentials
func (m *TokenManager) Session(ctx context.Context, account *models.MailboxAccount) (*Session, error) {
	tok, err := m.decryptToken(account)
	if err != nil {
		return nil, err
	}
	return m.SessionForToken(ctx, tok)
}

// Persist stores the session's rotated token, if any, on the account.
// It reports whether anything was written.
func (m *TokenManager) Persist(ctx context.Context, account *models.MailboxAccount, s *Session) (bool, error) {
	tok, ok := s.Rotated()
	if !ok {
		return false, nil
	}
	if err := m.save(ctx, account, tok); err != nil {
		return false, err
	}
	m.logger.Info("persisted rotated token", "account_id", account.ID, "email", account.Email, "expiry", tok.Expiry)
	return true, nil
}

// Refresh forces a token refresh and persists the result
func (m *TokenManager) Refresh(ctx context.Context, account *models.MailboxAccount) error {
	if m.oauth == nil {
		return ErrNotConfigured
	}
	refreshToken, err := m.cipher.Decrypt(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	// An empty access token makes the source refresh immediately.
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w: %w", gmail.ErrAuth, err)
	}
	if err := m.save(ctx, account, tok); err != nil {
		return err
	}

	m.logger.Info("refreshed token", "account_id", account.ID, "email", account.Email, "expiry", tok.Expiry)
	return nil
}

// Revoke revokes the account's access and refresh tokens with the provider.
// Both revocations are attempted; the joined failures are returned.
func (m *TokenManager) Revoke(ctx context.Context, account *models.MailboxAccount) error {
	var errs []error
	for _, kind := range []struct {
		name  string
		value string
	}{
		{"access", account.AccessToken},
		{"refresh", account.RefreshToken},
	} {
		if kind.value == "" {
			continue
		}
		token, err := m.cipher.Decrypt(kind.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to decrypt %s token: %w", kind.name, err))
			continue
		}
		if err := m.revoke(ctx, token); err != nil {
			m.logger.Warn("failed to revoke token", "account_id", account.ID, "token", kind.name, "error", err)
			errs = append(errs, fmt.Errorf("failed to revoke %s token: %w", kind.name, err))
		}
	}
	return errors.Join(errs...)
}

// EncryptToken encrypts both token halves for storage
func (m *TokenManager) EncryptToken(tok *oauth2.Token) (accessToken, refreshToken string, err error) {
	accessToken, err = m.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refreshToken, err = m.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

func (m *TokenManager) save(ctx context.Context, account *models.MailboxAccount, tok *oauth2.Token) error {
	if tok.RefreshToken == "" {
		// Refresh responses usually omit the refresh token; keep the stored one.
		current, err := m.cipher.Decrypt(account.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		tok.RefreshToken = current
	}

	accessToken, refreshToken, err := m.EncryptToken(tok)
	if err != nil {
		return err
	}
	if err := m.store.UpdateAccountTokens(ctx, account.ID, accessToken, refreshToken, tok.Expiry); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}

	account.AccessToken = accessToken
	account.RefreshToken = refreshToken
	account.TokenExpiry = tok.Expiry
	return nil
}

func (m *TokenManager) decryptToken(account *models.MailboxAccount) (*oauth2.Token, error) {
	accessToken, err := m.cipher.Decrypt(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refreshToken, err := m.cipher.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       account.TokenExpiry,
	}, nil
}

func (m *TokenManager) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke returned status %d", resp.StatusCode)
	}
	return nil
}

// trackingSource records tokens handed out by the underlying source
type trackingSource struct {
	base    oauth2.TokenSource
	mu      sync.Mutex
	initial string
	latest  *oauth2.Token
}

func newTrackingSource(base oauth2.TokenSource, initial *oauth2.Token) *trackingSource {
	return &trackingSource{base: base, initial: initial.AccessToken}
}

func (s *trackingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.latest = tok
	s.mu.Unlock()
	return tok, nil
}

func (s *trackingSource) rotated() (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || s.latest.AccessToken == s.initial {
		return nil, false
	}
	return s.latest, true
}
