package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/internal/secret"
	"github.com/mixelka/mailwatch/internal/testutil"
	"github.com/mixelka/mailwatch/pkg/models"
)

const testKey = "0123456789abcdef0123456789abcdef"

// tokenAPI pulls a token on every profile call, as the real client does per request
type tokenAPI struct {
	*testutil.FakeAPI
	ts oauth2.TokenSource
}

func (a *tokenAPI) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	if _, err := a.ts.Token(); err != nil {
		return nil, err
	}
	return a.FakeAPI.GetProfile(ctx)
}

type fixture struct {
	db      *database.DB
	cipher  *secret.Cipher
	manager *TokenManager
	account *models.MailboxAccount
}

func newFixture(t *testing.T, tokenHandler, revokeHandler http.HandlerFunc, expiry time.Time) *fixture {
	t.Helper()

	cipher, err := secret.NewCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	tokenSrv := httptest.NewServer(tokenHandler)
	t.Cleanup(tokenSrv.Close)
	revokeSrv := httptest.NewServer(revokeHandler)
	t.Cleanup(revokeSrv.Close)

	db := testutil.OpenTestDB(t)
	access, _ := cipher.Encrypt("access-1")
	refresh, _ := cipher.Encrypt("refresh-1")
	account := testutil.CreateAccount(t, db, "user@example.com", "100", access, refresh)
	account.TokenExpiry = expiry

	manager := NewTokenManager(Config{
		OAuth: &oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint:     oauth2.Endpoint{TokenURL: tokenSrv.URL, AuthURL: "https://accounts.example.com/auth"},
		},
		Store:  db,
		Cipher: cipher,
		NewAPI: func(ctx context.Context, ts oauth2.TokenSource) (gmail.API, error) {
			return &tokenAPI{FakeAPI: testutil.NewFakeAPI("user@example.com", 200), ts: ts}, nil
		},
		RevokeURL: revokeSrv.URL,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{db: db, cipher: cipher, manager: manager, account: account}
}

func issueToken(access string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"`+access+`","token_type":"Bearer","expires_in":3600}`)
	}
}

func okHandler(w http.ResponseWriter, r *http.Request) {}

func (f *fixture) storedAccessToken(t *testing.T) (string, string) {
	t.Helper()
	stored, err := f.db.GetAccountByID(context.Background(), f.account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	access, err := f.cipher.Decrypt(stored.AccessToken)
	if err != nil {
		t.Fatalf("decrypt access: %v", err)
	}
	refresh, err := f.cipher.Decrypt(stored.RefreshToken)
	if err != nil {
		t.Fatalf("decrypt refresh: %v", err)
	}
	return access, refresh
}

func TestSessionPersistsRotatedToken(t *testing.T) {
	f := newFixture(t, issueToken("access-2"), okHandler, time.Now().Add(-time.Hour))
	ctx := context.Background()

	sess, err := f.manager.Session(ctx, f.account)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := sess.API.GetProfile(ctx); err != nil {
		t.Fatalf("profile: %v", err)
	}

	written, err := f.manager.Persist(ctx, f.account, sess)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !written {
		t.Fatalf("expected rotated token to be persisted")
	}

	access, refresh := f.storedAccessToken(t)
	if access != "access-2" {
		t.Fatalf("access token = %q, want access-2", access)
	}
	if refresh != "refresh-1" {
		t.Fatalf("refresh token = %q, want the original to be kept", refresh)
	}
}

func TestSessionWithoutRotationWritesNothing(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		issueToken("unexpected")(w, r)
	}, okHandler, time.Now().Add(time.Hour))
	ctx := context.Background()

	sess, err := f.manager.Session(ctx, f.account)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := sess.API.GetProfile(ctx); err != nil {
		t.Fatalf("profile: %v", err)
	}

	written, err := f.manager.Persist(ctx, f.account, sess)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if written {
		t.Fatalf("expected nothing to be persisted")
	}
	if calls.Load() != 0 {
		t.Fatalf("token endpoint called %d times", calls.Load())
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, issueToken("access-3"), okHandler, time.Now().Add(time.Hour))

	if err := f.manager.Refresh(context.Background(), f.account); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	access, refresh := f.storedAccessToken(t)
	if access != "access-3" || refresh != "refresh-1" {
		t.Fatalf("stored tokens = %q/%q", access, refresh)
	}
}

func TestRefreshRejected(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid_grant"}`)
	}, okHandler, time.Now().Add(time.Hour))

	err := f.manager.Refresh(context.Background(), f.account)
	if !errors.Is(err, gmail.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
}

func TestRevokeAttemptsEachToken(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	f := newFixture(t, issueToken("unused"), func(w http.ResponseWriter, r *http.Request) {
		token := r.FormValue("token")
		mu.Lock()
		seen = append(seen, token)
		mu.Unlock()
		if token == "access-1" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}, time.Now().Add(time.Hour))

	err := f.manager.Revoke(context.Background(), f.account)
	if err == nil {
		t.Fatalf("expected access token revocation failure")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "access-1" || seen[1] != "refresh-1" {
		t.Fatalf("revoked %v, want both tokens", seen)
	}
}

func TestAuthCodeURLRequiresConfig(t *testing.T) {
	m := NewTokenManager(Config{})
	if _, err := m.AuthCodeURL("state"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}

	f := newFixture(t, okHandler, okHandler, time.Now())
	url, err := f.manager.AuthCodeURL("state-1")
	if err != nil {
		t.Fatalf("auth code url: %v", err)
	}
	if want := "access_type=offline"; !strings.Contains(url, want) {
		t.Fatalf("url %q missing %s", url, want)
	}
}
