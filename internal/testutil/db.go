// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/pkg/models"
)

// OpenTestDB opens a migrated SQLite database in a temp dir
func OpenTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// CreateAccount inserts an active account with the given address and cursor.
// Tokens are stored as-is, so callers pass values their cipher can decrypt.
func CreateAccount(t *testing.T, db *database.DB, email, historyID, accessToken, refreshToken string) *models.MailboxAccount {
	t.Helper()

	account := &models.MailboxAccount{
		Email:        email,
		UserID:       "user-" + email,
		IsActive:     true,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenExpiry:  time.Now().Add(time.Hour),
		HistoryID:    historyID,
	}
	if err := db.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("create account %s: %v", email, err)
	}
	return account
}
