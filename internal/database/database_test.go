package database_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/testutil"
	"github.com/mixelka/mailwatch/pkg/models"
)

func TestAccountLookupAndDuplicate(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()

	acc := testutil.CreateAccount(t, db, "a@x.com", "50", "at", "rt")

	got, err := db.GetAccountByEmail(ctx, "A@X.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if got.ID != acc.ID || got.HistoryID != "50" || !got.IsActive {
		t.Fatalf("unexpected account: %+v", got)
	}

	dup := &models.MailboxAccount{Email: "a@x.com", UserID: "u", AccessToken: "x", RefreshToken: "y"}
	if err := db.CreateAccount(ctx, dup); !errors.Is(err, database.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if _, err := db.GetAccountByEmail(ctx, "nobody@x.com"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceAccountCursorNeverRegresses(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	acc := testutil.CreateAccount(t, db, "a@x.com", "9007199254740993", "at", "rt")

	stored, err := db.AdvanceAccountCursor(ctx, acc.ID, "9007199254740992")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if stored != "9007199254740993" {
		t.Fatalf("cursor regressed to %s", stored)
	}

	stored, err = db.AdvanceAccountCursor(ctx, acc.ID, "9007199254740994")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if stored != "9007199254740994" {
		t.Fatalf("cursor = %s, want 9007199254740994", stored)
	}

	got, err := db.GetAccountByID(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HistoryID != "9007199254740994" || got.LastSyncAt == nil {
		t.Fatalf("unexpected stored account: %+v", got)
	}
}

func TestAdvanceAccountCursorConcurrent(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	acc := testutil.CreateAccount(t, db, "a@x.com", "1", "at", "rt")

	var wg sync.WaitGroup
	for _, v := range []string{"5", "3", "9", "2", "7"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			if _, err := db.AdvanceAccountCursor(ctx, acc.ID, v); err != nil {
				t.Errorf("advance %s: %v", v, err)
			}
		}(v)
	}
	wg.Wait()

	got, err := db.GetAccountByID(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HistoryID != "9" {
		t.Fatalf("cursor = %s, want 9", got.HistoryID)
	}
}

func TestSetAccountCursorIfEmpty(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	empty := testutil.CreateAccount(t, db, "a@x.com", "", "at", "rt")
	seeded := testutil.CreateAccount(t, db, "b@x.com", "10", "at", "rt")

	ok, err := db.SetAccountCursorIfEmpty(ctx, empty.ID, "77")
	if err != nil || !ok {
		t.Fatalf("seed empty: ok=%v err=%v", ok, err)
	}
	ok, err = db.SetAccountCursorIfEmpty(ctx, seeded.ID, "77")
	if err != nil || ok {
		t.Fatalf("seed existing: ok=%v err=%v", ok, err)
	}
}

func TestActivateSubscriptionKeepsOneActive(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	acc := testutil.CreateAccount(t, db, "a@x.com", "1", "at", "rt")

	first := &models.WatchSubscription{AccountID: acc.ID, ResourceID: "r1", Expiration: time.Now().Add(time.Hour)}
	if err := db.ActivateSubscription(ctx, first); err != nil {
		t.Fatalf("activate first: %v", err)
	}
	second := &models.WatchSubscription{AccountID: acc.ID, ResourceID: "r2", Expiration: time.Now().Add(2 * time.Hour)}
	if err := db.ActivateSubscription(ctx, second); err != nil {
		t.Fatalf("activate second: %v", err)
	}

	active, err := db.GetActiveSubscription(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active = %s, want %s", active.ID, second.ID)
	}

	subs, err := db.ListSubscriptionsByAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected superseded subscription to be kept, got %d", len(subs))
	}

	n, err := db.DeactivateSubscriptions(ctx, acc.ID)
	if err != nil || n != 1 {
		t.Fatalf("deactivate: n=%d err=%v", n, err)
	}
	if _, err := db.GetActiveSubscription(ctx, acc.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected no active subscription, got %v", err)
	}
}

func TestListSubscriptionsExpiringBefore(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	soon := testutil.CreateAccount(t, db, "a@x.com", "1", "at", "rt")
	later := testutil.CreateAccount(t, db, "b@x.com", "1", "at", "rt")
	bare := testutil.CreateAccount(t, db, "c@x.com", "1", "at", "rt")

	now := time.Now()
	if err := db.ActivateSubscription(ctx, &models.WatchSubscription{AccountID: soon.ID, ResourceID: "r", Expiration: now.Add(10 * time.Minute)}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := db.ActivateSubscription(ctx, &models.WatchSubscription{AccountID: later.ID, ResourceID: "r", Expiration: now.Add(48 * time.Hour)}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	subs, err := db.ListSubscriptionsExpiringBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(subs) != 1 || subs[0].AccountID != soon.ID {
		t.Fatalf("unexpected expiring subscriptions: %+v", subs)
	}

	missing, err := db.ListActiveAccountsWithoutSubscription(ctx)
	if err != nil {
		t.Fatalf("list missing: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != bare.ID {
		t.Fatalf("unexpected accounts without subscription: %+v", missing)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	db := testutil.OpenTestDB(t)
	ctx := context.Background()
	acc := testutil.CreateAccount(t, db, "a@x.com", "1", "at", "rt")
	if err := db.ActivateSubscription(ctx, &models.WatchSubscription{AccountID: acc.ID, ResourceID: "r", Expiration: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := db.DeleteAccount(ctx, acc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	subs, err := db.ListSubscriptionsByAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected cascade delete, got %d subscriptions", len(subs))
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := db.Migrate(ctx); err != nil {
			t.Fatalf("migrate #%d: %v", i+1, err)
		}
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA user_version = 99`); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := db.Migrate(ctx); err == nil {
		t.Fatalf("expected error for a newer schema")
	}
}
