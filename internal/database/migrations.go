package database

// migrations are applied in order; PRAGMA user_version records how many ran.
// Append new steps, never edit applied ones.
var migrations = []string{
	// 1: accounts and watch subscriptions
	`
CREATE TABLE IF NOT EXISTS mailbox_accounts (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    is_primary BOOLEAN NOT NULL DEFAULT false,
    is_active BOOLEAN NOT NULL DEFAULT true,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    token_expiry DATETIME,
    history_id TEXT NOT NULL DEFAULT '',
    last_sync_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS watch_subscriptions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES mailbox_accounts(id) ON DELETE CASCADE,
    resource_id TEXT NOT NULL,
    expiration DATETIME NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT true,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_accounts_user ON mailbox_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_accounts_active ON mailbox_accounts(is_active);
CREATE INDEX IF NOT EXISTS idx_subscriptions_expiration ON watch_subscriptions(expiration);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active
    ON watch_subscriptions(account_id) WHERE is_active = true;
`,
}
