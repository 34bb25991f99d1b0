package models

import "time"

// WatchSubscription represents a provider-side watch registration
type WatchSubscription struct {
	ID         string    `db:"id"`
	AccountID  string    `db:"account_id"`
	ResourceID string    `db:"resource_id"` // Opaque id returned by the provider
	Expiration time.Time `db:"expiration"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// ExpiresWithin reports whether the subscription expires before now+d
func (s *WatchSubscription) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s.Expiration.Before(now.Add(d))
}
