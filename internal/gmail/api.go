// Package gmail is the provider boundary: history listing, message fetch,
// profile lookup and push watch management for one authenticated mailbox.
package gmail

import (
	"context"
	"errors"
	"time"
)

// UserID addresses the authenticated mailbox
const UserID = "me"

// Provider error kinds, matched with errors.Is
var (
	ErrStaleCursor      = errors.New("start history id is too old")
	ErrFormatNotAllowed = errors.New("message format not allowed by granted scope")
	ErrAuth             = errors.New("credentials rejected")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnavailable      = errors.New("provider unavailable")
)

// Format selects how much of a message is fetched
type Format string

const (
	FormatRaw      Format = "raw"
	FormatMetadata Format = "metadata"
)

// MetadataHeaders are requested when only metadata is fetched
var MetadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID"}

// HistoryPage is one page of "message added" history records
type HistoryPage struct {
	MessageIDs    []string // Added message ids in history order
	NextPageToken string
	HistoryID     uint64
}

// Header is a single message header
type Header struct {
	Name  string
	Value string
}

// Message is a fetched provider message
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate time.Time
	Headers      []Header // Set for FormatMetadata
	Raw          []byte   // RFC 5322 bytes, set for FormatRaw
}

// Profile is the mailbox profile
type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// WatchRequest declares what the watch monitors and where pushes go
type WatchRequest struct {
	TopicName string
	LabelIDs  []string
}

// WatchResponse is the provider's answer to a watch request
type WatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
}

// API is the set of provider calls made on behalf of one mailbox
type API interface {
	ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryPage, error)
	GetMessage(ctx context.Context, id string, format Format) (*Message, error)
	GetProfile(ctx context.Context) (*Profile, error)
	Watch(ctx context.Context, req WatchRequest) (*WatchResponse, error)
	Stop(ctx context.Context) error
}
