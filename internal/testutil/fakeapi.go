package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mixelka/mailwatch/internal/gmail"
)

// FakeAPI is an in-memory gmail.API for one mailbox
type FakeAPI struct {
	mu sync.Mutex

	Email            string
	ProfileHistoryID uint64

	// Pages are keyed by page token; "" is the first page
	Pages       map[string]*gmail.HistoryPage
	HistoryErr  error
	Messages    map[string]*gmail.Message
	MessageErrs map[string]error
	// RawNotAllowed makes raw fetches fail as they do under a metadata-only scope
	RawNotAllowed bool

	WatchResponse *gmail.WatchResponse
	WatchErr      error
	StopErr       error

	// OnListHistory runs at the start of every ListHistory call
	OnListHistory func()

	historyCalls []uint64
	fetches      []string
	watchCalls   []gmail.WatchRequest
	stopCalls    int
}

// NewFakeAPI returns a fake mailbox with no history
func NewFakeAPI(email string, profileHistoryID uint64) *FakeAPI {
	return &FakeAPI{
		Email:            email,
		ProfileHistoryID: profileHistoryID,
		Pages:            map[string]*gmail.HistoryPage{},
		Messages:         map[string]*gmail.Message{},
		MessageErrs:      map[string]error{},
		WatchResponse: &gmail.WatchResponse{
			HistoryID:  profileHistoryID,
			Expiration: time.Now().Add(7 * 24 * time.Hour),
		},
	}
}

// AddMessage stores a plain text message
func (f *FakeAPI) AddMessage(id, from, subject, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nMessage-ID: <%s@example.com>\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from, f.Email, subject, date.Format(time.RFC1123Z), id, body)

	f.Messages[id] = &gmail.Message{
		ID:           id,
		ThreadID:     "t-" + id,
		LabelIDs:     []string{"INBOX"},
		Snippet:      body,
		InternalDate: date,
		Headers: []gmail.Header{
			{Name: "From", Value: from},
			{Name: "To", Value: f.Email},
			{Name: "Subject", Value: subject},
			{Name: "Date", Value: date.Format(time.RFC1123Z)},
		},
		Raw: []byte(raw),
	}
}

// SetHistory replaces the history with a single page of added ids
func (f *FakeAPI) SetHistory(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Pages = map[string]*gmail.HistoryPage{
		"": {MessageIDs: ids, HistoryID: f.ProfileHistoryID},
	}
}

func (f *FakeAPI) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*gmail.HistoryPage, error) {
	if hook := f.onListHistory(); hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.historyCalls = append(f.historyCalls, startHistoryID)
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}
	page, ok := f.Pages[pageToken]
	if !ok {
		return &gmail.HistoryPage{HistoryID: f.ProfileHistoryID}, nil
	}
	cp := *page
	return &cp, nil
}

func (f *FakeAPI) GetMessage(ctx context.Context, id string, format gmail.Format) (*gmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, id+":"+string(format))
	if err := f.MessageErrs[id]; err != nil {
		return nil, err
	}
	if format == gmail.FormatRaw && f.RawNotAllowed {
		return nil, fmt.Errorf("get message %s: %w", id, gmail.ErrFormatNotAllowed)
	}
	msg, ok := f.Messages[id]
	if !ok {
		return nil, fmt.Errorf("get message %s: %w", id, gmail.ErrNotFound)
	}

	cp := *msg
	if format == gmail.FormatRaw {
		cp.Headers = nil
	} else {
		cp.Raw = nil
	}
	return &cp, nil
}

func (f *FakeAPI) GetProfile(ctx context.Context) (*gmail.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gmail.Profile{EmailAddress: f.Email, HistoryID: f.ProfileHistoryID}, nil
}

func (f *FakeAPI) Watch(ctx context.Context, req gmail.WatchRequest) (*gmail.WatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.watchCalls = append(f.watchCalls, req)
	if f.WatchErr != nil {
		return nil, f.WatchErr
	}
	cp := *f.WatchResponse
	return &cp, nil
}

func (f *FakeAPI) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls++
	return f.StopErr
}

// HistoryCalls returns the start ids of every ListHistory call
func (f *FakeAPI) HistoryCalls() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.historyCalls...)
}

// Fetches returns "id:format" for every GetMessage call
func (f *FakeAPI) Fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

// WatchCalls returns every watch request made
func (f *FakeAPI) WatchCalls() []gmail.WatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gmail.WatchRequest(nil), f.watchCalls...)
}

// StopCalls returns how many times Stop was called
func (f *FakeAPI) StopCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

func (f *FakeAPI) onListHistory() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.OnListHistory
}
