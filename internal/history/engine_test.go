package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/internal/testutil"
)

func newTestEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchFollowsPages(t *testing.T) {
	api := testutil.NewFakeAPI("a@x.com", 180)
	api.AddMessage("m1", "Alice <alice@example.com>", "first", "hello")
	api.AddMessage("m2", "bob@example.com", "second", "world")
	api.AddMessage("m3", "carol@example.com", "third", "again")
	api.Pages = map[string]*gmail.HistoryPage{
		"":   {MessageIDs: []string{"m1", "m2"}, NextPageToken: "p2"},
		"p2": {MessageIDs: []string{"m2", "m3"}},
	}

	messages, next, err := newTestEngine().Fetch(context.Background(), api, "50")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if next != "180" {
		t.Fatalf("new cursor = %q, want 180", next)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if messages[i].ID != want {
			t.Fatalf("messages[%d] = %s, want %s", i, messages[i].ID, want)
		}
	}

	m := messages[0]
	if m.From.Name != "Alice" || m.From.Address != "alice@example.com" {
		t.Fatalf("from = %+v", m.From)
	}
	if m.Subject != "first" || !strings.Contains(m.BodyText, "hello") || m.MetadataOnly {
		t.Fatalf("unexpected message %+v", m)
	}
	if len(m.To) != 1 || m.To[0].Address != "a@x.com" {
		t.Fatalf("to = %+v", m.To)
	}

	calls := api.HistoryCalls()
	if len(calls) != 2 || calls[0] != 50 || calls[1] != 50 {
		t.Fatalf("history calls = %v", calls)
	}
}

func TestFetchNoMessages(t *testing.T) {
	api := testutil.NewFakeAPI("a@x.com", 180)

	messages, next, err := newTestEngine().Fetch(context.Background(), api, "50")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 0 || next != "" {
		t.Fatalf("got %d messages and cursor %q", len(messages), next)
	}
}

func TestFetchStaleCursor(t *testing.T) {
	api := testutil.NewFakeAPI("a@x.com", 180)
	api.HistoryErr = fmt.Errorf("list history: %w", gmail.ErrStaleCursor)

	_, _, err := newTestEngine().Fetch(context.Background(), api, "50")
	if !errors.Is(err, ErrStaleCursor) {
		t.Fatalf("err = %v, want ErrStaleCursor", err)
	}
}

func TestFetchInvalidCursor(t *testing.T) {
	api := testutil.NewFakeAPI("a@x.com", 180)

	if _, _, err := newTestEngine().Fetch(context.Background(), api, "abc"); err == nil {
		t.Fatalf("expected error for invalid cursor")
	}
	if len(api.HistoryCalls()) != 0 {
		t.Fatalf("history listed for invalid cursor")
	}
}

func TestFetchSkipsFailedMessage(t *testing.T) {
	api := testutil.NewFakeAPI("a@x.com", 180)
	api.AddMessage("m1", "a@example.com", "one", "1")
	api.AddMessage("m3", "c@example.com", "three", "3")
	api.SetHistory("m1", "m2", "m3")
	api.MessageErrs["m2"] = errors.New("boom")

	messages, next, err := newTestEngine().Fetch(context.Background(), api, "50")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "m1" || messages[1].ID != "m3" {
		t.Fatalf("messages = %+v", messages)
	}
	if next != "180" {
		t.Fatalf("new cursor = %q", next)
	}
}

func TestFetchDegradesToMetadata(t *testing.T) {
	api := testutil.NewFakeAPI("a@x.com", 180)
	api.AddMessage("m1", "a@example.com", "one", "1")
	api.AddMessage("m2", "b@example.com", "two", "2")
	api.SetHistory("m1", "m2")
	api.RawNotAllowed = true

	messages, _, err := newTestEngine().Fetch(context.Background(), api, "50")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	for _, m := range messages {
		if !m.MetadataOnly || m.BodyText != "" {
			t.Fatalf("expected metadata-only message, got %+v", m)
		}
	}
	if messages[1].Subject != "two" || messages[1].From.Address != "b@example.com" {
		t.Fatalf("metadata not parsed: %+v", messages[1])
	}

	want := []string{"m1:raw", "m1:metadata", "m2:metadata"}
	got := api.Fetches()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("fetches = %v, want %v", got, want)
	}
}

func TestParseRawMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: Shop <noreply@shop.example>",
		"To: a@x.com, b@x.com",
		"Subject: =?utf-8?q?Your_code?=",
		"Date: Wed, 01 May 2024 12:00:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"code 123456",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>code <b>123456</b></p>",
		"--b1--",
		"",
	}, "\r\n")

	msg, err := parseRaw(&gmail.Message{ID: "m1", Raw: []byte(raw)})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Subject != "Your code" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if len(msg.To) != 2 {
		t.Fatalf("to = %+v", msg.To)
	}
	if !strings.Contains(msg.BodyText, "123456") || !strings.Contains(msg.BodyHTML, "<b>123456</b>") {
		t.Fatalf("bodies not parsed: %q / %q", msg.BodyText, msg.BodyHTML)
	}
	if msg.Date.Year() != 2024 {
		t.Fatalf("date = %v", msg.Date)
	}
}
