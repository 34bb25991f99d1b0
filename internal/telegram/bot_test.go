package telegram

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/formatter"
	"github.com/mixelka/mailwatch/internal/parser"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

type apiCall struct {
	method string
	form   map[string]string
}

// fakeTelegram records Bot API requests and answers them successfully
type fakeTelegram struct {
	mu    sync.Mutex
	calls []apiCall
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		r.ParseForm()
	}
	call := apiCall{method: r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], form: map[string]string{}}
	for k, v := range r.Form {
		call.form[k] = v[0]
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch call.method {
	case "getChatMember":
		io.WriteString(w, `{"ok":true,"result":{"status":"administrator","user":{"id":7,"is_bot":false,"first_name":"a"}}}`)
	default:
		io.WriteString(w, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`)
	}
}

func (f *fakeTelegram) sent(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeAccounts struct {
	accounts []*appmodels.MailboxAccount
	paused   []string
}

func (f *fakeAccounts) List(ctx context.Context) ([]*appmodels.MailboxAccount, error) {
	return f.accounts, nil
}

func (f *fakeAccounts) Find(ctx context.Context, ref string) (*appmodels.MailboxAccount, error) {
	for _, a := range f.accounts {
		if a.ID == ref || a.Email == ref {
			return a, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeAccounts) Pause(ctx context.Context, id string) error {
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeAccounts) Resume(ctx context.Context, id string) error     { return nil }
func (f *fakeAccounts) Disconnect(ctx context.Context, id string) error { return nil }

func newTestBot(t *testing.T, accounts Accounts) (*Bot, *fakeTelegram) {
	t.Helper()

	api := &fakeTelegram{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := NewBot(BotDeps{
		Token:        "123:test",
		ChatID:       -100,
		TopicID:      5,
		ConnectURL:   "https://mail.example.com/oauth/start",
		Accounts:     accounts,
		CodeDetector: parser.NewCodeDetector(),
		Formatter:    formatter.NewTelegramFormatter(time.UTC),
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Options:      []bot.Option{bot.WithServerURL(srv.URL), bot.WithSkipGetMe()},
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return b, api
}

func TestHandlePostsToTopic(t *testing.T) {
	b, api := newTestBot(t, &fakeAccounts{})
	account := &appmodels.MailboxAccount{ID: "acc-1", Email: "a@x.com", IsActive: true}
	msg := appmodels.Message{
		ID:       "m1",
		From:     appmodels.Address{Address: "noreply@shop.example"},
		Subject:  "Your code",
		BodyHTML: "<p>Your verification code is <b>482913</b></p>",
	}

	if err := b.Handle(context.Background(), account, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	calls := api.sent("sendMessage")
	if len(calls) != 1 {
		t.Fatalf("sendMessage called %d times", len(calls))
	}
	form := calls[0].form
	if form["chat_id"] != "-100" || form["message_thread_id"] != "5" {
		t.Fatalf("sent to chat %s topic %s", form["chat_id"], form["message_thread_id"])
	}
	if !strings.Contains(form["text"], "<code>482913</code>") || !strings.Contains(form["text"], "a@x.com") {
		t.Fatalf("text = %q", form["text"])
	}
	if !strings.Contains(form["reply_markup"], "acc-1") {
		t.Fatalf("reply markup = %q", form["reply_markup"])
	}
}

func TestStatusCommand(t *testing.T) {
	accounts := &fakeAccounts{accounts: []*appmodels.MailboxAccount{
		{ID: "acc-1", Email: "a@x.com", IsActive: true, IsPrimary: true},
		{ID: "acc-2", Email: "b@x.com"},
	}}
	b, api := newTestBot(t, accounts)

	b.handleStatus(context.Background(), b.bot, &models.Update{Message: &models.Message{
		Chat: models.Chat{ID: -100},
		Text: "/status",
	}})

	calls := api.sent("sendMessage")
	if len(calls) != 1 {
		t.Fatalf("sendMessage called %d times", len(calls))
	}
	text := calls[0].form["text"]
	if !strings.Contains(text, "a@x.com") || !strings.Contains(text, "на паузе") {
		t.Fatalf("status text = %q", text)
	}
}

func TestPauseCommandRequiresConfiguredChat(t *testing.T) {
	accounts := &fakeAccounts{accounts: []*appmodels.MailboxAccount{{ID: "acc-1", Email: "a@x.com", IsActive: true}}}
	b, _ := newTestBot(t, accounts)

	update := func(chatID int64) *models.Update {
		return &models.Update{Message: &models.Message{
			Chat: models.Chat{ID: chatID},
			From: &models.User{ID: 7},
			Text: "/pause a@x.com",
		}}
	}

	b.handlePause(context.Background(), b.bot, update(-999))
	if len(accounts.paused) != 0 {
		t.Fatalf("paused from a foreign chat")
	}

	b.handlePause(context.Background(), b.bot, update(-100))
	if len(accounts.paused) != 1 || accounts.paused[0] != "acc-1" {
		t.Fatalf("paused = %v", accounts.paused)
	}
}

func TestCallbackRedrawsOrigin(t *testing.T) {
	accounts := &fakeAccounts{accounts: []*appmodels.MailboxAccount{{ID: "acc-1", Email: "a@x.com", IsActive: true}}}
	b, api := newTestBot(t, accounts)

	press := func(data string, origin *models.Message) {
		b.handleCallback(context.Background(), b.bot, &models.Update{CallbackQuery: &models.CallbackQuery{
			ID:      "cb",
			From:    models.User{ID: 7},
			Data:    data,
			Message: models.MaybeInaccessibleMessage{Message: origin},
		}})
	}

	forwarded := &models.Message{ID: 10, Chat: models.Chat{ID: -100}, ReplyMarkup: formatter.BuildAccountKeyboard(accounts.accounts[0])}
	press(forwarded.ReplyMarkup.InlineKeyboard[0][0].CallbackData, forwarded)
	if len(accounts.paused) != 1 {
		t.Fatalf("paused = %v", accounts.paused)
	}
	if n := len(api.sent("editMessageReplyMarkup")); n != 1 {
		t.Fatalf("editMessageReplyMarkup called %d times", n)
	}

	status := &models.Message{ID: 11, Chat: models.Chat{ID: -100}, ReplyMarkup: formatter.BuildStatusKeyboard(accounts.accounts)}
	rows := status.ReplyMarkup.InlineKeyboard
	press(rows[len(rows)-1][0].CallbackData, status)
	calls := api.sent("editMessageText")
	if len(calls) != 1 || !strings.Contains(calls[0].form["text"], "a@x.com") {
		t.Fatalf("editMessageText calls = %+v", calls)
	}

	bare := &models.Message{ID: 12, Chat: models.Chat{ID: -100}}
	press(forwarded.ReplyMarkup.InlineKeyboard[0][0].CallbackData, bare)
	if len(accounts.paused) != 2 {
		t.Fatalf("paused = %v", accounts.paused)
	}

	press(`{"a":"x"}`, status)
	if len(accounts.paused) != 2 || len(api.sent("editMessageText")) != 1 {
		t.Fatalf("unknown action had an effect")
	}
}
