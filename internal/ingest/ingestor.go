package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixelka/mailwatch/internal/auth"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/dedup"
	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/internal/history"
	"github.com/mixelka/mailwatch/internal/mailboxlock"
	"github.com/mixelka/mailwatch/pkg/models"
)

var (
	// ErrUnknownAccount is returned when no account matches the notification
	ErrUnknownAccount = errors.New("unknown mailbox account")
	// ErrPausedAccount is returned when the matching account is inactive
	ErrPausedAccount = errors.New("mailbox account is paused")
)

// IsDrop reports whether err means the notification should be acknowledged
// and discarded rather than redelivered
func IsDrop(err error) bool {
	var formatErr *FormatError
	return errors.As(err, &formatErr) ||
		errors.Is(err, ErrUnknownAccount) ||
		errors.Is(err, ErrPausedAccount)
}

// Accounts is the account storage used by the pipeline
type Accounts interface {
	GetAccountByEmail(ctx context.Context, email string) (*models.MailboxAccount, error)
	AdvanceAccountCursor(ctx context.Context, id, historyID string) (string, error)
}

// Tokens provides authenticated sessions
type Tokens interface {
	Session(ctx context.Context, account *models.MailboxAccount) (*auth.Session, error)
	Persist(ctx context.Context, account *models.MailboxAccount, s *auth.Session) (bool, error)
	Refresh(ctx context.Context, account *models.MailboxAccount) error
}

// Outcome describes how a notification was handled
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeSeeded    Outcome = "seeded"
	OutcomeStale     Outcome = "stale"
)

// Result summarizes one handled notification
type Result struct {
	Outcome    Outcome
	Dispatched int
	Skipped    int    // Messages already seen or failed to dispatch
	Cursor     string // Stored cursor after processing
}

// Config holds Ingestor dependencies
type Config struct {
	Accounts       Accounts
	Tokens         Tokens
	Engine         *history.Engine
	Dedup          *dedup.Deduplicator
	Locker         *mailboxlock.Locker
	Dispatcher     Dispatcher
	ProcessTimeout time.Duration
	Logger         *slog.Logger
}

// Ingestor runs the per-mailbox notification pipeline
type Ingestor struct {
	accounts       Accounts
	tokens         Tokens
	engine         *history.Engine
	dedup          *dedup.Deduplicator
	locker         *mailboxlock.Locker
	dispatcher     Dispatcher
	processTimeout time.Duration
	logger         *slog.Logger
}

// New creates an ingestor
func New(cfg Config) *Ingestor {
	return &Ingestor{
		accounts:       cfg.Accounts,
		tokens:         cfg.Tokens,
		engine:         cfg.Engine,
		dedup:          cfg.Dedup,
		locker:         cfg.Locker,
		dispatcher:     cfg.Dispatcher,
		processTimeout: cfg.ProcessTimeout,
		logger:         cfg.Logger.With("component", "ingest"),
	}
}

// Handle decodes a push body and processes it once per delivery id.
// Drop-class failures are returned with an OutcomeDropped result; any other
// error forgets the delivery id so a redelivery is processed again.
func (i *Ingestor) Handle(ctx context.Context, body []byte) (*Result, error) {
	env, err := Decode(body)
	if err != nil {
		i.logger.Warn("dropping malformed notification", "error", err)
		return &Result{Outcome: OutcomeDropped}, err
	}

	key := dedup.DeliveryKey(env.DeliveryID)
	if i.dedup.CheckAndMark(key) {
		i.logger.Debug("duplicate delivery", "delivery_id", env.DeliveryID, "email", env.EmailAddress)
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	res, err := i.Process(ctx, env)
	if err != nil && !IsDrop(err) {
		i.dedup.Forget(key)
	}
	return res, err
}

// Process runs the pipeline for a decoded envelope under the mailbox lock
func (i *Ingestor) Process(ctx context.Context, env *Envelope) (*Result, error) {
	if i.processTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.processTimeout)
		defer cancel()
	}

	logger := i.logger.With("email", env.EmailAddress, "delivery_id", env.DeliveryID, "history_id", env.HistoryID)

	release, err := i.locker.Acquire(ctx, env.EmailAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire mailbox lock: %w", err)
	}
	defer release()

	account, err := i.accounts.GetAccountByEmail(ctx, env.EmailAddress)
	if errors.Is(err, database.ErrNotFound) {
		logger.Warn("dropping notification for unknown account")
		return &Result{Outcome: OutcomeDropped}, fmt.Errorf("%s: %w", env.EmailAddress, ErrUnknownAccount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !account.IsActive {
		logger.Info("dropping notification for paused account", "account_id", account.ID)
		return &Result{Outcome: OutcomeDropped}, fmt.Errorf("%s: %w", env.EmailAddress, ErrPausedAccount)
	}
	logger = logger.With("account_id", account.ID)

	if account.HistoryID == "" {
		stored, err := i.accounts.AdvanceAccountCursor(ctx, account.ID, env.HistoryID)
		if err != nil {
			return nil, fmt.Errorf("failed to seed cursor: %w", err)
		}
		logger.Info("seeded cursor from notification", "cursor", stored)
		return &Result{Outcome: OutcomeSeeded, Cursor: stored}, nil
	}

	sess, messages, next, err := i.fetch(ctx, account, logger)
	if sess != nil {
		defer i.persist(account, sess, logger)
	}
	if errors.Is(err, history.ErrStaleCursor) {
		stored, err := i.accounts.AdvanceAccountCursor(ctx, account.ID, env.HistoryID)
		if err != nil {
			return nil, fmt.Errorf("failed to advance stale cursor: %w", err)
		}
		logger.Warn("cursor was stale, skipped to notification cursor", "from", account.HistoryID, "cursor", stored)
		return &Result{Outcome: OutcomeStale, Cursor: stored}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Outcome: OutcomeProcessed}
	for _, msg := range messages {
		key := dedup.MessageKey(account.Email, msg.ID)
		if i.dedup.IsProcessed(key) {
			res.Skipped++
			continue
		}
		if err := i.dispatcher.Handle(ctx, account, msg); err != nil {
			logger.Error("dropped message, cursor advanced past it", "message_id", msg.ID, "error", err)
			res.Skipped++
			continue
		}
		i.dedup.MarkProcessed(key)
		res.Dispatched++
	}

	target := next
	if target == "" {
		target = env.HistoryID
	}
	stored, err := i.accounts.AdvanceAccountCursor(ctx, account.ID, target)
	if err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}
	res.Cursor = stored

	logger.Info("processed notification",
		"dispatched", res.Dispatched,
		"skipped", res.Skipped,
		"cursor", stored,
	)
	return res, nil
}

// fetch reads history from the stored cursor, refreshing credentials once
// if the provider rejects them
func (i *Ingestor) fetch(ctx context.Context, account *models.MailboxAccount, logger *slog.Logger) (*auth.Session, []models.Message, string, error) {
	sess, err := i.tokens.Session(ctx, account)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create session: %w", err)
	}

	messages, next, err := i.engine.Fetch(ctx, sess.API, account.HistoryID)
	if !errors.Is(err, gmail.ErrAuth) {
		return sess, messages, next, err
	}

	logger.Warn("credentials rejected, refreshing", "error", err)
	// a token rotated before the rejection must be stored before the refresh
	// replaces it, or the refresh would start from stale credentials
	i.persist(account, sess, logger)
	if err := i.tokens.Refresh(ctx, account); err != nil {
		return nil, nil, "", fmt.Errorf("failed to refresh credentials: %w", err)
	}
	sess, err = i.tokens.Session(ctx, account)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create session: %w", err)
	}
	messages, next, err = i.engine.Fetch(ctx, sess.API, account.HistoryID)
	return sess, messages, next, err
}

// persist stores rotated credentials. It runs after the pipeline's context
// may have expired, so it uses its own.
func (i *Ingestor) persist(account *models.MailboxAccount, sess *auth.Session, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := i.tokens.Persist(ctx, account, sess); err != nil {
		logger.Error("failed to persist rotated credentials", "error", err)
	}
}
