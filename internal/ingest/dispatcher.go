package ingest

import (
	"context"
	"log/slog"

	"github.com/mixelka/mailwatch/pkg/models"
)

// Dispatcher receives each genuinely new message
type Dispatcher interface {
	Handle(ctx context.Context, account *models.MailboxAccount, msg models.Message) error
}

// LogDispatcher logs messages instead of delivering them
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a log-only dispatcher
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With("component", "dispatcher")}
}

func (d *LogDispatcher) Handle(ctx context.Context, account *models.MailboxAccount, msg models.Message) error {
	d.logger.Info("new message",
		"email", account.Email,
		"message_id", msg.ID,
		"from", msg.From.Address,
		"subject", msg.Subject,
		"metadata_only", msg.MetadataOnly,
	)
	return nil
}
