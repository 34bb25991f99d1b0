package telegram

import (
	"context"
	"fmt"

	"github.com/mixelka/mailwatch/internal/formatter"
	"github.com/mixelka/mailwatch/internal/parser"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

// Handle posts a new message to the configured chat
func (b *Bot) Handle(ctx context.Context, account *appmodels.MailboxAccount, msg appmodels.Message) error {
	body := parser.BodyText(msg)
	codes := b.codeDetector.Detect(msg, body)

	text := b.formatter.FormatEmail(account.Email, msg, body, codes)
	keyboard := formatter.BuildAccountKeyboard(account)

	tgMsg, err := b.post(ctx, text, keyboard)
	if err != nil {
		return fmt.Errorf("failed to send to telegram: %w", err)
	}

	b.logger.Info("message sent to telegram",
		"email", account.Email,
		"message_id", msg.ID,
		"telegram_msg_id", tgMsg.ID,
		"codes_detected", len(codes),
	)
	return nil
}
