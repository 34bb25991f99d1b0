package telegram

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

const apiTimeout = 10 * time.Second

// isChatAdmin reports whether userID administers the configured chat
func (b *Bot) isChatAdmin(ctx context.Context, userID int64) (bool, error) {
	apiCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	member, err := b.bot.GetChatMember(apiCtx, &bot.GetChatMemberParams{
		ChatID: b.chatID,
		UserID: userID,
	})
	if err != nil {
		return false, err
	}
	return member.Type == models.ChatMemberTypeOwner || member.Type == models.ChatMemberTypeAdministrator, nil
}

// post sends an HTML message to the configured chat and topic
func (b *Bot) post(ctx context.Context, text string, keyboard *models.InlineKeyboardMarkup) (*models.Message, error) {
	return b.send(ctx, b.chatID, b.topicID, text, keyboard)
}

// reply answers in the chat and thread msg came from. Failures are logged.
func (b *Bot) reply(ctx context.Context, msg *models.Message, text string) {
	b.replyWithKeyboard(ctx, msg, text, nil)
}

func (b *Bot) replyWithKeyboard(ctx context.Context, msg *models.Message, text string, keyboard *models.InlineKeyboardMarkup) {
	if _, err := b.send(ctx, msg.Chat.ID, msg.MessageThreadID, text, keyboard); err != nil {
		b.logger.Error("failed to reply", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, topicID int, text string, keyboard *models.InlineKeyboardMarkup) (*models.Message, error) {
	apiCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	params := &bot.SendMessageParams{
		ChatID:          chatID,
		MessageThreadID: topicID,
		Text:            text,
		ParseMode:       models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}
	return b.bot.SendMessage(apiCtx, params)
}

// setKeyboard replaces the inline keyboard of msg
func (b *Bot) setKeyboard(ctx context.Context, msg *models.Message, keyboard *models.InlineKeyboardMarkup) error {
	_, err := b.bot.EditMessageReplyMarkup(ctx, &bot.EditMessageReplyMarkupParams{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.ID,
		ReplyMarkup: keyboard,
	})
	return err
}

// setText replaces the text and keyboard of msg
func (b *Bot) setText(ctx context.Context, msg *models.Message, text string, keyboard *models.InlineKeyboardMarkup) error {
	_, err := b.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.ID,
		Text:        text,
		ParseMode:   models.ParseModeHTML,
		ReplyMarkup: keyboard,
	})
	return err
}

// answer acknowledges a button press, optionally as an alert
func (b *Bot) answer(ctx context.Context, callbackID, text string, alert bool) {
	_, err := b.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       alert,
	})
	if err != nil {
		b.logger.Warn("failed to answer callback", "error", err)
	}
}
