package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailwatch/internal/account"
	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/formatter"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

// requireAdmin reports whether the command comes from an admin of the
// configured chat, answering the sender otherwise
func (b *Bot) requireAdmin(ctx context.Context, msg *models.Message) bool {
	if msg.Chat.ID != b.chatID {
		b.reply(ctx, msg, "Эта команда работает только в настроенном чате")
		return false
	}
	if msg.From == nil {
		return false
	}

	isAdmin, err := b.isChatAdmin(ctx, msg.From.ID)
	if err != nil {
		b.logger.Error("failed to check admin status", "error", err)
		b.reply(ctx, msg, "Ошибка проверки прав")
		return false
	}
	if !isAdmin {
		b.reply(ctx, msg, "Только администраторы могут управлять ящиками")
		return false
	}
	return true
}

// commandAccount resolves the account named in "/command email"
func (b *Bot) commandAccount(ctx context.Context, msg *models.Message) (*appmodels.MailboxAccount, bool) {
	parts := strings.Fields(msg.Text)
	if len(parts) != 2 {
		b.reply(ctx, msg,
			fmt.Sprintf("Использование: <code>%s email@example.com</code>", parts[0]))
		return nil, false
	}

	acc, err := b.accounts.Find(ctx, parts[1])
	if errors.Is(err, database.ErrNotFound) {
		b.reply(ctx, msg, "Ящик не найден")
		return nil, false
	}
	if err != nil {
		b.logger.Error("failed to get account", "error", err)
		b.reply(ctx, msg, "Ошибка получения информации о ящике")
		return nil, false
	}
	return acc, true
}

// handleConnect handles /connect: replies with the authorization link
func (b *Bot) handleConnect(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.requireAdmin(ctx, msg) {
		return
	}
	if b.connectURL == "" {
		b.reply(ctx, msg, "Подключение недоступно: не задан PUBLIC_BASE_URL")
		return
	}

	link := b.connectURL + "?user=" + url.QueryEscape(strconv.FormatInt(msg.From.ID, 10))
	b.reply(ctx, msg,
		fmt.Sprintf("Откройте ссылку и разрешите доступ к почте:\n%s\n\nПервый подключенный ящик станет основным.", link))
}

// handlePause handles /pause email
func (b *Bot) handlePause(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.requireAdmin(ctx, msg) {
		return
	}
	acc, ok := b.commandAccount(ctx, msg)
	if !ok {
		return
	}

	if err := b.accounts.Pause(ctx, acc.ID); err != nil {
		b.logger.Error("failed to pause account", "account_id", acc.ID, "error", err)
		b.reply(ctx, msg, "Ошибка приостановки ящика")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Ящик <b>%s</b> на паузе", acc.Email))
}

// handleResume handles /resume email
func (b *Bot) handleResume(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.requireAdmin(ctx, msg) {
		return
	}
	acc, ok := b.commandAccount(ctx, msg)
	if !ok {
		return
	}

	if err := b.accounts.Resume(ctx, acc.ID); err != nil {
		b.logger.Error("failed to resume account", "account_id", acc.ID, "error", err)
		b.reply(ctx, msg,
			fmt.Sprintf("Ящик <b>%s</b> активирован, но подписка не создана: %v\nПовторная попытка будет при следующей сверке.", acc.Email, err))
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Ящик <b>%s</b> снова активен", acc.Email))
}

// handleDisconnect handles /disconnect email
func (b *Bot) handleDisconnect(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.requireAdmin(ctx, msg) {
		return
	}
	acc, ok := b.commandAccount(ctx, msg)
	if !ok {
		return
	}

	err := b.accounts.Disconnect(ctx, acc.ID)
	if errors.Is(err, account.ErrPrimaryAccount) {
		b.reply(ctx, msg, "Основной ящик нельзя отключить, используйте /pause")
		return
	}
	if err != nil {
		b.logger.Error("failed to disconnect account", "account_id", acc.ID, "error", err)
		b.reply(ctx, msg, "Ошибка отключения ящика")
		return
	}

	b.logger.Info("account disconnected from chat", "email", acc.Email, "user_id", msg.From.ID)
	b.reply(ctx, msg, fmt.Sprintf("Ящик <b>%s</b> отключен", acc.Email))
}

// handleStatus handles /status
func (b *Bot) handleStatus(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message

	accounts, err := b.accounts.List(ctx)
	if err != nil {
		b.logger.Error("failed to get accounts", "error", err)
		b.reply(ctx, msg, "Ошибка получения списка ящиков")
		return
	}

	text := b.formatter.FormatStatus(accounts)
	if len(accounts) == 0 {
		b.reply(ctx, msg, text)
		return
	}
	b.replyWithKeyboard(ctx, msg, text, formatter.BuildStatusKeyboard(accounts))
}

// handleCallback handles the pause, resume and refresh buttons
func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	callback := update.CallbackQuery
	if callback == nil {
		return
	}

	data, err := formatter.DecodeCallback(callback.Data)
	if err != nil || !data.Valid() {
		b.logger.Error("failed to decode callback", "error", err, "data", callback.Data)
		b.answer(ctx, callback.ID, "Неизвестное действие", false)
		return
	}

	isAdmin, err := b.isChatAdmin(ctx, callback.From.ID)
	if err != nil || !isAdmin {
		b.answer(ctx, callback.ID, "Только для администраторов", true)
		return
	}

	var text string
	switch data.Action {
	case appmodels.CallbackPause:
		err = b.accounts.Pause(ctx, data.AccountID)
		text = "Ящик на паузе"
	case appmodels.CallbackResume:
		err = b.accounts.Resume(ctx, data.AccountID)
		text = "Ящик снова активен"
	case appmodels.CallbackRefresh:
		text = "Обновлено"
	}
	if err != nil {
		b.logger.Error("callback action failed", "action", data.Action, "account_id", data.AccountID, "error", err)
		b.answer(ctx, callback.ID, "Ошибка: "+err.Error(), true)
		return
	}

	b.answer(ctx, callback.ID, text, false)

	msg := callback.Message.Message
	if msg == nil {
		return
	}
	if isStatusList(msg) {
		b.redrawStatus(ctx, msg)
		return
	}
	b.redrawAccountButton(ctx, msg, data.AccountID)
}

// isStatusList reports whether msg was produced by /status
func isStatusList(msg *models.Message) bool {
	if msg.ReplyMarkup == nil {
		return false
	}
	rows := msg.ReplyMarkup.InlineKeyboard
	if len(rows) == 0 || len(rows[len(rows)-1]) == 0 {
		return false
	}
	data, err := formatter.DecodeCallback(rows[len(rows)-1][0].CallbackData)
	return err == nil && data.Action == appmodels.CallbackRefresh
}

// redrawStatus replaces a status list with the current one
func (b *Bot) redrawStatus(ctx context.Context, msg *models.Message) {
	accounts, err := b.accounts.List(ctx)
	if err != nil {
		b.logger.Error("failed to get accounts", "error", err)
		return
	}
	if err := b.setText(ctx, msg, b.formatter.FormatStatus(accounts), formatter.BuildStatusKeyboard(accounts)); err != nil {
		b.logger.Warn("failed to update status", "error", err)
	}
}

// redrawAccountButton flips the button under a forwarded message
func (b *Bot) redrawAccountButton(ctx context.Context, msg *models.Message, accountID string) {
	acc, err := b.accounts.Find(ctx, accountID)
	if err != nil {
		return
	}
	if err := b.setKeyboard(ctx, msg, formatter.BuildAccountKeyboard(acc)); err != nil {
		b.logger.Warn("failed to update keyboard", "error", err)
	}
}
