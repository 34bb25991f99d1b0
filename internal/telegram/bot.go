package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailwatch/internal/formatter"
	"github.com/mixelka/mailwatch/internal/parser"
	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

// Accounts is the account lifecycle driven from chat
type Accounts interface {
	List(ctx context.Context) ([]*appmodels.MailboxAccount, error)
	Find(ctx context.Context, ref string) (*appmodels.MailboxAccount, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
}

// Bot posts new messages to a chat and serves admin commands there
type Bot struct {
	bot          *bot.Bot
	chatID       int64
	topicID      int
	connectURL   string
	accounts     Accounts
	codeDetector *parser.CodeDetector
	formatter    *formatter.TelegramFormatter
	logger       *slog.Logger
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Token        string
	ChatID       int64
	TopicID      int
	ConnectURL   string // Authorization start URL handed out by /connect
	Accounts     Accounts
	CodeDetector *parser.CodeDetector
	Formatter    *formatter.TelegramFormatter
	Logger       *slog.Logger
	Options      []bot.Option
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		chatID:       deps.ChatID,
		topicID:      deps.TopicID,
		connectURL:   deps.ConnectURL,
		accounts:     deps.Accounts,
		codeDetector: deps.CodeDetector,
		formatter:    deps.Formatter,
		logger:       deps.Logger.With("component", "telegram_bot"),
	}

	opts := append([]bot.Option{bot.WithDefaultHandler(b.defaultHandler)}, deps.Options...)

	tgBot, err := bot.New(deps.Token, opts...)
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// command is a chat command and its /help line
type command struct {
	name    string
	args    string
	help    string
	handler bot.HandlerFunc
}

func (b *Bot) commands() []command {
	return []command{
		{name: "/connect", help: "получить ссылку для подключения ящика", handler: b.handleConnect},
		{name: "/status", help: "показать подключенные ящики", handler: b.handleStatus},
		{name: "/pause", args: "email", help: "приостановить пересылку", handler: b.handlePause},
		{name: "/resume", args: "email", help: "возобновить пересылку", handler: b.handleResume},
		{name: "/disconnect", args: "email", help: "отключить ящик", handler: b.handleDisconnect},
	}
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	for _, c := range b.commands() {
		b.bot.RegisterHandler(bot.HandlerTypeMessageText, c.name, bot.MatchTypePrefix, c.handler)
	}
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, b.handleCallback)
}

// Start starts the bot
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot", "chat_id", b.chatID, "topic_id", b.topicID)
	b.bot.Start(ctx)
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text)
	}
}

// handleHelp handles /start and /help
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	var sb strings.Builder
	sb.WriteString("<b>Mailwatch</b>\n\nБот пересылает новые письма из подключенных ящиков в этот чат.\n\n<b>Команды:</b>\n")
	for _, c := range b.commands() {
		sb.WriteString(c.name)
		if c.args != "" {
			sb.WriteString(" " + c.args)
		}
		sb.WriteString(" - " + c.help + "\n")
	}
	sb.WriteString("\n<b>Важно:</b>\n")
	sb.WriteString("- Управлять ящиками могут только администраторы\n")
	sb.WriteString("- Основной ящик отключить нельзя, только поставить на паузу")

	b.reply(ctx, update.Message, sb.String())
}
