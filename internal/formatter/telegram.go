// Package formatter renders messages and account state for Telegram.
package formatter

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mixelka/mailwatch/pkg/models"
)

// TelegramFormatter formats messages for Telegram HTML parse mode
type TelegramFormatter struct {
	maxLength int
	location  *time.Location
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter(location *time.Location) *TelegramFormatter {
	if location == nil {
		location = time.UTC
	}
	return &TelegramFormatter{
		maxLength: 4000, // Telegram caps messages at 4096
		location:  location,
	}
}

// FormatEmail formats a new message of a mailbox
func (f *TelegramFormatter) FormatEmail(mailbox string, msg models.Message, body string, codes []models.DetectedCode) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "<b>Ящик:</b> %s\n", html.EscapeString(mailbox))
	fmt.Fprintf(&sb, "<b>От:</b> %s\n", formatAddress(msg.From))
	fmt.Fprintf(&sb, "<b>Тема:</b> %s\n", html.EscapeString(msg.Subject))
	if !msg.Date.IsZero() {
		fmt.Fprintf(&sb, "<b>Дата:</b> %s\n", msg.Date.In(f.location).Format("02.01.2006 15:04"))
	}
	sb.WriteString("\n")

	if len(codes) > 0 {
		sb.WriteString("<b>Коды:</b> ")
		for _, code := range codes {
			fmt.Fprintf(&sb, "<code>%s</code> ", html.EscapeString(code.Value))
		}
		sb.WriteString("\n\n")
	}

	if msg.MetadataOnly {
		sb.WriteString("<i>Текст письма недоступен, показан фрагмент</i>\n")
	}
	body = truncate(body, f.maxLength-sb.Len()-60)
	sb.WriteString(html.EscapeString(body))

	return sb.String()
}

// FormatStatus lists accounts with their state
func (f *TelegramFormatter) FormatStatus(accounts []*models.MailboxAccount) string {
	if len(accounts) == 0 {
		return "Нет подключенных ящиков.\nИспользуйте /connect для подключения."
	}

	var sb strings.Builder
	sb.WriteString("<b>Подключенные ящики:</b>\n\n")
	for _, a := range accounts {
		status := "активен"
		if a.Status() == models.StatusPaused {
			status = "на паузе"
		}
		fmt.Fprintf(&sb, "<b>%s</b> (%s)", html.EscapeString(a.Email), status)
		if a.IsPrimary {
			sb.WriteString(" основной")
		}
		sb.WriteString("\n")
		if a.LastSyncAt != nil {
			fmt.Fprintf(&sb, "  синхронизация: %s\n", a.LastSyncAt.In(f.location).Format("02.01.2006 15:04"))
		}
	}
	return sb.String()
}

func formatAddress(a models.Address) string {
	if a.Name == "" {
		return html.EscapeString(a.Address)
	}
	return fmt.Sprintf("%s &lt;%s&gt;", html.EscapeString(a.Name), html.EscapeString(a.Address))
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "\n\n... (сообщение обрезано)"
}
