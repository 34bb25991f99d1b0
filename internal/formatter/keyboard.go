package formatter

import (
	"github.com/go-telegram/bot/models"
	"github.com/goccy/go-json"

	appmodels "github.com/mixelka/mailwatch/pkg/models"
)

// BuildAccountKeyboard creates the pause or resume button for an account
func BuildAccountKeyboard(account *appmodels.MailboxAccount) *models.InlineKeyboardMarkup {
	button := models.InlineKeyboardButton{
		Text: "Пауза",
		CallbackData: EncodeCallback(appmodels.CallbackData{
			Action:    appmodels.CallbackPause,
			AccountID: account.ID,
		}),
	}
	if !account.IsActive {
		button = models.InlineKeyboardButton{
			Text: "Возобновить",
			CallbackData: EncodeCallback(appmodels.CallbackData{
				Action:    appmodels.CallbackResume,
				AccountID: account.ID,
			}),
		}
	}

	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{button}},
	}
}

// BuildStatusKeyboard creates one row per account and a refresh row
func BuildStatusKeyboard(accounts []*appmodels.MailboxAccount) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, len(accounts)+1)
	for _, a := range accounts {
		button := BuildAccountKeyboard(a).InlineKeyboard[0][0]
		button.Text += ": " + a.Email
		rows = append(rows, []models.InlineKeyboardButton{button})
	}
	rows = append(rows, []models.InlineKeyboardButton{{
		Text:         "Обновить",
		CallbackData: EncodeCallback(appmodels.CallbackData{Action: appmodels.CallbackRefresh}),
	}})
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// EncodeCallback encodes callback data to string. Telegram limits it to 64 bytes.
func EncodeCallback(data appmodels.CallbackData) string {
	b, _ := json.Marshal(data)
	return string(b)
}

// DecodeCallback decodes callback data from string
func DecodeCallback(data string) (appmodels.CallbackData, error) {
	var cb appmodels.CallbackData
	err := json.Unmarshal([]byte(data), &cb)
	return cb, err
}
