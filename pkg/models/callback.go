package models

// CallbackAction is the one-letter action code of an inline button.
// Telegram caps callback data at 64 bytes, so codes and keys stay short.
type CallbackAction string

const (
	CallbackPause   CallbackAction = "p"
	CallbackResume  CallbackAction = "r"
	CallbackRefresh CallbackAction = "s" // redraw the status list
)

// CallbackData is the payload of a mailbox button
type CallbackData struct {
	Action    CallbackAction `json:"a"`
	AccountID string         `json:"i,omitempty"`
}

// Valid reports whether the action is known and names an account when it needs one
func (c CallbackData) Valid() bool {
	switch c.Action {
	case CallbackPause, CallbackResume:
		return c.AccountID != ""
	case CallbackRefresh:
		return true
	default:
		return false
	}
}
