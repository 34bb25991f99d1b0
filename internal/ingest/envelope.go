// Package ingest turns provider push notifications into dispatched messages.
package ingest

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mixelka/mailwatch/internal/cursor"
)

// FormatError reports a push that can never be processed
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed notification: %s: %v", e.Reason, e.Err)
	}
	return "malformed notification: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// PushRequest is the push subscription delivery body
type PushRequest struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		MessageID2  string `json:"message_id"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// Envelope is a decoded mailbox change notification
type Envelope struct {
	DeliveryID   string
	EmailAddress string
	HistoryID    string
}

// payload is the JSON carried in the push data
type payload struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    historyID `json:"historyId"`
}

// historyID accepts the cursor as a JSON string or number
type historyID string

func (h *historyID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s = v
	}
	*h = historyID(s)
	return nil
}

// Decode parses a push delivery body into an envelope
func Decode(body []byte) (*Envelope, error) {
	var push PushRequest
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, &FormatError{Reason: "invalid push body", Err: err}
	}

	deliveryID := push.Message.MessageID
	if deliveryID == "" {
		deliveryID = push.Message.MessageID2
	}
	if deliveryID == "" {
		return nil, &FormatError{Reason: "missing delivery id"}
	}

	data, err := decodeData(push.Message.Data)
	if err != nil {
		return nil, &FormatError{Reason: "invalid base64 data", Err: err}
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &FormatError{Reason: "invalid payload", Err: err}
	}
	if p.EmailAddress == "" {
		return nil, &FormatError{Reason: "missing emailAddress"}
	}
	h, err := cursor.Parse(string(p.HistoryID))
	if err != nil {
		return nil, &FormatError{Reason: "invalid historyId", Err: err}
	}

	return &Envelope{
		DeliveryID:   deliveryID,
		EmailAddress: strings.ToLower(strings.TrimSpace(p.EmailAddress)),
		HistoryID:    h.String(),
	}, nil
}

func decodeData(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty data")
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
