package history

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/pkg/models"
)

// parseRaw builds a message from its RFC 5322 source
func parseRaw(src *gmail.Message) (*models.Message, error) {
	msg := baseMessage(src)

	mr, err := mail.CreateReader(bytes.NewReader(src.Raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	readEnvelope(msg, &mr.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what was read so far
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}

			if strings.HasPrefix(ct, "text/html") && msg.BodyHTML == "" {
				msg.BodyHTML = string(body)
			} else if strings.HasPrefix(ct, "text/plain") && msg.BodyText == "" {
				msg.BodyText = string(body)
			}
		}
	}

	return msg, nil
}

// parseMetadata builds a header-only message
func parseMetadata(src *gmail.Message) (*models.Message, error) {
	msg := baseMessage(src)
	msg.MetadataOnly = true

	var h mail.Header
	for _, header := range src.Headers {
		h.Add(header.Name, header.Value)
	}
	readEnvelope(msg, &h)
	return msg, nil
}

func baseMessage(src *gmail.Message) *models.Message {
	return &models.Message{
		ID:       src.ID,
		ThreadID: src.ThreadID,
		LabelIDs: src.LabelIDs,
		Snippet:  src.Snippet,
		Date:     src.InternalDate,
	}
}

// readEnvelope copies addressing headers. Malformed headers leave fields empty.
func readEnvelope(msg *models.Message, h *mail.Header) {
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = models.Address{Name: from[0].Name, Address: from[0].Address}
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
}

func addresses(h *mail.Header, key string) []models.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]models.Address, 0, len(list))
	for _, a := range list {
		out = append(out, models.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
