// Package history enumerates messages added to a mailbox since a cursor.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mixelka/mailwatch/internal/cursor"
	"github.com/mixelka/mailwatch/internal/gmail"
	"github.com/mixelka/mailwatch/pkg/models"
)

// ErrStaleCursor is returned when the provider can no longer resolve the
// starting cursor. The gap cannot be enumerated.
var ErrStaleCursor = errors.New("history cursor is stale")

// Engine fetches incremental history
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a history engine
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger.With("component", "history")}
}

// Fetch lists every message added after fromCursor and fetches its details.
// When at least one message was found, newCursor is the mailbox's current
// history id; otherwise it is empty and the caller picks the cursor to store.
// Failures fetching a single message are logged and the message skipped.
func (e *Engine) Fetch(ctx context.Context, api gmail.API, fromCursor string) ([]models.Message, string, error) {
	from, err := cursor.Parse(fromCursor)
	if err != nil {
		return nil, "", fmt.Errorf("invalid start cursor %q: %w", fromCursor, err)
	}
	start, err := from.Uint64()
	if err != nil {
		return nil, "", fmt.Errorf("invalid start cursor %q: %w", fromCursor, err)
	}

	ids, err := e.listAdded(ctx, api, start)
	if err != nil {
		return nil, "", err
	}
	if len(ids) == 0 {
		return nil, "", nil
	}

	messages := make([]models.Message, 0, len(ids))
	format := gmail.FormatRaw
	for _, id := range ids {
		msg, used, err := e.fetchMessage(ctx, api, id, format)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", fmt.Errorf("fetch cancelled: %w", ctx.Err())
			}
			e.logger.Error("failed to fetch message", "message_id", id, "error", err)
			continue
		}
		// Once the scope turns out to be metadata-only, stay there.
		format = used
		messages = append(messages, *msg)
	}
	if len(messages) == 0 {
		return nil, "", nil
	}

	profile, err := api.GetProfile(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read current cursor: %w", err)
	}

	e.logger.Debug("fetched history",
		"from", fromCursor,
		"listed", len(ids),
		"fetched", len(messages),
		"history_id", profile.HistoryID,
	)
	return messages, strconv.FormatUint(profile.HistoryID, 10), nil
}

// listAdded follows page tokens and returns added message ids in order,
// without duplicates
func (e *Engine) listAdded(ctx context.Context, api gmail.API, start uint64) ([]string, error) {
	var (
		ids   []string
		seen  = make(map[string]struct{})
		token string
	)
	for {
		page, err := api.ListHistory(ctx, start, token)
		if errors.Is(err, gmail.ErrStaleCursor) {
			return nil, fmt.Errorf("%w: %w", ErrStaleCursor, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		for _, id := range page.MessageIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}

		if page.NextPageToken == "" {
			return ids, nil
		}
		token = page.NextPageToken
	}
}

// fetchMessage fetches one message in the given format, degrading from raw
// to metadata when the granted scope does not allow bodies. It returns the
// format that succeeded.
func (e *Engine) fetchMessage(ctx context.Context, api gmail.API, id string, format gmail.Format) (*models.Message, gmail.Format, error) {
	raw, err := api.GetMessage(ctx, id, format)
	if format == gmail.FormatRaw && errors.Is(err, gmail.ErrFormatNotAllowed) {
		e.logger.Warn("full message format not allowed, falling back to metadata", "message_id", id)
		format = gmail.FormatMetadata
		raw, err = api.GetMessage(ctx, id, format)
	}
	if err != nil {
		return nil, format, err
	}

	var msg *models.Message
	if format == gmail.FormatRaw {
		msg, err = parseRaw(raw)
	} else {
		msg, err = parseMetadata(raw)
	}
	if err != nil {
		return nil, format, fmt.Errorf("failed to parse message %s: %w", id, err)
	}
	return msg, format, nil
}
