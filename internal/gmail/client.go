package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// NewBreaker creates the circuit breaker shared by all mailbox clients.
// Only server-side failures count towards tripping it.
func NewBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		// 4xx answers are about the request, not provider health
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "component", "gmail", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// ClientConfig configures a Client
type ClientConfig struct {
	Breaker     *gobreaker.CircuitBreaker
	CallTimeout time.Duration
	// Endpoint overrides the API base URL, used against test servers
	Endpoint   string
	HTTPClient *http.Client
}

// Client implements API on the Gmail REST API
type Client struct {
	svc         *gmailapi.Service
	cb          *gobreaker.CircuitBreaker
	callTimeout time.Duration
}

// NewClient creates a client authenticated by ts
func NewClient(ctx context.Context, ts oauth2.TokenSource, cfg ClientConfig) (*Client, error) {
	var opts []option.ClientOption
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	} else {
		opts = append(opts, option.WithTokenSource(ts))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{svc: svc, cb: cfg.Breaker, callTimeout: timeout}, nil
}

// ListHistory lists "message added" history records starting at startHistoryID
func (c *Client) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryPage, error) {
	var resp *gmailapi.ListHistoryResponse
	err := c.call(ctx, func(ctx context.Context) error {
		call := c.svc.Users.History.List(UserID).
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("list history from %d: %w: %w", startHistoryID, ErrStaleCursor, err)
		}
		return nil, wrapError(err, "list history")
	}

	page := &HistoryPage{
		NextPageToken: resp.NextPageToken,
		HistoryID:     resp.HistoryId,
	}
	seen := make(map[string]bool)
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added == nil || added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			page.MessageIDs = append(page.MessageIDs, added.Message.Id)
		}
	}
	return page, nil
}

// GetMessage fetches one message
func (c *Client) GetMessage(ctx context.Context, id string, format Format) (*Message, error) {
	var resp *gmailapi.Message
	err := c.call(ctx, func(ctx context.Context) error {
		call := c.svc.Users.Messages.Get(UserID, id).Format(string(format)).Context(ctx)
		if format == FormatMetadata {
			call = call.MetadataHeaders(MetadataHeaders...)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "get message "+id)
	}

	msg := &Message{
		ID:           resp.Id,
		ThreadID:     resp.ThreadId,
		LabelIDs:     resp.LabelIds,
		Snippet:      resp.Snippet,
		InternalDate: time.UnixMilli(resp.InternalDate),
	}
	if resp.Payload != nil {
		for _, h := range resp.Payload.Headers {
			msg.Headers = append(msg.Headers, Header{Name: h.Name, Value: h.Value})
		}
	}
	if resp.Raw != "" {
		raw, err := decodeRaw(resp.Raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode raw message %s: %w", id, err)
		}
		msg.Raw = raw
	}
	return msg, nil
}

// GetProfile reads the mailbox profile, including the latest history id
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var resp *gmailapi.Profile
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.svc.Users.GetProfile(UserID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "get profile")
	}
	return &Profile{EmailAddress: resp.EmailAddress, HistoryID: resp.HistoryId}, nil
}

// Watch registers push notifications to the request topic
func (c *Client) Watch(ctx context.Context, req WatchRequest) (*WatchResponse, error) {
	var resp *gmailapi.WatchResponse
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.svc.Users.Watch(UserID, &gmailapi.WatchRequest{
			TopicName: req.TopicName,
			LabelIds:  req.LabelIDs,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, wrapError(err, "watch")
	}
	return &WatchResponse{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// Stop stops push notifications for the mailbox
func (c *Client) Stop(ctx context.Context) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.svc.Users.Stop(UserID).Context(ctx).Do()
	})
	if err != nil {
		return wrapError(err, "stop watch")
	}
	return nil
}

// call bounds fn by the call timeout and routes it through the breaker
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if c.cb == nil {
		return fn(ctx)
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isClientError(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// wrapError classifies provider failures into the package error kinds
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
		case apiErr.Code == http.StatusForbidden && strings.Contains(msg, "allow format"):
			return fmt.Errorf("%s: %w: %w", op, ErrFormatNotAllowed, err)
		case apiErr.Code == http.StatusForbidden && strings.Contains(msg, "rate limit"):
			return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %w", op, ErrRateLimited, err)
		case apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

func decodeRaw(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
