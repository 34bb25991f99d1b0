// Package webhook is the inbound HTTP surface: push deliveries, the OAuth
// authorization flow and health checks.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/mixelka/mailwatch/internal/ingest"
	"github.com/mixelka/mailwatch/pkg/models"
)

// Ingestor processes push deliveries
type Ingestor interface {
	Handle(ctx context.Context, body []byte) (*ingest.Result, error)
}

// Authorizer runs the OAuth code flow
type Authorizer interface {
	AuthCodeURL(state string) (string, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Connector stores a newly authorized mailbox
type Connector interface {
	Connect(ctx context.Context, userID string, tok *oauth2.Token) (*models.MailboxAccount, error)
}

// ErrorResponse is the JSON error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// Config holds Server dependencies
type Config struct {
	Ingestor     Ingestor
	Authorizer   Authorizer
	Connector    Connector
	WebhookToken string // Expected ?token= on push deliveries, if set
	StateTTL     time.Duration
	Logger       *slog.Logger
}

// Server is the HTTP server
type Server struct {
	app          *fiber.App
	ingestor     Ingestor
	authorizer   Authorizer
	connector    Connector
	webhookToken string
	states       *stateStore
	logger       *slog.Logger
}

// New creates the server and registers its routes
func New(cfg Config) *Server {
	ttl := cfg.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	s := &Server{
		ingestor:     cfg.Ingestor,
		authorizer:   cfg.Authorizer,
		connector:    cfg.Connector,
		webhookToken: cfg.WebhookToken,
		states:       newStateStore(ttl),
		logger:       cfg.Logger.With("component", "http"),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "mailwatch",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	s.app.Post("/webhook/gmail", s.handlePush)

	oauth := s.app.Group("/oauth")
	oauth.Get("/start", s.handleOAuthStart)
	oauth.Get("/callback", s.handleOAuthCallback)

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves HTTP until Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// handlePush acknowledges a delivery with 2xx when it was processed or must
// be dropped, and answers 500 when a redelivery should retry it
func (s *Server) handlePush(c *fiber.Ctx) error {
	if s.webhookToken != "" && subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(s.webhookToken)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "invalid token"})
	}

	res, err := s.ingestor.Handle(c.UserContext(), c.Body())
	if err != nil {
		if ingest.IsDrop(err) {
			return c.JSON(fiber.Map{"status": ingest.OutcomeDropped})
		}
		s.logger.Error("failed to process notification", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "processing failed"})
	}

	return c.JSON(fiber.Map{
		"status":     res.Outcome,
		"dispatched": res.Dispatched,
	})
}

func (s *Server) handleOAuthStart(c *fiber.Ctx) error {
	// the state outlives this request, so detach from fiber's reused buffer
	userID := utils.CopyString(c.Query("user"))
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "user is required"})
	}

	state := s.states.issue(userID)
	url, err := s.authorizer.AuthCodeURL(state)
	if err != nil {
		s.logger.Error("authorization unavailable", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "authorization is not configured"})
	}
	return c.Redirect(url, fiber.StatusFound)
}

func (s *Server) handleOAuthCallback(c *fiber.Ctx) error {
	if reason := c.Query("error"); reason != "" {
		return c.Status(fiber.StatusBadRequest).SendString("Доступ не предоставлен: " + reason)
	}

	userID, ok := s.states.consume(c.Query("state"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).SendString("Ссылка устарела, запросите новую командой /connect")
	}

	tok, err := s.authorizer.Exchange(c.UserContext(), c.Query("code"))
	if err != nil {
		s.logger.Error("failed to exchange authorization code", "user_id", userID, "error", err)
		return c.Status(fiber.StatusBadGateway).SendString("Не удалось получить доступ к почте")
	}

	account, err := s.connector.Connect(c.UserContext(), userID, tok)
	if account == nil {
		s.logger.Error("failed to connect account", "user_id", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).SendString("Не удалось подключить ящик")
	}
	if err != nil {
		return c.SendString("Ящик " + account.Email + " подключен, подписка на уведомления будет создана при следующей сверке")
	}
	return c.SendString("Ящик " + account.Email + " подключен")
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}

	s.logger.Debug("http request",
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"duration", time.Since(start),
	)
	return err
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}
