package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/config"
)

const (
	defaultTelegramAPI     = "https://api.telegram.org"
	defaultTelegramTimeout = 10 * time.Second

	// Bot API allows about 30 messages per second across all chats.
	telegramRate  = 30
	telegramBurst = 30

	maxResponseBytes = 64 << 10
)

// APIError is a non-ok Bot API response.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Unwrap maps API failures onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Code == http.StatusForbidden,
		e.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Description), "chat not found"):
		return ErrRecipientUnavailable
	}
	return nil
}

// TelegramNotifier sends messages through the Telegram Bot API sendMessage
// method. The external ID is used as chat_id.
type TelegramNotifier struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   Logger
}

// NewTelegramNotifier validates cfg and creates the notifier.
func NewTelegramNotifier(cfg config.TelegramConfig, logger Logger) (*TelegramNotifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("%w: telegram bot token is required", ErrNotConfigured)
	}
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	timeout := defaultTelegramTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &TelegramNotifier{
		endpoint: base + "/bot" + cfg.BotToken + "/sendMessage",
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(telegramRate), telegramBurst),
		logger:   logger,
	}, nil
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send delivers text to the chat identified by externalID.
func (n *TelegramNotifier) Send(ctx context.Context, externalID, text string) error {
	if externalID == "" {
		return fmt.Errorf("%w: empty chat id", ErrRecipientUnavailable)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: waiting for rate limiter: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: externalID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// The URL carries the bot token; report only the cause.
		return fmt.Errorf("telegram: sending message: %w", unwrapURLError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("telegram: reading response: %w", err)
	}

	var out botResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("telegram: decoding response (status %d): %w", resp.StatusCode, err)
	}
	if !out.OK || resp.StatusCode != http.StatusOK {
		code := out.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		apiErr := &APIError{Code: code, Description: out.Description, RetryAfter: out.Parameters.RetryAfter}
		if n.logger != nil {
			n.logger.Warn("telegram delivery rejected", "chat_id", externalID, "code", code, "description", out.Description)
		}
		return apiErr
	}
	return nil
}

// unwrapURLError drops the request URL from transport errors.
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}
