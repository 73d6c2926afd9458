package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/noahxzhu/mission-notify/internal/errs"
	"github.com/noahxzhu/mission-notify/internal/metrics"
	"github.com/noahxzhu/mission-notify/internal/model"
)

// TokenSource yields a bearer token for the push gateway.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Client struct {
	Endpoint   string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func NewClient(endpoint string, tokens TokenSource, logger *slog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		Endpoint:   endpoint,
		Tokens:     tokens,
		HTTPClient: http.DefaultClient,
		Logger:     logger.With("component", "fcm"),
		Metrics:    m,
	}
}

// SendMessage posts msg to the gateway. The gateway's status code is not
// inspected: whatever body it answers with is logged.
func (c *Client) SendMessage(ctx context.Context, msg model.NotificationMessage) error {
	accessToken, err := c.Tokens.AccessToken(ctx)
	if err != nil {
		var authErr *errs.AuthError
		if !errors.As(err, &authErr) {
			err = &errs.AuthError{Err: err}
		}
		return err
	}

	payload, err := json.Marshal(model.NewEnvelope(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &errs.TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	c.Logger.Info("Message sent to push gateway for delivery", "status", resp.StatusCode, "response", string(body))
	return nil
}

// Dispatch is the best-effort form of SendMessage: failures are logged and
// counted, never returned.
func (c *Client) Dispatch(ctx context.Context, msg model.NotificationMessage) {
	err := c.SendMessage(ctx, msg)
	if err == nil {
		c.Metrics.Dispatches.WithLabelValues(metrics.ResultSent).Inc()
		return
	}

	var authErr *errs.AuthError
	if errors.As(err, &authErr) {
		c.Metrics.Dispatches.WithLabelValues(metrics.ResultAuthError).Inc()
		c.Logger.Error("Unable to obtain access token", "error", err)
		return
	}
	c.Metrics.Dispatches.WithLabelValues(metrics.ResultTransportError).Inc()
	c.Logger.Error("Unable to send message to push gateway", "error", err)
}
