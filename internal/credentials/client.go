// Package credentials is the typed client for the authentication service.
//
// It is the only place that looks at HTTP statuses and transport errors from
// the credential store; everything it returns is an outcome.Outcome.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/sposaceee/user-microservice/internal/outcome"
)

const (
	verifyPath      = "/auth/verify"
	deletePath      = "/auth/delete-user"
	adminUpdatePath = "/auth/admin/update"
	adminDeletePath = "/auth/admin/delete-user"

	maxResponseBytes = 1 << 20
)

// Config holds everything the client needs; there is no package-level client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	ServiceName string

	// BreakerMaxFailures consecutive transport/5xx failures open the breaker.
	BreakerMaxFailures uint32
	// BreakerOpenTimeout is how long the breaker stays open before probing.
	BreakerOpenTimeout time.Duration
}

// Validate checks the client configuration
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("auth service base url is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("auth service timeout must be positive")
	}
	return nil
}

// CredentialUpdate carries the credential attributes an admin may change.
// A nil field is left untouched.
type CredentialUpdate struct {
	Email    *string `json:"email,omitempty"`
	Username *string `json:"username,omitempty"`
}

// IsEmpty reports whether there is nothing to send
func (u CredentialUpdate) IsEmpty() bool {
	return u.Email == nil && u.Username == nil
}

// Client calls the authentication service over HTTP
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient constructs a client. A nil httpClient gets one with the configured timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "user-service"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "auth-service",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// Verify resolves the bearer credential to a user id
func (c *Client) Verify(ctx context.Context, bearer string) (string, outcome.Outcome) {
	if strings.TrimSpace(bearer) == "" {
		return "", outcome.Rejected(outcome.CodeUnauthorized, "authorization header missing", 0)
	}

	resp, out := c.do(ctx, http.MethodPost, verifyPath, bearer, struct{}{})
	if !out.IsCommitted() {
		return "", out
	}

	switch {
	case resp.status == http.StatusOK:
		var body struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(resp.body, &body); err != nil || body.UserID == "" {
			return "", outcome.Rejected(outcome.CodeUnauthorized, "invalid token", resp.status)
		}
		return body.UserID, outcome.Committed()
	case resp.status >= 200 && resp.status < 300:
		return "", outcome.Rejected(outcome.CodeUnexpectedResponse,
			fmt.Sprintf("unexpected verify status %d", resp.status), resp.status)
	default:
		return "", rejection(resp)
	}
}

// DeleteCredential removes the caller's own credentials.
// Only an explicit 204 confirms the delete; a 404 means it is already gone.
func (c *Client) DeleteCredential(ctx context.Context, bearer, userID string) outcome.Outcome {
	resp, out := c.do(ctx, http.MethodDelete, deletePath, bearer, nil)
	if !out.IsCommitted() {
		return out
	}

	switch {
	case resp.status == http.StatusNoContent:
		return outcome.Committed()
	case resp.status == http.StatusNotFound:
		c.logger.Info("Credential already deleted", zap.String("user_id", userID))
		return outcome.Committed()
	case resp.status >= 200 && resp.status < 300:
		return outcome.Rejected(outcome.CodeUnexpectedResponse,
			fmt.Sprintf("auth service answered %d instead of 204: %s", resp.status, remoteMessage(resp.body)),
			resp.status)
	default:
		return rejection(resp)
	}
}

// AdminUpdateCredential changes email and/or username for another user.
// An empty update is a no-op and is not sent.
func (c *Client) AdminUpdateCredential(ctx context.Context, bearer, userID string, update CredentialUpdate) outcome.Outcome {
	if update.IsEmpty() {
		return outcome.Committed()
	}

	payload := struct {
		UserID  string           `json:"user_id"`
		Updates CredentialUpdate `json:"updates"`
	}{UserID: userID, Updates: update}

	resp, out := c.do(ctx, http.MethodPatch, adminUpdatePath, bearer, payload)
	if !out.IsCommitted() {
		return out
	}
	if resp.status >= 200 && resp.status < 300 {
		return outcome.Committed()
	}
	return rejection(resp)
}

// AdminDeleteCredential removes another user's credentials.
// A 404 means the credential is already gone and counts as committed.
func (c *Client) AdminDeleteCredential(ctx context.Context, bearer, userID string) outcome.Outcome {
	payload := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}

	resp, out := c.do(ctx, http.MethodDelete, adminDeletePath, bearer, payload)
	if !out.IsCommitted() {
		return out
	}

	switch {
	case resp.status == http.StatusOK, resp.status == http.StatusNoContent:
		return outcome.Committed()
	case resp.status == http.StatusNotFound:
		c.logger.Info("Credential already deleted", zap.String("user_id", userID))
		return outcome.Committed()
	case resp.status >= 200 && resp.status < 300:
		return outcome.Rejected(outcome.CodeUnexpectedResponse,
			fmt.Sprintf("unexpected admin delete status %d", resp.status), resp.status)
	default:
		return rejection(resp)
	}
}

type response struct {
	status int
	body   []byte
}

var errServerStatus = errors.New("auth service server error")

// do performs one request through the breaker. A Committed outcome means a
// response was received; the caller classifies its status.
func (c *Client) do(ctx context.Context, method, path, bearer string, payload interface{}) (*response, outcome.Outcome) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, outcome.Rejected(outcome.CodeInvalid, fmt.Sprintf("encode request: %v", err), 0)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, outcome.Rejected(outcome.CodeInvalid, fmt.Sprintf("build request: %v", err), 0)
	}
	req.Header.Set("Authorization", bearer)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-By", c.cfg.ServiceName)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	var resp *response
	_, err = c.breaker.Execute(func() (interface{}, error) {
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		resp = &response{status: httpResp.StatusCode, body: raw}
		if httpResp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d", errServerStatus, httpResp.StatusCode)
		}
		return nil, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("Auth service circuit open", zap.String("path", path))
			return nil, outcome.Unavailable(fmt.Errorf("auth service circuit open: %w", err))
		}
		c.logger.Warn("Auth service call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, outcome.Unavailable(err)
	}

	if isTransientStatus(resp.status) {
		return nil, outcome.Unavailable(fmt.Errorf("auth service answered %d: %s", resp.status, remoteMessage(resp.body)))
	}
	return resp, outcome.Committed()
}

func isTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// rejection maps a 4xx answer onto a rejected outcome, keeping the remote message.
func rejection(resp *response) outcome.Outcome {
	code := outcome.CodeRejected
	switch resp.status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = outcome.CodeInvalid
	case http.StatusUnauthorized:
		code = outcome.CodeUnauthorized
	case http.StatusForbidden:
		code = outcome.CodeForbidden
	case http.StatusNotFound:
		code = outcome.CodeNotFound
	case http.StatusConflict:
		code = outcome.CodeConflict
	}

	msg := remoteMessage(resp.body)
	if msg == "" {
		msg = fmt.Sprintf("auth service responded with status %d", resp.status)
	}
	return outcome.Rejected(code, msg, resp.status)
}

// remoteMessage extracts "message" or "error" from a JSON body, falling back to the raw text.
func remoteMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
