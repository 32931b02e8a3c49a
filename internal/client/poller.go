// Package client implements the app-side half of the login handshake:
// creating an auth request, handing the user a deep link, and polling
// the API until the handshake completes or the window closes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mybooks/server/internal/model"
)

const (
	defaultInterval    = time.Second
	defaultMaxAttempts = 60
)

// ErrTimeout is returned when the handshake does not complete within the
// polling window. The server-side request is simply abandoned; it stays
// pending and is harmless.
var ErrTimeout = errors.New("login not completed in time")

var errStillPending = errors.New("auth request still pending")

// Poller drives the passwordless login flow against the API.
type Poller struct {
	baseURL     string
	botUsername string
	httpClient  *http.Client
	interval    time.Duration
	maxAttempts uint64
}

// Option customizes a Poller.
type Option func(*Poller)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) { p.httpClient = c }
}

// WithPolling overrides the poll interval and attempt budget.
func WithPolling(interval time.Duration, maxAttempts uint64) Option {
	return func(p *Poller) {
		p.interval = interval
		p.maxAttempts = maxAttempts
	}
}

// New creates a poller for the API at baseURL. The bot username is only
// used to build deep links.
func New(baseURL, botUsername string, opts ...Option) *Poller {
	p := &Poller{
		baseURL:     baseURL,
		botUsername: botUsername,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		interval:    defaultInterval,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateAuthRequest asks the API for a fresh handshake identifier.
func (p *Poller) CreateAuthRequest(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/create-auth-request", nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create auth request: status %d", resp.StatusCode)
	}
	var body struct {
		RequestUUID string `json:"request_uuid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if body.RequestUUID == "" {
		return "", fmt.Errorf("empty request_uuid in response")
	}
	return body.RequestUUID, nil
}

// DeepLink builds the t.me link that opens the bot with the request
// identifier as the start payload.
func (p *Poller) DeepLink(requestUUID string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", p.botUsername, requestUUID)
}

// WaitForCompletion polls the status endpoint once per interval until the
// request completes, the attempt budget runs out (ErrTimeout), or the
// context is cancelled. Cancellation abandons the request silently.
func (p *Poller) WaitForCompletion(ctx context.Context, requestUUID string) (*model.PublicUser, error) {
	var user *model.PublicUser

	backoff := retry.WithMaxRetries(p.maxAttempts-1, retry.NewConstant(p.interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, err := p.checkOnce(ctx, requestUUID)
		if err != nil {
			return err
		}
		if u == nil {
			return retry.RetryableError(errStillPending)
		}
		user = u
		return nil
	})
	if err != nil {
		if errors.Is(err, errStillPending) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return user, nil
}

// checkOnce performs a single status check. A pending status returns
// (nil, nil); transient transport errors are reported for retry.
func (p *Poller) checkOnce(ctx context.Context, requestUUID string) (*model.PublicUser, error) {
	u := fmt.Sprintf("%s/api/check-auth?request_uuid=%s", p.baseURL, url.QueryEscape(requestUUID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Transport hiccups should not abort the whole window.
		return nil, retry.RetryableError(fmt.Errorf("check auth: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("auth request not found")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.RetryableError(fmt.Errorf("check auth: status %d", resp.StatusCode))
	}

	var body struct {
		Status string            `json:"status"`
		User   *model.PublicUser `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, retry.RetryableError(fmt.Errorf("decode response: %w", err))
	}
	if body.Status == "completed" && body.User != nil {
		return body.User, nil
	}
	return nil, nil
}

// OtpIssueResponse mirrors the request-otp endpoint body.
type OtpIssueResponse struct {
	OK                bool  `json:"ok"`
	RequestID         int64 `json:"request_id"`
	ExpiresInSeconds  int   `json:"expires_in_seconds"`
	RetryAfterSeconds int   `json:"retry_after_seconds"`
}

// RequestOtp starts the SMS login path for a phone.
func (p *Poller) RequestOtp(ctx context.Context, phoneNumber string) (OtpIssueResponse, error) {
	var out OtpIssueResponse
	if err := p.postJSON(ctx, "/api/auth/sms/request-otp",
		map[string]string{"phone": phoneNumber}, &out); err != nil {
		return OtpIssueResponse{}, err
	}
	return out, nil
}

// VerifyOtp completes the SMS login path, returning the logged-in user.
func (p *Poller) VerifyOtp(ctx context.Context, phoneNumber, code string) (*model.PublicUser, error) {
	var out struct {
		Status string            `json:"status"`
		User   *model.PublicUser `json:"user"`
	}
	if err := p.postJSON(ctx, "/api/auth/sms/verify-otp",
		map[string]string{"phone": phoneNumber, "code": code}, &out); err != nil {
		return nil, err
	}
	if out.Status != "completed" || out.User == nil {
		return nil, fmt.Errorf("unexpected verify response status %q", out.Status)
	}
	return out.User, nil
}

func (p *Poller) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error             string `json:"error"`
			RetryAfterSeconds int    `json:"retry_after_seconds"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("%s (status %d)", errBody.Error, resp.StatusCode)
		}
		return fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
