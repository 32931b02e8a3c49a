package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mybooks/server/internal/phone"
)

// DefaultEskizBaseURL is the production gateway endpoint.
const DefaultEskizBaseURL = "https://notify.eskiz.uz"

const (
	// tokenLifetime is how long an issued bearer token is trusted.
	tokenLifetime = 30 * time.Minute
	// refreshMargin makes the cache expire ahead of the real token so a
	// token the gateway might already reject is never used.
	refreshMargin = 5 * time.Minute
)

// TokenCache holds the gateway bearer token. The mutex only guards field
// access; it is never held across a gateway call, so two concurrent
// callers may both refresh. The duplicate login is harmless, last write
// wins.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func (c *TokenCache) get(now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || now.After(c.expiresAt.Add(-refreshMargin)) {
		return "", false
	}
	return c.token, true
}

func (c *TokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = expiresAt
}

// EskizConfig holds the gateway credentials and options.
type EskizConfig struct {
	BaseURL     string // defaults to DefaultEskizBaseURL
	Email       string
	Password    string
	From        string // sender id, defaults to "4546"
	CallbackURL string
}

// Eskiz sends codes through the Eskiz.uz SMS gateway.
type Eskiz struct {
	cfg    EskizConfig
	client *http.Client
	cache  *TokenCache
	now    func() time.Time
}

// NewEskiz validates credentials and builds the client. Missing
// credentials are a configuration error and fail fast here rather than
// on the first send.
func NewEskiz(cfg EskizConfig) (*Eskiz, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("eskiz credentials are not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEskizBaseURL
	}
	if cfg.From == "" {
		cfg.From = "4546"
	}
	return &Eskiz{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  &TokenCache{},
		now:    time.Now,
	}, nil
}

// SendCode delivers the confirmation code. Any non-2xx response or a
// gateway status outside {waiting, success} is a hard failure; nothing
// is retried here.
func (e *Eskiz) SendCode(ctx context.Context, phoneNumber, code string) error {
	token, err := e.getToken(ctx)
	if err != nil {
		return err
	}

	message := fmt.Sprintf("Book ilovasi uchun tasdiqlash kodi: %s. Kod 5 daqiqa amal qiladi.", code)
	form := url.Values{
		"mobile_phone": {phone.Digits(phoneNumber)},
		"message":      {message},
		"from":         {e.cfg.From},
		"callback_url": {e.cfg.CallbackURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/api/message/sms/send", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sms send failed: status %d: %s", resp.StatusCode, string(body))
	}

	var sendResp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if sendResp.Status != "waiting" && sendResp.Status != "success" {
		return fmt.Errorf("sms rejected by gateway: status %q", sendResp.Status)
	}
	return nil
}

// getToken returns a cached bearer token, logging in again when the
// cached one is within the refresh margin of expiry.
func (e *Eskiz) getToken(ctx context.Context) (string, error) {
	now := e.now()
	if token, ok := e.cache.get(now); ok {
		return token, nil
	}

	form := url.Values{
		"email":    {e.cfg.Email},
		"password": {e.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/api/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gateway auth failed: status %d: %s", resp.StatusCode, string(body))
	}

	var loginResp struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if loginResp.Data.Token == "" {
		return "", fmt.Errorf("gateway token missing in login response")
	}

	e.cache.set(loginResp.Data.Token, now.Add(tokenLifetime))
	return loginResp.Data.Token, nil
}
