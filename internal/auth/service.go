package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mybooks/server/internal/model"
	"github.com/mybooks/server/internal/phone"
	"github.com/mybooks/server/internal/repo"
	"github.com/mybooks/server/internal/sms"
)

const (
	otpExpiry   = 5 * time.Minute
	maxAttempts = 5
)

// Service is the auth coordinator: it creates and reports on handshake
// requests and drives the SMS OTP path. The Telegram side of the
// handshake lives in the bot process; the two meet only in the store.
type Service struct {
	users        repo.UserRepo
	authRequests repo.AuthRequestRepo
	otps         repo.OtpRepo
	sender       sms.Sender
	limiter      *RateLimiter
	salt         string
	now          func() time.Time
}

// NewService creates the auth coordinator.
func NewService(
	users repo.UserRepo,
	authRequests repo.AuthRequestRepo,
	otps repo.OtpRepo,
	sender sms.Sender,
	limiter *RateLimiter,
	salt string,
) *Service {
	return &Service{
		users:        users,
		authRequests: authRequests,
		otps:         otps,
		sender:       sender,
		limiter:      limiter,
		salt:         salt,
		now:          time.Now,
	}
}

// CreateAuthRequest inserts a fresh pending handshake and returns its
// public identifier for embedding in a deep link.
func (s *Service) CreateAuthRequest(ctx context.Context) (string, error) {
	requestUUID := uuid.NewString()
	if err := s.authRequests.Create(ctx, requestUUID); err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	return requestUUID, nil
}

// CheckResult is the poller-facing view of a handshake.
type CheckResult struct {
	Status model.AuthRequestStatus
	User   *model.PublicUser
}

// CheckAuthStatus reports the handshake state. Side-effect free and
// idempotent; the poller calls it once per second.
func (s *Service) CheckAuthStatus(ctx context.Context, requestUUID string) (CheckResult, error) {
	ar, user, err := s.authRequests.GetWithUser(ctx, requestUUID)
	if err != nil {
		if isNotFound(err) {
			return CheckResult{}, ErrNotFound
		}
		return CheckResult{}, fmt.Errorf("check auth status: %w", err)
	}
	if ar.Status == model.AuthRequestCompleted && user != nil {
		pub := user.Public()
		return CheckResult{Status: model.AuthRequestCompleted, User: &pub}, nil
	}
	return CheckResult{Status: ar.Status}, nil
}

// OtpIssue is the result of a successful OTP request.
type OtpIssue struct {
	RequestID         int64
	ExpiresInSeconds  int
	RetryAfterSeconds int
}

// RequestSmsOtp normalizes the phone, runs the throttle checks, sends a
// fresh code through the gateway and only then persists the hashed row.
// The user is never told a code was sent if it wasn't.
func (s *Service) RequestSmsOtp(ctx context.Context, rawPhone, ipAddress string) (OtpIssue, error) {
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return OtpIssue{}, ErrInvalidPhone
	}

	if err := s.limiter.Check(ctx, normalized, ipAddress); err != nil {
		return OtpIssue{}, err
	}

	code, err := GenerateCode()
	if err != nil {
		return OtpIssue{}, err
	}
	otpHash := HashCode(normalized, code, s.salt)

	if err := s.sender.SendCode(ctx, normalized, code); err != nil {
		return OtpIssue{}, fmt.Errorf("send code: %w", err)
	}

	expiresAt := s.now().Add(otpExpiry)
	id, err := s.otps.Create(ctx, normalized, otpHash, ipAddress, expiresAt)
	if err != nil {
		return OtpIssue{}, fmt.Errorf("persist otp: %w", err)
	}

	return OtpIssue{
		RequestID:         id,
		ExpiresInSeconds:  int(otpExpiry.Seconds()),
		RetryAfterSeconds: CooldownSeconds,
	}, nil
}

// VerifySmsOtp checks the supplied code against the phone's most recent
// pending OTP, then resolves (or creates) the user. Unlike the Telegram
// path this is synchronous: the user comes back directly, no AuthRequest
// involved.
func (s *Service) VerifySmsOtp(ctx context.Context, rawPhone, rawCode string) (model.PublicUser, error) {
	normalized := phone.Normalize(rawPhone)
	code := digitsOnly(rawCode)
	if normalized == "" || len(code) != 6 {
		return model.PublicUser{}, ErrMalformedInput
	}

	otp, err := s.otps.LatestPendingByPhone(ctx, normalized)
	if err != nil {
		if isNotFound(err) {
			return model.PublicUser{}, ErrNoActiveCode
		}
		return model.PublicUser{}, fmt.Errorf("load otp: %w", err)
	}

	if s.now().After(otp.ExpiresAt) {
		if err := s.otps.SetStatus(ctx, otp.ID, model.OtpExpired); err != nil {
			return model.PublicUser{}, fmt.Errorf("mark expired: %w", err)
		}
		return model.PublicUser{}, ErrCodeExpired
	}

	if otp.Attempts >= maxAttempts {
		if err := s.otps.SetStatus(ctx, otp.ID, model.OtpFailed); err != nil {
			return model.PublicUser{}, fmt.Errorf("mark failed: %w", err)
		}
		return model.PublicUser{}, ErrTooManyAttempts
	}

	if !constantTimeEqual(HashCode(normalized, code, s.salt), otp.OtpHash) {
		if err := s.otps.IncrementAttempts(ctx, otp.ID); err != nil {
			return model.PublicUser{}, fmt.Errorf("record attempt: %w", err)
		}
		return model.PublicUser{}, ErrWrongCode
	}

	if err := s.otps.MarkVerified(ctx, otp.ID); err != nil {
		return model.PublicUser{}, fmt.Errorf("mark verified: %w", err)
	}

	user, err := s.resolveSmsUser(ctx, normalized)
	if err != nil {
		return model.PublicUser{}, err
	}
	return user.Public(), nil
}

// resolveSmsUser matches by phone first, then by the synthetic
// "sms:<phone>" telegram_id, creating a fresh identity when neither
// matches. Phone and last_login_at are refreshed on every login.
func (s *Service) resolveSmsUser(ctx context.Context, normalized string) (model.User, error) {
	user, err := s.users.GetByPhone(ctx, normalized)
	if err != nil {
		if !isNotFound(err) {
			return model.User{}, fmt.Errorf("lookup by phone: %w", err)
		}
		smsID := "sms:" + normalized
		user, err = s.users.GetByTelegramID(ctx, smsID)
		if err != nil {
			if !isNotFound(err) {
				return model.User{}, fmt.Errorf("lookup by telegram id: %w", err)
			}
			created, err := s.users.CreateSmsUser(ctx, smsID, "SMS user "+normalized, normalized)
			if err != nil {
				return model.User{}, fmt.Errorf("create sms user: %w", err)
			}
			return created, nil
		}
	}

	updated, err := s.users.SetPhoneAndTouchLogin(ctx, user.ID, normalized)
	if err != nil {
		return model.User{}, fmt.Errorf("refresh login: %w", err)
	}
	return updated, nil
}

// GetUser returns the public projection for the session-restore path.
func (s *Service) GetUser(ctx context.Context, id int64) (model.PublicUser, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return model.PublicUser{}, ErrNotFound
		}
		return model.PublicUser{}, fmt.Errorf("get user: %w", err)
	}
	return user.Public(), nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
