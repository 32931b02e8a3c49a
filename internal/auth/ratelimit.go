package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/mybooks/server/internal/repo"
)

// Throttle thresholds for OTP issuance. All windows slide against the
// current wall clock, not calendar buckets.
const (
	CooldownSeconds = 120
	MaxPerPhoneHour = 5
	MaxPerPhoneDay  = 12
	MaxPerIPHour    = 20
)

// RateLimiter runs the four OTP throttle checks as COUNT queries over the
// stored request history. It keeps no state of its own, so the API and
// bot processes need no coordination beyond the shared table.
type RateLimiter struct {
	otps repo.OtpRepo
	now  func() time.Time
}

// NewRateLimiter creates a rate limiter over the OTP history.
func NewRateLimiter(otps repo.OtpRepo) *RateLimiter {
	return &RateLimiter{otps: otps, now: time.Now}
}

// Check runs the throttle checks in documented precedence: cooldown,
// phone/hour, phone/day, IP/hour. The first triggered limit is the error
// returned, which keeps behavior deterministic.
func (l *RateLimiter) Check(ctx context.Context, phone, ipAddress string) error {
	now := l.now()

	lastAt, exists, err := l.otps.LastCreatedAt(ctx, phone)
	if err != nil {
		return fmt.Errorf("cooldown check: %w", err)
	}
	if exists {
		elapsed := int(now.Sub(lastAt).Seconds())
		if elapsed < CooldownSeconds {
			return &CooldownError{RetryAfterSeconds: CooldownSeconds - elapsed}
		}
	}

	phoneHour, err := l.otps.CountByPhoneSince(ctx, phone, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("phone hourly check: %w", err)
	}
	if phoneHour >= MaxPerPhoneHour {
		return ErrPhoneHourlyLimit
	}

	phoneDay, err := l.otps.CountByPhoneSince(ctx, phone, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("phone daily check: %w", err)
	}
	if phoneDay >= MaxPerPhoneDay {
		return ErrPhoneDailyLimit
	}

	ipHour, err := l.otps.CountByIPSince(ctx, ipAddress, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("ip hourly check: %w", err)
	}
	if ipHour >= MaxPerIPHour {
		return ErrIPHourlyLimit
	}

	return nil
}
