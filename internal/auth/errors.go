package auth

import (
	"errors"
	"fmt"
)

// Feature errors returned by the coordinator. Handlers translate these to
// the HTTP taxonomy; anything not listed here is an internal error and
// surfaces as a generic 500.
var (
	// ErrInvalidPhone means the phone did not match any known pattern.
	ErrInvalidPhone = errors.New("invalid phone format")
	// ErrMalformedInput covers a bad phone or a code that is not exactly
	// six digits on the verify path.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNotFound means an unknown auth request or user id.
	ErrNotFound = errors.New("not found")
	// ErrNoActiveCode means no pending OTP exists for the phone.
	ErrNoActiveCode = errors.New("no active code")
	// ErrCodeExpired means the pending OTP outlived its 5-minute window.
	ErrCodeExpired = errors.New("code expired")
	// ErrWrongCode means the supplied code did not match the stored hash.
	ErrWrongCode = errors.New("incorrect code")
	// ErrTooManyAttempts means the OTP burned through its attempt budget.
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrRateLimited is the base of all throttle errors; match with
	// errors.Is to map any of them to 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrPhoneHourlyLimit, ErrPhoneDailyLimit and ErrIPHourlyLimit are
	// the sliding-window caps, in check order.
	ErrPhoneHourlyLimit = fmt.Errorf("%w: too many codes for this phone, retry in an hour", ErrRateLimited)
	ErrPhoneDailyLimit  = fmt.Errorf("%w: daily SMS limit reached for this phone", ErrRateLimited)
	ErrIPHourlyLimit    = fmt.Errorf("%w: too many requests from this address", ErrRateLimited)
)

// CooldownError is returned when a phone requests a new code before the
// 120-second cooldown has elapsed. It carries the remaining wait so the
// client can back off correctly.
type CooldownError struct {
	RetryAfterSeconds int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rate limited: wait %ds before requesting a new code", e.RetryAfterSeconds)
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold for cooldowns too.
func (e *CooldownError) Unwrap() error { return ErrRateLimited }
