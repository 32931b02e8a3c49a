package model

import "time"

// AuthRequestStatus is the lifecycle state of a login handshake.
// Transitions are forward-only: pending -> completed. A request that is
// never completed simply stays pending; the poller treats it as dead.
type AuthRequestStatus string

const (
	AuthRequestPending   AuthRequestStatus = "pending"
	AuthRequestCompleted AuthRequestStatus = "completed"
	AuthRequestExpired   AuthRequestStatus = "expired"
	AuthRequestFailed    AuthRequestStatus = "failed"
)

// OtpStatus is the lifecycle state of a single SMS code.
type OtpStatus string

const (
	OtpPending  OtpStatus = "pending"
	OtpVerified OtpStatus = "verified"
	OtpExpired  OtpStatus = "expired"
	OtpFailed   OtpStatus = "failed"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents an account. Identity is always phone- or
// Telegram-derived; there is no password material anywhere.
type User struct {
	ID          int64
	TelegramID  string // numeric Telegram id, or "sms:<phone>" for SMS-only identities
	FullName    string
	Username    *string
	Phone       *string
	AvatarURL   *string
	Role        string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// PublicUser is the projection returned to clients.
type PublicUser struct {
	ID         int64   `json:"id"`
	TelegramID string  `json:"telegram_id"`
	FullName   string  `json:"full_name"`
	Username   *string `json:"username"`
	Phone      *string `json:"phone"`
	AvatarURL  *string `json:"avatar_url"`
	Role       string  `json:"role"`
}

// Public returns the client-facing projection of the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:         u.ID,
		TelegramID: u.TelegramID,
		FullName:   u.FullName,
		Username:   u.Username,
		Phone:      u.Phone,
		AvatarURL:  u.AvatarURL,
		Role:       u.Role,
	}
}

// AuthRequest is the shared record coordinating one login attempt across
// the client, the API and the bot. Created by the API, mutated by the
// bot, read by the polling client.
type AuthRequest struct {
	ID             int64
	RequestUUID    string
	Status         AuthRequestStatus
	TelegramUserID *string
	UserID         *int64
	CreatedAt      time.Time
}

// OtpRequest is one issued SMS code. Only the salted hash of the code is
// stored. Old rows are never deleted; verification always selects the
// most recent pending row for a phone, so a new request supersedes
// earlier ones.
type OtpRequest struct {
	ID         int64
	Phone      string
	OtpHash    string
	Status     OtpStatus
	Attempts   int
	IPAddress  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	VerifiedAt *time.Time
}
