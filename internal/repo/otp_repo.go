package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mybooks/server/internal/model"
)

// OtpRepo defines the interface for OTP request repository operations.
// Rate-limit counters are COUNT queries over the immutable history, not
// maintained counters; rows are appended and status-flipped, never
// deleted here.
type OtpRepo interface {
	Create(ctx context.Context, phone, otpHash, ipAddress string, expiresAt time.Time) (int64, error)
	LatestPendingByPhone(ctx context.Context, phone string) (model.OtpRequest, error)
	LastCreatedAt(ctx context.Context, phone string) (time.Time, bool, error)
	CountByPhoneSince(ctx context.Context, phone string, since time.Time) (int, error)
	CountByIPSince(ctx context.Context, ipAddress string, since time.Time) (int, error)
	SetStatus(ctx context.Context, id int64, status model.OtpStatus) error
	MarkVerified(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a new OtpRepo instance
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

// Create inserts a pending OTP row and returns its id.
func (r *otpRepo) Create(ctx context.Context, phone, otpHash, ipAddress string, expiresAt time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO sms_otp_requests (phone, otp_hash, status, attempts, ip_address, expires_at)
		VALUES ($1, $2, 'pending', 0, $3, $4)
		RETURNING id
	`, phone, otpHash, ipAddress, expiresAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert otp request: %w", err)
	}
	return id, nil
}

// LatestPendingByPhone returns the most recently created pending row for
// the phone. Older pending rows are implicitly superseded.
func (r *otpRepo) LatestPendingByPhone(ctx context.Context, phone string) (model.OtpRequest, error) {
	var o model.OtpRequest
	err := r.db.QueryRowContext(ctx, `
		SELECT id, phone, otp_hash, status, attempts, ip_address, expires_at, created_at, verified_at
		FROM sms_otp_requests
		WHERE phone = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1
	`, phone).Scan(
		&o.ID,
		&o.Phone,
		&o.OtpHash,
		&o.Status,
		&o.Attempts,
		&o.IPAddress,
		&o.ExpiresAt,
		&o.CreatedAt,
		&o.VerifiedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.OtpRequest{}, fmt.Errorf("no pending otp: %w", err)
		}
		return model.OtpRequest{}, fmt.Errorf("query otp request: %w", err)
	}
	return o, nil
}

// LastCreatedAt returns the creation time of the phone's most recent OTP
// row of any status. The boolean reports whether a row exists.
func (r *otpRepo) LastCreatedAt(ctx context.Context, phone string) (time.Time, bool, error) {
	var t time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT created_at FROM sms_otp_requests
		WHERE phone = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, phone).Scan(&t)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query last otp: %w", err)
	}
	return t, true, nil
}

// CountByPhoneSince counts OTP rows for the phone created after since.
func (r *otpRepo) CountByPhoneSince(ctx context.Context, phone string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sms_otp_requests
		WHERE phone = $1 AND created_at > $2
	`, phone, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count otp by phone: %w", err)
	}
	return count, nil
}

// CountByIPSince counts OTP rows for the source IP created after since.
func (r *otpRepo) CountByIPSince(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sms_otp_requests
		WHERE ip_address = $1 AND created_at > $2
	`, ipAddress, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count otp by ip: %w", err)
	}
	return count, nil
}

// SetStatus flips the row's status (expired/failed terminal marks).
func (r *otpRepo) SetStatus(ctx context.Context, id int64, status model.OtpStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sms_otp_requests SET status = $1 WHERE id = $2
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("set otp status: %w", err)
	}
	return nil
}

// MarkVerified flips the row to verified and stamps verified_at.
func (r *otpRepo) MarkVerified(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sms_otp_requests
		SET status = 'verified', verified_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark otp verified: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the failed-attempt counter. Deliberately not
// compare-and-swap guarded; concurrent verifies may under-count, bounded
// by the 5-minute expiry.
func (r *otpRepo) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sms_otp_requests SET attempts = attempts + 1 WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("increment otp attempts: %w", err)
	}
	return nil
}
