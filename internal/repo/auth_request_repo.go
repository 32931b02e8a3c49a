package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mybooks/server/internal/model"
)

// AuthRequestRepo defines the interface for auth request repository
// operations. Every mutation is guarded by status = 'pending' so that a
// repeated transition is a harmless no-op; the API and bot processes
// coordinate only through these rows, without locks.
type AuthRequestRepo interface {
	Create(ctx context.Context, requestUUID string) error
	GetByUUID(ctx context.Context, requestUUID string) (model.AuthRequest, error)
	// GetWithUser returns the request left-joined with the user it may
	// reference. The user pointer is nil until user_id is set.
	GetWithUser(ctx context.Context, requestUUID string) (model.AuthRequest, *model.User, error)
	// LinkIdentity stores the Telegram identity onto a still-pending
	// request without completing it (phase one of the two-phase flow).
	LinkIdentity(ctx context.Context, requestUUID, telegramUserID string, userID int64) error
	// Complete marks a pending request completed with the resolved user.
	Complete(ctx context.Context, requestUUID, telegramUserID string, userID int64) error
	// CompleteLatestPendingByTelegramID finds the identity's most recent
	// still-pending request and completes it (phase two, after the phone
	// share). Returns sql.ErrNoRows wrapped if nothing is pending.
	CompleteLatestPendingByTelegramID(ctx context.Context, telegramUserID string, userID int64) error
}

type authRequestRepo struct {
	db *sql.DB
}

// NewAuthRequestRepo creates a new AuthRequestRepo instance
func NewAuthRequestRepo(db *sql.DB) AuthRequestRepo {
	return &authRequestRepo{db: db}
}

// Create inserts a fresh pending request.
func (r *authRequestRepo) Create(ctx context.Context, requestUUID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_requests (request_uuid, status) VALUES ($1, 'pending')
	`, requestUUID)
	if err != nil {
		return fmt.Errorf("insert auth request: %w", err)
	}
	return nil
}

// GetByUUID retrieves a request by its public identifier.
func (r *authRequestRepo) GetByUUID(ctx context.Context, requestUUID string) (model.AuthRequest, error) {
	var ar model.AuthRequest
	err := r.db.QueryRowContext(ctx, `
		SELECT id, request_uuid, status, telegram_user_id, user_id, created_at
		FROM auth_requests
		WHERE request_uuid = $1
	`, requestUUID).Scan(
		&ar.ID,
		&ar.RequestUUID,
		&ar.Status,
		&ar.TelegramUserID,
		&ar.UserID,
		&ar.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.AuthRequest{}, fmt.Errorf("auth request not found: %w", err)
		}
		return model.AuthRequest{}, fmt.Errorf("query auth request: %w", err)
	}
	return ar, nil
}

// GetWithUser retrieves a request and, when user_id is set, the referenced user.
func (r *authRequestRepo) GetWithUser(ctx context.Context, requestUUID string) (model.AuthRequest, *model.User, error) {
	var ar model.AuthRequest
	var u model.User
	var userID sql.NullInt64
	var telegramID, fullName, role sql.NullString
	var createdAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT ar.id, ar.request_uuid, ar.status, ar.telegram_user_id, ar.user_id, ar.created_at,
		       u.id, u.telegram_id, u.full_name, u.username, u.phone, u.avatar_url, u.role, u.created_at, u.last_login_at
		FROM auth_requests ar
		LEFT JOIN users u ON ar.user_id = u.id
		WHERE ar.request_uuid = $1
	`, requestUUID).Scan(
		&ar.ID,
		&ar.RequestUUID,
		&ar.Status,
		&ar.TelegramUserID,
		&ar.UserID,
		&ar.CreatedAt,
		&userID,
		&telegramID,
		&fullName,
		&u.Username,
		&u.Phone,
		&u.AvatarURL,
		&role,
		&createdAt,
		&u.LastLoginAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.AuthRequest{}, nil, fmt.Errorf("auth request not found: %w", err)
		}
		return model.AuthRequest{}, nil, fmt.Errorf("query auth request: %w", err)
	}
	if !userID.Valid {
		return ar, nil, nil
	}
	u.ID = userID.Int64
	u.TelegramID = telegramID.String
	u.FullName = fullName.String
	u.Role = role.String
	u.CreatedAt = createdAt.Time
	return ar, &u, nil
}

// LinkIdentity attaches identity fields to a pending request. Affecting
// zero rows is not an error: the request may already be completed or
// unknown, and replaying the link must stay a no-op.
func (r *authRequestRepo) LinkIdentity(ctx context.Context, requestUUID, telegramUserID string, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_requests
		SET telegram_user_id = $1, user_id = $2
		WHERE request_uuid = $3 AND status = 'pending'
	`, telegramUserID, userID, requestUUID)
	if err != nil {
		return fmt.Errorf("link identity: %w", err)
	}
	return nil
}

// Complete transitions a pending request to completed. Idempotent: a
// second call affects zero rows and succeeds.
func (r *authRequestRepo) Complete(ctx context.Context, requestUUID, telegramUserID string, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_requests
		SET status = 'completed', telegram_user_id = $1, user_id = $2
		WHERE request_uuid = $3 AND status = 'pending'
	`, telegramUserID, userID, requestUUID)
	if err != nil {
		return fmt.Errorf("complete auth request: %w", err)
	}
	return nil
}

// CompleteLatestPendingByTelegramID completes the most recent pending
// request previously linked to this identity. Used after a phone share,
// when the bot no longer knows the original deep-link payload.
func (r *authRequestRepo) CompleteLatestPendingByTelegramID(ctx context.Context, telegramUserID string, userID int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE auth_requests
		SET status = 'completed', user_id = $1
		WHERE id = (
			SELECT id FROM auth_requests
			WHERE telegram_user_id = $2 AND status = 'pending'
			ORDER BY created_at DESC
			LIMIT 1
		)
	`, userID, telegramUserID)
	if err != nil {
		return fmt.Errorf("complete pending auth request: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no pending auth request for identity: %w", sql.ErrNoRows)
	}
	return nil
}
