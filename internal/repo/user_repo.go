package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mybooks/server/internal/model"
)

// NewTelegramUser carries the identity fields collected from a Telegram
// /start event when a user is created for the first time.
type NewTelegramUser struct {
	TelegramID string
	FullName   string
	Username   *string
	AvatarURL  *string
}

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id int64) (model.User, error)
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	GetByTelegramID(ctx context.Context, telegramID string) (model.User, error)
	CreateTelegramUser(ctx context.Context, u NewTelegramUser) (model.User, error)
	CreateSmsUser(ctx context.Context, telegramID, fullName, phone string) (model.User, error)
	SetPhoneAndTouchLogin(ctx context.Context, id int64, phone string) (model.User, error)
	SetPhoneByTelegramID(ctx context.Context, telegramID, phone string) error
	TouchLastLogin(ctx context.Context, id int64) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `id, telegram_id, full_name, username, phone, avatar_url, role, created_at, last_login_at`

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID,
		&u.TelegramID,
		&u.FullName,
		&u.Username,
		&u.Phone,
		&u.AvatarURL,
		&u.Role,
		&u.CreatedAt,
		&u.LastLoginAt,
	)
	return u, err
}

// GetByID retrieves a user by primary key.
func (r *userRepo) GetByID(ctx context.Context, id int64) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE id = $1
	`, id)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user not found: %w", err)
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetByPhone retrieves the first user matching a normalized phone.
// phone is not uniquely constrained; first match wins.
func (r *userRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE phone = $1 ORDER BY id LIMIT 1
	`, phone)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user not found: %w", err)
		}
		return model.User{}, fmt.Errorf("query user by phone: %w", err)
	}
	return u, nil
}

// GetByTelegramID retrieves a user by the unique telegram_id key.
func (r *userRepo) GetByTelegramID(ctx context.Context, telegramID string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE telegram_id = $1
	`, telegramID)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user not found: %w", err)
		}
		return model.User{}, fmt.Errorf("query user by telegram_id: %w", err)
	}
	return u, nil
}

// CreateTelegramUser inserts a user from a Telegram identity and stamps
// last_login_at.
func (r *userRepo) CreateTelegramUser(ctx context.Context, n NewTelegramUser) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (telegram_id, full_name, username, avatar_url, last_login_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING `+userColumns+`
	`, n.TelegramID, n.FullName, n.Username, n.AvatarURL)
	u, err := scanUser(row)
	if err != nil {
		return model.User{}, fmt.Errorf("insert telegram user: %w", err)
	}
	return u, nil
}

// CreateSmsUser inserts a user for a verified SMS-only identity
// (telegram_id of the form "sms:<phone>") and stamps last_login_at.
func (r *userRepo) CreateSmsUser(ctx context.Context, telegramID, fullName, phone string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (telegram_id, full_name, phone, last_login_at)
		VALUES ($1, $2, $3, now())
		RETURNING `+userColumns+`
	`, telegramID, fullName, phone)
	u, err := scanUser(row)
	if err != nil {
		return model.User{}, fmt.Errorf("insert sms user: %w", err)
	}
	return u, nil
}

// SetPhoneAndTouchLogin backfills the phone and refreshes last_login_at,
// returning the updated row.
func (r *userRepo) SetPhoneAndTouchLogin(ctx context.Context, id int64, phone string) (model.User, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users SET phone = $1, last_login_at = now()
		WHERE id = $2
		RETURNING `+userColumns+`
	`, phone, id)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user not found: %w", err)
		}
		return model.User{}, fmt.Errorf("update user phone: %w", err)
	}
	return u, nil
}

// SetPhoneByTelegramID stores the phone shared through the bot contact
// flow.
func (r *userRepo) SetPhoneByTelegramID(ctx context.Context, telegramID, phone string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET phone = $1 WHERE telegram_id = $2
	`, phone, telegramID)
	if err != nil {
		return fmt.Errorf("update phone: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user not found: %w", sql.ErrNoRows)
	}
	return nil
}

// TouchLastLogin refreshes last_login_at.
func (r *userRepo) TouchLastLogin(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}
