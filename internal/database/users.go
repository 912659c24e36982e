package database

import (
	"context"
	"time"

	"rankqueue-backend/internal/models"

	"github.com/jmoiron/sqlx"
)

// UserStore reads users and their push tokens
type UserStore struct {
	db *sqlx.DB
}

func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, `SELECT * FROM users WHERE email = $1`, email)
	return user, err
}

// SaveFCMToken registers a device token, moving it to userID if another user had it
func (s *UserStore) SaveFCMToken(ctx context.Context, userID, token, deviceType string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fcm_tokens (user_id, token, device_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(token) DO UPDATE SET
			user_id = excluded.user_id,
			device_type = excluded.device_type,
			updated_at = excluded.updated_at`,
		userID, token, deviceType, now, now)
	return err
}

// FCMTokens returns every device token registered for a user, newest first
func (s *UserStore) FCMTokens(ctx context.Context, userID string) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens, `
		SELECT token FROM fcm_tokens WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	return tokens, err
}

// DeleteFCMToken drops a token FCM reported as unregistered
func (s *UserStore) DeleteFCMToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fcm_tokens WHERE token = $1`, token)
	return err
}

// CreateUser inserts a user whose password is already hashed
func (s *UserStore) CreateUser(ctx context.Context, user models.User) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, email, password, name, role, created_at, updated_at)
		VALUES (:id, :email, :password, :name, :role, :created_at, :updated_at)`, user)
	return err
}
