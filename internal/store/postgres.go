package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carlossalguero/socialgate/internal/shared/errors"
)

// Postgres implements Accounts and Credentials using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateUser creates a new local account.
func (s *Postgres) CreateUser(ctx context.Context, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, username, email, password_hash, has_avatar, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.HasAvatar, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.AlreadyExists("username already taken")
		}
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by ID.
func (s *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, has_avatar, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	var user User
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.HasAvatar, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("user not found")
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}

	return &user, nil
}

// FindByUsername retrieves a user by exact username.
func (s *Postgres) FindByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, email, password_hash, has_avatar, created_at, updated_at
		FROM users
		WHERE username = $1
	`

	var user User
	err := s.pool.QueryRow(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.HasAvatar, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("user not found")
		}
		return nil, fmt.Errorf("finding user by username: %w", err)
	}

	return &user, nil
}

// FindByAttribute retrieves the user whose attribute key equals value.
func (s *Postgres) FindByAttribute(ctx context.Context, key, value string) (*User, error) {
	query := `
		SELECT u.id, u.username, u.email, u.password_hash, u.has_avatar, u.created_at, u.updated_at
		FROM users u
		JOIN user_attributes a ON a.user_id = u.id
		WHERE a.key = $1 AND a.value = $2
	`

	var user User
	err := s.pool.QueryRow(ctx, query, key, value).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.HasAvatar, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("user not found")
		}
		return nil, fmt.Errorf("finding user by attribute: %w", err)
	}

	return &user, nil
}

// GetAttribute returns the attribute value for a user, or "" when unset.
func (s *Postgres) GetAttribute(ctx context.Context, userID uuid.UUID, key string) (string, error) {
	query := `SELECT value FROM user_attributes WHERE user_id = $1 AND key = $2`

	var value string
	err := s.pool.QueryRow(ctx, query, userID, key).Scan(&value)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("getting attribute: %w", err)
	}

	return value, nil
}

// SetAttribute writes an attribute value for a user, overwriting any existing value.
func (s *Postgres) SetAttribute(ctx context.Context, userID uuid.UUID, key, value string) error {
	query := `
		INSERT INTO user_attributes (user_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query, userID, key, value)
	if err != nil {
		// The partial unique index on (key, value) for provider id keys
		// rejects a second account claiming the same external identity.
		if isUniqueViolation(err) {
			return errors.AlreadyExists("attribute value already linked to another user")
		}
		return fmt.Errorf("setting attribute: %w", err)
	}

	return nil
}

// AttributeKeyExists reports whether an attribute key is defined.
func (s *Postgres) AttributeKeyExists(ctx context.Context, key string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM attribute_keys WHERE key = $1)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking attribute key: %w", err)
	}

	return exists, nil
}

// SetHasAvatar flags whether the user has a stored avatar.
func (s *Postgres) SetHasAvatar(ctx context.Context, userID uuid.UUID, has bool) error {
	query := `UPDATE users SET has_avatar = $2, updated_at = NOW() WHERE id = $1`

	result, err := s.pool.Exec(ctx, query, userID, has)
	if err != nil {
		return fmt.Errorf("setting avatar flag: %w", err)
	}

	if result.RowsAffected() == 0 {
		return errors.NotFound("user not found")
	}

	return nil
}

// ListProviderCredentials returns all configured provider credentials.
func (s *Postgres) ListProviderCredentials(ctx context.Context) ([]ProviderCredential, error) {
	query := `
		SELECT provider, api_key, api_secret, scopes, updated_at
		FROM provider_credentials
		ORDER BY provider
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing provider credentials: %w", err)
	}
	defer rows.Close()

	var creds []ProviderCredential
	for rows.Next() {
		var c ProviderCredential
		if err := rows.Scan(&c.Provider, &c.APIKey, &c.APISecret, &c.Scopes, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning provider credentials: %w", err)
		}
		creds = append(creds, c)
	}

	return creds, rows.Err()
}

// isUniqueViolation checks if an error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
