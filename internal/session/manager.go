package session

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/carlossalguero/socialgate/internal/shared/cache"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
)

// CookieName is the session cookie name.
const CookieName = "socialgate_session"

const sessionKeyPrefix = "session:"

// Session represents a bound browser session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// Binder binds a browser session to a local user. The identity linker
// treats a bind failure as a login failure.
type Binder interface {
	Bind(ctx context.Context, userID uuid.UUID, provider string) (*Session, error)
}

// Manager stores session records in Redis and issues session cookies.
type Manager struct {
	cache  *cache.Client
	tokens *TokenManager
	ttl    time.Duration
	secure bool
}

// Config holds session manager configuration.
type Config struct {
	TTL    time.Duration `mapstructure:"ttl"`
	Secure bool          `mapstructure:"secure_cookie"`
}

// NewManager creates a new session manager.
func NewManager(c *cache.Client, tokens *TokenManager, cfg Config) *Manager {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Manager{
		cache:  c,
		tokens: tokens,
		ttl:    cfg.TTL,
		secure: cfg.Secure,
	}
}

// Bind creates a session record for the user. This is the terminal
// "session bound to a local identity" state of the login flow.
func (m *Manager) Bind(ctx context.Context, userID uuid.UUID, provider string) (*Session, error) {
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID.String(),
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.cache.SetJSON(ctx, sessionKeyPrefix+sess.ID, sess, m.ttl); err != nil {
		return nil, errors.InternalWrap("storing session", err)
	}

	return sess, nil
}

// Get retrieves a session by ID. Returns a SESSION_EXPIRED coded error
// when the session no longer exists.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := m.cache.GetJSON(ctx, sessionKeyPrefix+sessionID, &sess)
	if err != nil {
		if stderrors.Is(err, cache.ErrKeyNotFound) {
			return nil, errors.SessionExpired("session not found")
		}
		return nil, errors.InternalWrap("loading session", err)
	}
	return &sess, nil
}

// Destroy removes a session record.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	return m.cache.Delete(ctx, sessionKeyPrefix+sessionID)
}

// WriteCookie issues the session cookie for a bound session.
func (m *Manager) WriteCookie(w http.ResponseWriter, sess *Session) error {
	token, expiresAt, err := m.tokens.Generate(sess.UserID, sess.ID)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return nil
}

// ClearCookie expires the session cookie.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest resolves the current session from the request cookie.
// Returns nil with no error when the request carries no session.
func (m *Manager) FromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, nil
	}

	claims, err := m.tokens.Validate(cookie.Value)
	if err != nil {
		return nil, err
	}

	return m.Get(r.Context(), claims.SessionID)
}
