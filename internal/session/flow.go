package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stderrors "errors"
	"time"

	"github.com/carlossalguero/socialgate/internal/shared/cache"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
)

const (
	flowKeyPrefix  = "flow:"
	defaultFlowTTL = 10 * time.Minute
)

// FlowState is the pre-auth state captured when a login flow starts and
// replayed exactly once when the provider calls back. It carries the
// CSRF state token implicitly as its storage key.
type FlowState struct {
	Provider string `json:"provider"`
	// RedirectURL is where the browser returns after auth.
	RedirectURL string `json:"redirect_url,omitempty"`
	// PopupCallback is the opener function name to invoke when the flow
	// runs in a popup window instead of a full-page redirect.
	PopupCallback string `json:"popup_callback,omitempty"`
}

// FlowStore persists flow state in Redis with consume-once semantics.
type FlowStore struct {
	cache *cache.Client
	ttl   time.Duration
}

// NewFlowStore creates a new flow store.
func NewFlowStore(c *cache.Client, ttl time.Duration) *FlowStore {
	if ttl == 0 {
		ttl = defaultFlowTTL
	}
	return &FlowStore{cache: c, ttl: ttl}
}

// Begin stores flow state under a fresh random state token and returns
// the token for use as the OAuth state parameter.
func (s *FlowStore) Begin(ctx context.Context, state FlowState) (string, error) {
	token, err := randomToken(32)
	if err != nil {
		return "", errors.InternalWrap("generating state token", err)
	}

	if err := s.cache.SetJSON(ctx, flowKeyPrefix+token, state, s.ttl); err != nil {
		return "", errors.InternalWrap("storing flow state", err)
	}

	return token, nil
}

// Consume retrieves and atomically deletes the flow state for a state
// token. A second consume of the same token fails, which rejects
// replayed callbacks.
func (s *FlowStore) Consume(ctx context.Context, token string) (*FlowState, error) {
	var state FlowState
	err := s.cache.GetDelJSON(ctx, flowKeyPrefix+token, &state)
	if err != nil {
		if stderrors.Is(err, cache.ErrKeyNotFound) {
			return nil, errors.StateInvalid("unknown or already consumed state token")
		}
		return nil, errors.InternalWrap("loading flow state", err)
	}
	return &state, nil
}

// randomToken returns a URL-safe random token of n bytes of entropy.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
