package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/socialgate/internal/identity"
	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/session"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
	"github.com/carlossalguero/socialgate/internal/shared/logger"
	"github.com/carlossalguero/socialgate/internal/store"
)

// stubProvider implements provider.Provider for handler tests.
type stubProvider struct {
	name        string
	profile     *provider.Profile
	exchangeErr error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) GetAuthURL(state string) string {
	return "https://provider.example/auth?state=" + url.QueryEscape(state)
}

func (p *stubProvider) Exchange(_ context.Context, _ string) (*provider.Profile, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return p.profile, nil
}

// memFlows is an in-memory Flows implementation with consume-once
// semantics.
type memFlows struct {
	states map[string]session.FlowState
	next   string
}

func newMemFlows() *memFlows {
	return &memFlows{states: make(map[string]session.FlowState), next: "state-token"}
}

func (f *memFlows) Begin(_ context.Context, state session.FlowState) (string, error) {
	token := f.next
	f.states[token] = state
	return token, nil
}

func (f *memFlows) Consume(_ context.Context, token string) (*session.FlowState, error) {
	state, ok := f.states[token]
	if !ok {
		return nil, errors.StateInvalid("unknown or already consumed state token")
	}
	delete(f.states, token)
	return &state, nil
}

// memSessions fakes the cookie-bound session surface.
type memSessions struct {
	current   *session.Session
	destroyed []string
	wrote     *session.Session
	cleared   bool
}

func (m *memSessions) FromRequest(_ *http.Request) (*session.Session, error) {
	return m.current, nil
}

func (m *memSessions) WriteCookie(w http.ResponseWriter, sess *session.Session) error {
	m.wrote = sess
	http.SetCookie(w, &http.Cookie{Name: session.CookieName, Value: sess.ID})
	return nil
}

func (m *memSessions) ClearCookie(_ http.ResponseWriter) { m.cleared = true }

func (m *memSessions) Destroy(_ context.Context, sessionID string) error {
	m.destroyed = append(m.destroyed, sessionID)
	return nil
}

// stubResolver records the resolve call and returns a fixed result.
type stubResolver struct {
	result  *identity.Result
	err     error
	profile *provider.Profile
	current *store.User
}

func (r *stubResolver) Resolve(_ context.Context, profile *provider.Profile, current *store.User) (*identity.Result, error) {
	r.profile = profile
	r.current = current
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// memAccounts is the minimal Accounts surface the handlers touch.
type memAccounts struct {
	users map[uuid.UUID]*store.User
	attrs map[uuid.UUID]map[string]string
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		users: make(map[uuid.UUID]*store.User),
		attrs: make(map[uuid.UUID]map[string]string),
	}
}

func (m *memAccounts) CreateUser(_ context.Context, user *store.User) error {
	user.ID = uuid.New()
	m.users[user.ID] = user
	return nil
}

func (m *memAccounts) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, errors.NotFound("user not found")
	}
	return u, nil
}

func (m *memAccounts) FindByUsername(_ context.Context, _ string) (*store.User, error) {
	return nil, errors.NotFound("user not found")
}

func (m *memAccounts) FindByAttribute(_ context.Context, _, _ string) (*store.User, error) {
	return nil, errors.NotFound("user not found")
}

func (m *memAccounts) GetAttribute(_ context.Context, userID uuid.UUID, key string) (string, error) {
	return m.attrs[userID][key], nil
}

func (m *memAccounts) SetAttribute(_ context.Context, userID uuid.UUID, key, value string) error {
	if m.attrs[userID] == nil {
		m.attrs[userID] = make(map[string]string)
	}
	m.attrs[userID][key] = value
	return nil
}

func (m *memAccounts) AttributeKeyExists(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (m *memAccounts) SetHasAvatar(_ context.Context, _ uuid.UUID, _ bool) error { return nil }

type testEnv struct {
	server   *Server
	flows    *memFlows
	sessions *memSessions
	resolver *stubResolver
	accounts *memAccounts
}

func newTestEnv(t *testing.T, p provider.Provider) *testEnv {
	t.Helper()

	registry := provider.NewRegistry()
	if p != nil {
		registry.Register(p)
	}

	env := &testEnv{
		flows:    newMemFlows(),
		sessions: &memSessions{},
		resolver: &stubResolver{},
		accounts: newMemAccounts(),
	}

	env.server = New(Config{Addr: ":0"}, registry, env.resolver, env.sessions, env.flows, env.accounts, nil, nil, logger.Default())
	t.Cleanup(env.server.limiter.Stop)
	return env
}

func facebookStub() *stubProvider {
	return &stubProvider{
		name: provider.NameFacebook,
		profile: &provider.Profile{
			Provider:   provider.NameFacebook,
			ExternalID: "123",
			FirstName:  "Ann",
			LastName:   "Lee",
		},
	}
}

func TestInitiateRedirectsToProvider(t *testing.T) {
	env := newTestEnv(t, facebookStub())

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?redirect=/after&popup=onLogin", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "https://provider.example/auth?state="))

	flow := env.flows.states["state-token"]
	assert.Equal(t, provider.NameFacebook, flow.Provider)
	assert.Equal(t, "/after", flow.RedirectURL)
	assert.Equal(t, "onLogin", flow.PopupCallback)
}

func TestInitiateRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/login/myspace", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(errors.CodeProviderNotConfigured), body["code"])
}

func TestInitiateDropsUnsafeParams(t *testing.T) {
	env := newTestEnv(t, facebookStub())

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?redirect=https://evil.example/&popup=alert(1)", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	flow := env.flows.states["state-token"]
	assert.Empty(t, flow.RedirectURL)
	assert.Empty(t, flow.PopupCallback)
}

func TestCallbackCompletesLogin(t *testing.T) {
	env := newTestEnv(t, facebookStub())
	env.flows.states["state-token"] = session.FlowState{
		Provider:    provider.NameFacebook,
		RedirectURL: "/after",
	}

	user := &store.User{ID: uuid.New(), Username: "annlee"}
	sess := &session.Session{ID: "sess-1", UserID: user.ID.String(), Provider: provider.NameFacebook, CreatedAt: time.Now()}
	env.resolver.result = &identity.Result{Outcome: identity.OutcomeLogin, User: user, Session: sess}

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?code=abc&state=state-token", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/after", rec.Header().Get("Location"))
	assert.Equal(t, sess, env.sessions.wrote)
	require.NotNil(t, env.resolver.profile)
	assert.Equal(t, "123", env.resolver.profile.ExternalID)
}

func TestCallbackRejectsReplayedState(t *testing.T) {
	env := newTestEnv(t, facebookStub())
	env.flows.states["state-token"] = session.FlowState{Provider: provider.NameFacebook}

	user := &store.User{ID: uuid.New()}
	env.resolver.result = &identity.Result{
		Outcome: identity.OutcomeLogin,
		User:    user,
		Session: &session.Session{ID: "sess-1", UserID: user.ID.String()},
	}

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?code=abc&state=state-token", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/login/facebook?code=abc&state=state-token", nil)
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackRejectsCrossProviderState(t *testing.T) {
	env := newTestEnv(t, facebookStub())
	env.flows.states["state-token"] = session.FlowState{Provider: provider.NameGoogle}

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?code=abc&state=state-token", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackProviderDenied(t *testing.T) {
	env := newTestEnv(t, facebookStub())

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?error=access_denied", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackRendersPopupPage(t *testing.T) {
	env := newTestEnv(t, facebookStub())
	env.flows.states["state-token"] = session.FlowState{
		Provider:      provider.NameFacebook,
		PopupCallback: "onLoginDone",
	}

	user := &store.User{ID: uuid.New()}
	env.resolver.result = &identity.Result{
		Outcome: identity.OutcomeRegistered,
		User:    user,
		Session: &session.Session{ID: "sess-1", UserID: user.ID.String()},
	}

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?code=abc&state=state-token", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "onLoginDone")
	assert.Contains(t, rec.Body.String(), "window.close()")
}

func TestCallbackPassesCurrentUserForLinking(t *testing.T) {
	env := newTestEnv(t, facebookStub())
	env.flows.states["state-token"] = session.FlowState{Provider: provider.NameFacebook}

	current := &store.User{ID: uuid.New(), Username: "existing"}
	env.accounts.users[current.ID] = current
	env.sessions.current = &session.Session{ID: "sess-0", UserID: current.ID.String()}

	env.resolver.result = &identity.Result{Outcome: identity.OutcomeLinked, User: current}

	req := httptest.NewRequest(http.MethodGet, "/login/facebook?code=abc&state=state-token", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	require.NotNil(t, env.resolver.current)
	assert.Equal(t, current.ID, env.resolver.current.ID)
	assert.Nil(t, env.sessions.wrote, "linking must not reissue the cookie")
}

func TestLogoutDestroysSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.current = &session.Session{ID: "sess-1", UserID: uuid.NewString()}

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"sess-1"}, env.sessions.destroyed)
	assert.True(t, env.sessions.cleared)
}

func TestMeRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeReturnsSessionUser(t *testing.T) {
	env := newTestEnv(t, nil)

	user := &store.User{ID: uuid.New(), Username: "annlee", Email: "ann@example.com", HasAvatar: true}
	env.accounts.users[user.ID] = user
	env.accounts.attrs[user.ID] = map[string]string{
		store.AttrFirstName: "Ann",
		store.AttrLastName:  "Lee",
	}
	env.sessions.current = &session.Session{ID: "sess-1", UserID: user.ID.String(), Provider: provider.NameGoogle}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body meResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "annlee", body.Username)
	assert.Equal(t, "Ann", body.FirstName)
	assert.Equal(t, provider.NameGoogle, body.Provider)
	assert.True(t, body.HasAvatar)
}

func TestLoginRateLimited(t *testing.T) {
	registry := provider.NewRegistry()
	registry.Register(facebookStub())

	env := &testEnv{
		flows:    newMemFlows(),
		sessions: &memSessions{},
		resolver: &stubResolver{},
		accounts: newMemAccounts(),
	}
	env.server = New(Config{Addr: ":0", LoginRatePerSecond: 0.001, LoginBurst: 1}, registry, env.resolver, env.sessions, env.flows, env.accounts, nil, nil, logger.Default())
	t.Cleanup(env.server.limiter.Stop)

	req := httptest.NewRequest(http.MethodGet, "/login/facebook", nil)
	req.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/login/facebook", nil)
	req.RemoteAddr = "10.0.0.1:4001"
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSafeCallbackName(t *testing.T) {
	assert.Equal(t, "onLogin", safeCallbackName("onLogin"))
	assert.Equal(t, "_cb$1", safeCallbackName("_cb$1"))
	assert.Empty(t, safeCallbackName("alert(1)"))
	assert.Empty(t, safeCallbackName("a.b"))
	assert.Empty(t, safeCallbackName(""))
}
