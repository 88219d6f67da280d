// Package httpapi exposes the browser-facing login endpoints: flow
// initiation, the provider callback, logout and the session probe.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carlossalguero/socialgate/internal/identity"
	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/session"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
	"github.com/carlossalguero/socialgate/internal/shared/health"
	"github.com/carlossalguero/socialgate/internal/shared/logger"
	"github.com/carlossalguero/socialgate/internal/shared/metrics"
	"github.com/carlossalguero/socialgate/internal/store"
)

// Sessions is the session surface the handlers consume.
type Sessions interface {
	FromRequest(r *http.Request) (*session.Session, error)
	WriteCookie(w http.ResponseWriter, sess *session.Session) error
	ClearCookie(w http.ResponseWriter)
	Destroy(ctx context.Context, sessionID string) error
}

// Flows persists pre-auth flow state across the provider round trip.
type Flows interface {
	Begin(ctx context.Context, state session.FlowState) (string, error)
	Consume(ctx context.Context, token string) (*session.FlowState, error)
}

// Resolver turns verified profiles into bound sessions.
type Resolver interface {
	Resolve(ctx context.Context, profile *provider.Profile, current *store.User) (*identity.Result, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// LoginRatePerSecond and LoginBurst bound login traffic per client.
	LoginRatePerSecond float64 `mapstructure:"login_rate_per_second"`
	LoginBurst         int     `mapstructure:"login_burst"`
}

// Server wires the login endpoints to the identity core.
type Server struct {
	cfg      Config
	registry *provider.Registry
	resolver Resolver
	sessions Sessions
	flows    Flows
	accounts store.Accounts
	checker  *health.Checker
	metrics  *metrics.Metrics
	log      *logger.Logger
	limiter  *RateLimiter

	httpServer *http.Server
}

// New creates the HTTP server.
func New(cfg Config, registry *provider.Registry, resolver Resolver, sessions Sessions, flows Flows, accounts store.Accounts, checker *health.Checker, m *metrics.Metrics, log *logger.Logger) *Server {
	if cfg.LoginRatePerSecond == 0 {
		cfg.LoginRatePerSecond = 5
	}
	if cfg.LoginBurst == 0 {
		cfg.LoginBurst = 10
	}

	s := &Server{
		cfg:      cfg,
		registry: registry,
		resolver: resolver,
		sessions: sessions,
		flows:    flows,
		accounts: accounts,
		checker:  checker,
		metrics:  m,
		log:      log.WithComponent("httpapi"),
		limiter:  NewRateLimiter(cfg.LoginRatePerSecond, cfg.LoginBurst),
	}

	mux := http.NewServeMux()
	mux.Handle("GET /login/{provider}", s.limiter.Middleware(http.HandlerFunc(s.handleLogin)))
	mux.Handle("POST /login/{provider}", s.limiter.Middleware(http.HandlerFunc(s.handleLogin)))
	mux.HandleFunc("GET /logout", s.handleLogout)
	mux.HandleFunc("GET /me", s.handleMe)
	if checker != nil {
		mux.Handle("GET /healthz", checker.Handler())
	}
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	var handler http.Handler = mux
	handler = Security()(handler)
	handler = Logging(s.log, m)(handler)
	handler = Recovery(s.log)(handler)
	handler = RequestID()(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server starting", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// handleLogin serves both halves of the provider round trip on one
// path: without a code (or provider error) it initiates the flow, with
// one it completes it.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	ctx := context.WithValue(r.Context(), logger.ProviderKey, name)
	r = r.WithContext(ctx)

	p, err := s.registry.Get(name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if errParam := r.FormValue("error"); errParam != "" {
		s.writeError(w, r, errors.ProviderAuthFailed("provider denied authorization: "+errParam))
		return
	}

	if code := r.FormValue("code"); code != "" {
		s.completeLogin(w, r, p, code)
		return
	}

	s.initiateLogin(w, r, p)
}

// initiateLogin captures the flow state and redirects to the provider.
func (s *Server) initiateLogin(w http.ResponseWriter, r *http.Request, p provider.Provider) {
	flow := session.FlowState{
		Provider:      p.Name(),
		RedirectURL:   safeRedirect(r.FormValue("redirect")),
		PopupCallback: safeCallbackName(r.FormValue("popup")),
	}

	state, err := s.flows.Begin(r.Context(), flow)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, p.GetAuthURL(state), http.StatusFound)
}

// completeLogin consumes the flow state, exchanges the code and
// resolves the profile into a session.
func (s *Server) completeLogin(w http.ResponseWriter, r *http.Request, p provider.Provider, code string) {
	ctx := r.Context()

	flow, err := s.flows.Consume(ctx, r.FormValue("state"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if flow.Provider != p.Name() {
		s.writeError(w, r, errors.StateInvalid("state token belongs to a different provider"))
		return
	}

	start := time.Now()
	profile, err := p.Exchange(ctx, code)
	if err != nil {
		s.writeError(w, r, errors.ProviderAuthFailedWrap("exchanging authorization code", err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordProviderExchange(p.Name(), time.Since(start))
	}

	current, err := s.currentUser(r)
	if err != nil {
		s.log.WarnContext(ctx, "ignoring invalid session on callback", "error", err)
	}

	result, err := s.resolver.Resolve(ctx, profile, current)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if result.Session != nil {
		if err := s.sessions.WriteCookie(w, result.Session); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.log.InfoContext(ctx, "login flow completed", "outcome", string(result.Outcome))

	if flow.PopupCallback != "" {
		s.renderPopupClose(w, flow.PopupCallback)
		return
	}

	target := flow.RedirectURL
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.FromRequest(r)
	if err == nil && sess != nil {
		if err := s.sessions.Destroy(r.Context(), sess.ID); err != nil {
			s.log.WarnContext(r.Context(), "destroying session failed", "error", err)
		}
	}

	s.sessions.ClearCookie(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// meResponse is the session probe payload.
type meResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	HasAvatar bool   `json:"has_avatar"`
	Provider  string `json:"provider"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.FromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		s.writeError(w, r, errors.Unauthorized("not logged in"))
		return
	}

	userID, err := uuid.Parse(sess.UserID)
	if err != nil {
		s.writeError(w, r, errors.SessionExpired("malformed session"))
		return
	}

	user, err := s.accounts.GetUser(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	first, _ := s.accounts.GetAttribute(r.Context(), user.ID, store.AttrFirstName)
	last, _ := s.accounts.GetAttribute(r.Context(), user.ID, store.AttrLastName)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meResponse{
		ID:        user.ID.String(),
		Username:  user.Username,
		Email:     user.Email,
		FirstName: first,
		LastName:  last,
		HasAvatar: user.HasAvatar,
		Provider:  sess.Provider,
	})
}

// currentUser loads the user for the request's session, if any.
func (s *Server) currentUser(r *http.Request) (*store.User, error) {
	sess, err := s.sessions.FromRequest(r)
	if err != nil || sess == nil {
		return nil, err
	}

	userID, err := uuid.Parse(sess.UserID)
	if err != nil {
		return nil, errors.SessionExpired("malformed session")
	}
	return s.accounts.GetUser(r.Context(), userID)
}

// writeError renders a coded error as JSON.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := err.(*errors.Error)
	if !ok {
		appErr = errors.InternalWrap("request failed", err)
	}

	if appErr.HTTPStatusCode() >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "error", err)
	} else {
		s.log.WarnContext(r.Context(), "request rejected", "code", string(appErr.Code))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": appErr.Message,
		"code":  string(appErr.Code),
	})
}

// safeRedirect keeps only same-site relative targets, rejecting
// absolute URLs and protocol-relative tricks.
func safeRedirect(target string) string {
	if target == "" {
		return ""
	}
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return ""
	}
	return target
}
