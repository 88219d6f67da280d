// Package identity implements the identity linking core: it maps a
// verified external profile onto a local account, deciding between
// login, registration and linking to an already authenticated session.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/session"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
	"github.com/carlossalguero/socialgate/internal/shared/events"
	"github.com/carlossalguero/socialgate/internal/shared/logger"
	"github.com/carlossalguero/socialgate/internal/shared/metrics"
	"github.com/carlossalguero/socialgate/internal/shared/tracing"
	"github.com/carlossalguero/socialgate/internal/store"
)

// createAttempts bounds the create retry loop that guards against the
// check-then-create race on usernames.
const createAttempts = 3

// EventPublisher defines the interface for publishing flow events.
type EventPublisher interface {
	PublishFlowEvent(ctx context.Context, subject, providerName, userID string, data map[string]any) error
	IsConnected() bool
}

// Config holds the linker dependencies.
type Config struct {
	Store    store.Accounts
	Sessions session.Binder
	Avatars  *AvatarFetcher
	Events   EventPublisher
	Metrics  *metrics.Metrics
	Logger   *logger.Logger
}

// Linker resolves provider callbacks into bound sessions.
type Linker struct {
	store    store.Accounts
	sessions session.Binder
	avatars  *AvatarFetcher
	events   EventPublisher
	metrics  *metrics.Metrics
	log      *logger.Logger
	tracer   oteltrace.Tracer
}

// New creates a new identity linker.
func New(cfg Config) *Linker {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Linker{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		avatars:  cfg.Avatars,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		log:      log.WithComponent("identity"),
		tracer:   otel.Tracer("socialgate/identity"),
	}
}

// Outcome describes the terminal state of a resolved callback.
type Outcome string

// Resolution outcomes.
const (
	OutcomeLogin      Outcome = "login"
	OutcomeRegistered Outcome = "registered"
	OutcomeLinked     Outcome = "linked"
)

// Result is the terminal state of a successful resolution.
type Result struct {
	Outcome Outcome
	User    *store.User
	// Session is the newly bound session. Nil for OutcomeLinked, where
	// the caller's existing session stays in place.
	Session *session.Session
}

// Resolve turns a verified external profile into a bound session. When
// current is non-nil the caller is already authenticated and the
// profile is linked to that account instead.
func (l *Linker) Resolve(ctx context.Context, profile *provider.Profile, current *store.User) (*Result, error) {
	if profile == nil || profile.ExternalID == "" {
		return nil, errors.InvalidInput("profile external id is required")
	}

	ctx, span := l.tracer.Start(ctx, "identity.resolve")
	defer span.End()
	tracing.WithProviderAttributes(span, profile.Provider, profile.ExternalID)

	result, err := l.resolve(ctx, profile, current)
	if err != nil {
		tracing.WithError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.outcome", string(result.Outcome)))
	tracing.WithSuccess(span)
	return result, nil
}

func (l *Linker) resolve(ctx context.Context, profile *provider.Profile, current *store.User) (*Result, error) {
	if current != nil {
		return l.linkToCurrent(ctx, profile, current)
	}

	idKey := store.ProviderIDKey(profile.Provider)

	user, err := l.store.FindByAttribute(ctx, idKey, profile.ExternalID)
	if err == nil {
		return l.login(ctx, profile, user)
	}
	if !errors.IsCode(err, errors.CodeNotFound) {
		return nil, err
	}

	user, err = l.register(ctx, profile)
	if err != nil {
		// A concurrent callback for the same external identity may have
		// won the race. The store's uniqueness guarantee rejects the
		// loser; log in against the winner instead.
		if errors.IsCode(err, errors.CodeAlreadyExists) {
			if winner, lookupErr := l.store.FindByAttribute(ctx, idKey, profile.ExternalID); lookupErr == nil {
				l.log.WarnContext(ctx, "concurrent registration detected, logging in against existing identity",
					"provider", profile.Provider)
				return l.login(ctx, profile, winner)
			}
		}
		l.recordOutcome(profile.Provider, metrics.OutcomeError)
		return nil, err
	}

	sess, err := l.sessions.Bind(ctx, user.ID, profile.Provider)
	if err != nil {
		// The created identity stays in place. Partial registration is
		// preferable to data loss.
		l.recordOutcome(profile.Provider, metrics.OutcomeError)
		return nil, errors.PostRegistrationLoginFailed("login after registration failed", err)
	}

	l.recordOutcome(profile.Provider, metrics.OutcomeRegistered)
	l.publish(ctx, events.SubjectUserRegistered, profile.Provider, user.ID.String(), map[string]any{
		"username": user.Username,
	})

	return &Result{Outcome: OutcomeRegistered, User: user, Session: sess}, nil
}

// login binds a session to an existing local identity.
func (l *Linker) login(ctx context.Context, profile *provider.Profile, user *store.User) (*Result, error) {
	sess, err := l.sessions.Bind(ctx, user.ID, profile.Provider)
	if err != nil {
		l.recordOutcome(profile.Provider, metrics.OutcomeError)
		return nil, errors.InternalWrap("binding session", err)
	}

	l.recordOutcome(profile.Provider, metrics.OutcomeLogin)
	l.publish(ctx, events.SubjectUserLogin, profile.Provider, user.ID.String(), nil)

	return &Result{Outcome: OutcomeLogin, User: user, Session: sess}, nil
}

// linkToCurrent attaches the external identity to an already
// authenticated user and enriches the profile. No new identity is
// created and the existing session stays bound.
func (l *Linker) linkToCurrent(ctx context.Context, profile *provider.Profile, current *store.User) (*Result, error) {
	idKey := store.ProviderIDKey(profile.Provider)

	if err := l.store.SetAttribute(ctx, current.ID, idKey, profile.ExternalID); err != nil {
		if errors.IsCode(err, errors.CodeAlreadyExists) {
			return nil, errors.AlreadyExists("external identity already linked to another account")
		}
		return nil, err
	}

	// Backfill names only when the account has none.
	l.backfillAttribute(ctx, current.ID, store.AttrFirstName, profile.FirstName)
	l.backfillAttribute(ctx, current.ID, store.AttrLastName, profile.LastName)

	l.enrichAvatar(ctx, current.ID, profile)

	if profile.Provider == provider.NameLinkedIn {
		l.enrichOptionalAttributes(ctx, current.ID, profile)
	}

	l.recordOutcome(profile.Provider, metrics.OutcomeLinked)
	l.publish(ctx, events.SubjectIdentityLinked, profile.Provider, current.ID.String(), map[string]any{
		"external_id": profile.ExternalID,
	})

	return &Result{Outcome: OutcomeLinked, User: current}, nil
}

// register creates a local identity seeded from the profile.
func (l *Linker) register(ctx context.Context, profile *provider.Profile) (*store.User, error) {
	token, err := randomHex(16)
	if err != nil {
		return nil, errors.InternalWrap("generating registration token", err)
	}

	passwordHash, err := randomPasswordHash()
	if err != nil {
		return nil, errors.InternalWrap("generating password", err)
	}

	user := &store.User{
		Email:        fmt.Sprintf("%s.social.registration@noemail.com", token),
		PasswordHash: passwordHash,
	}

	// The username pre-check races with concurrent registrations, so
	// the create itself retries on conflict with a fresh candidate.
	var created bool
	for attempt := 0; attempt < createAttempts; attempt++ {
		username, err := l.generateUsername(ctx, profile)
		if err != nil {
			return nil, err
		}
		user.Username = username

		err = l.store.CreateUser(ctx, user)
		if err == nil {
			created = true
			break
		}
		if !errors.IsCode(err, errors.CodeAlreadyExists) {
			return nil, errors.RegistrationFailed("creating user", err)
		}
		l.log.WarnContext(ctx, "username taken on create, retrying",
			"provider", profile.Provider, "username", username)
	}
	if !created {
		return nil, errors.RegistrationFailed("creating user", errors.AlreadyExists("no free username after retries"))
	}

	idKey := store.ProviderIDKey(profile.Provider)
	if err := l.store.SetAttribute(ctx, user.ID, idKey, profile.ExternalID); err != nil {
		// Propagate ALREADY_EXISTS so the caller can fall back to the
		// identity that won the race.
		if errors.IsCode(err, errors.CodeAlreadyExists) {
			return nil, err
		}
		return nil, errors.RegistrationFailed("linking provider id", err)
	}

	if profile.FirstName != "" {
		if err := l.store.SetAttribute(ctx, user.ID, store.AttrFirstName, profile.FirstName); err != nil {
			l.log.WarnContext(ctx, "storing first name failed", "error", err)
		}
	}
	if profile.LastName != "" {
		if err := l.store.SetAttribute(ctx, user.ID, store.AttrLastName, profile.LastName); err != nil {
			l.log.WarnContext(ctx, "storing last name failed", "error", err)
		}
	}

	l.enrichAvatar(ctx, user.ID, profile)

	l.log.InfoContext(ctx, "registered new identity",
		"provider", profile.Provider, "username", user.Username)
	if l.metrics != nil {
		l.metrics.RecordRegistration(profile.Provider)
	}

	return user, nil
}

// backfillAttribute sets an attribute only when it is currently empty.
func (l *Linker) backfillAttribute(ctx context.Context, userID uuid.UUID, key, value string) {
	if value == "" {
		return
	}
	existing, err := l.store.GetAttribute(ctx, userID, key)
	if err != nil || existing != "" {
		return
	}
	if err := l.store.SetAttribute(ctx, userID, key, value); err != nil {
		l.log.WarnContext(ctx, "backfilling attribute failed", "key", key, "error", err)
	}
}

// enrichOptionalAttributes writes provider-specific extras, but only
// for attribute keys the store actually defines.
func (l *Linker) enrichOptionalAttributes(ctx context.Context, userID uuid.UUID, profile *provider.Profile) {
	for _, key := range []string{store.AttrCompany, store.AttrTitle} {
		value := profile.Extra[key]
		if value == "" {
			continue
		}
		defined, err := l.store.AttributeKeyExists(ctx, key)
		if err != nil || !defined {
			continue
		}
		if err := l.store.SetAttribute(ctx, userID, key, value); err != nil {
			l.log.WarnContext(ctx, "storing optional attribute failed", "key", key, "error", err)
		}
	}
}

// enrichAvatar downloads and stores the profile photo. Failures are
// logged and swallowed; they never abort login or registration.
func (l *Linker) enrichAvatar(ctx context.Context, userID uuid.UUID, profile *provider.Profile) {
	if l.avatars == nil || profile.PhotoURL == "" {
		return
	}

	if err := l.avatars.Fetch(ctx, userID, profile.PhotoURL); err != nil {
		l.log.WarnContext(ctx, "avatar fetch failed",
			"provider", profile.Provider, "error", err)
		if l.metrics != nil {
			l.metrics.RecordAvatarFetchFailure(profile.Provider)
		}
		return
	}

	if err := l.store.SetHasAvatar(ctx, userID, true); err != nil {
		l.log.WarnContext(ctx, "setting avatar flag failed", "error", err)
	}
}

func (l *Linker) recordOutcome(providerName, outcome string) {
	if l.metrics != nil {
		l.metrics.RecordResolution(providerName, outcome)
	}
}

// publish publishes an event if the events client is available.
func (l *Linker) publish(ctx context.Context, subject, providerName, userID string, data map[string]any) {
	if l.events == nil || !l.events.IsConnected() {
		return
	}
	// Fire and forget - don't block on event publishing
	go func() {
		_ = l.events.PublishFlowEvent(context.Background(), subject, providerName, userID, data)
	}()
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// randomPasswordHash returns a bcrypt hash of random bytes. The
// password is unusable: nobody ever learns the plaintext.
func randomPasswordHash() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.StdEncoding.EncodeToString(b)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
