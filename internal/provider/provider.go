// Package provider implements the identity provider gateway contract.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/carlossalguero/socialgate/internal/shared/errors"
	"github.com/carlossalguero/socialgate/internal/store"
)

// Provider names supported out of the box.
const (
	NameFacebook = "facebook"
	NameGoogle   = "google"
	NameLinkedIn = "linkedin"
	NameTwitter  = "twitter"
)

// Provider defines the interface for identity providers.
type Provider interface {
	// Name returns the provider name (e.g., "facebook", "google").
	Name() string

	// GetAuthURL returns the URL to redirect users for authentication.
	GetAuthURL(state string) string

	// Exchange exchanges an authorization code for a verified external profile.
	Exchange(ctx context.Context, code string) (*Profile, error)
}

// Profile represents the verified external profile returned by a provider.
// It lives for a single authentication request.
type Profile struct {
	Provider   string
	ExternalID string
	FirstName  string
	LastName   string
	Email      string
	PhotoURL   string
	RawToken   string
	// Extra holds provider-specific fields, e.g. company/title for LinkedIn.
	Extra map[string]string
}

// Config is the base configuration for providers.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry, replacing any previous
// provider with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, errors.ProviderNotConfigured("unknown provider: " + name)
	}
	return p, nil
}

// Names returns the names of all registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configure (re)builds providers from the stored credentials. Providers
// with no credentials row are left unregistered. The redirect URL for
// each provider is <callbackBase>/login/<name>.
func (r *Registry) Configure(creds []store.ProviderCredential, callbackBase string) {
	for _, c := range creds {
		cfg := Config{
			ClientID:     c.APIKey,
			ClientSecret: c.APISecret,
			RedirectURL:  callbackBase + "/login/" + c.Provider,
			Scopes:       c.Scopes,
		}

		switch c.Provider {
		case NameFacebook:
			r.Register(NewFacebook(cfg))
		case NameGoogle:
			r.Register(NewGoogle(cfg))
		case NameLinkedIn:
			r.Register(NewLinkedIn(cfg))
		case NameTwitter:
			r.Register(NewTwitter(cfg))
		}
	}
}
