package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const googleProfileURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Google implements the provider contract for Google Sign-In.
type Google struct {
	config *oauth2.Config
}

type googleProfile struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Picture    string `json:"picture"`
}

// NewGoogle creates a new Google provider.
func NewGoogle(cfg Config) *Google {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{
			"openid",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		}
	}
	return &Google{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
	}
}

// Name returns the provider name.
func (p *Google) Name() string {
	return NameGoogle
}

// GetAuthURL returns the Google authorization URL.
func (p *Google) GetAuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange exchanges an authorization code for a verified profile.
func (p *Google) Exchange(ctx context.Context, code string) (*Profile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get(googleProfileURL)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("google API error: %s", string(body))
	}

	var g googleProfile
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	return &Profile{
		Provider:   NameGoogle,
		ExternalID: g.ID,
		FirstName:  g.GivenName,
		LastName:   g.FamilyName,
		Email:      g.Email,
		PhotoURL:   g.Picture,
		RawToken:   token.AccessToken,
	}, nil
}
