package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
)

const facebookProfileURL = "https://graph.facebook.com/me?fields=id,first_name,last_name,email,picture.width(256)"

// Facebook implements the provider contract for Facebook Login.
type Facebook struct {
	config *oauth2.Config
}

type facebookProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Picture   struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	} `json:"picture"`
}

// NewFacebook creates a new Facebook provider.
func NewFacebook(cfg Config) *Facebook {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"email", "public_profile"}
	}
	return &Facebook{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     facebook.Endpoint,
		},
	}
}

// Name returns the provider name.
func (p *Facebook) Name() string {
	return NameFacebook
}

// GetAuthURL returns the Facebook authorization URL.
func (p *Facebook) GetAuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for a verified profile.
func (p *Facebook) Exchange(ctx context.Context, code string) (*Profile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get(facebookProfileURL)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facebook API error: %s", string(body))
	}

	var fb facebookProfile
	if err := json.NewDecoder(resp.Body).Decode(&fb); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	return &Profile{
		Provider:   NameFacebook,
		ExternalID: fb.ID,
		FirstName:  fb.FirstName,
		LastName:   fb.LastName,
		Email:      fb.Email,
		PhotoURL:   fb.Picture.Data.URL,
		RawToken:   token.AccessToken,
	}, nil
}
