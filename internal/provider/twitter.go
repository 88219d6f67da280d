package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const twitterProfileURL = "https://api.twitter.com/2/users/me?user.fields=profile_image_url"

// twitterEndpoint is the OAuth 2.0 endpoint for the X (Twitter) API.
var twitterEndpoint = oauth2.Endpoint{
	AuthURL:  "https://twitter.com/i/oauth2/authorize",
	TokenURL: "https://api.twitter.com/2/oauth2/token",
}

// Twitter implements the provider contract for X (Twitter).
type Twitter struct {
	config *oauth2.Config
}

type twitterProfile struct {
	Data struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
	} `json:"data"`
}

// NewTwitter creates a new Twitter provider.
func NewTwitter(cfg Config) *Twitter {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"users.read", "tweet.read"}
	}
	return &Twitter{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     twitterEndpoint,
		},
	}
}

// Name returns the provider name.
func (p *Twitter) Name() string {
	return NameTwitter
}

// GetAuthURL returns the Twitter authorization URL.
func (p *Twitter) GetAuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for a verified profile.
func (p *Twitter) Exchange(ctx context.Context, code string) (*Profile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get(twitterProfileURL)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitter API error: %s", string(body))
	}

	var tw twitterProfile
	if err := json.NewDecoder(resp.Body).Decode(&tw); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	first, last := splitDisplayName(tw.Data.Name)

	return &Profile{
		Provider:   NameTwitter,
		ExternalID: tw.Data.ID,
		FirstName:  first,
		LastName:   last,
		PhotoURL:   tw.Data.ProfileImageURL,
		RawToken:   token.AccessToken,
	}, nil
}

// splitDisplayName splits a display name into first and last parts.
// Twitter only exposes a single display name field.
func splitDisplayName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.SplitN(name, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
