package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/linkedin"
)

const (
	linkedinProfileURL  = "https://api.linkedin.com/v2/userinfo"
	linkedinPositionURL = "https://api.linkedin.com/v2/me?projection=(localizedHeadline,positions(elements*(companyName,title)))"
)

// LinkedIn implements the provider contract for LinkedIn.
// On top of the base profile it fetches the member's current position
// into Extra under the "company" and "title" keys.
type LinkedIn struct {
	config *oauth2.Config
}

type linkedinProfile struct {
	Sub        string `json:"sub"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`
}

type linkedinPosition struct {
	LocalizedHeadline string `json:"localizedHeadline"`
	Positions         struct {
		Elements []struct {
			CompanyName string `json:"companyName"`
			Title       string `json:"title"`
		} `json:"elements"`
	} `json:"positions"`
}

// NewLinkedIn creates a new LinkedIn provider.
func NewLinkedIn(cfg Config) *LinkedIn {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	return &LinkedIn{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     linkedin.Endpoint,
		},
	}
}

// Name returns the provider name.
func (p *LinkedIn) Name() string {
	return NameLinkedIn
}

// GetAuthURL returns the LinkedIn authorization URL.
func (p *LinkedIn) GetAuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for a verified profile.
func (p *LinkedIn) Exchange(ctx context.Context, code string) (*Profile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get(linkedinProfileURL)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("linkedin API error: %s", string(body))
	}

	var li linkedinProfile
	if err := json.NewDecoder(resp.Body).Decode(&li); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	profile := &Profile{
		Provider:   NameLinkedIn,
		ExternalID: li.Sub,
		FirstName:  li.GivenName,
		LastName:   li.FamilyName,
		Email:      li.Email,
		PhotoURL:   li.Picture,
		RawToken:   token.AccessToken,
		Extra:      map[string]string{},
	}

	// Position data is enrichment only. A failed fetch leaves Extra
	// empty and never fails the exchange.
	p.fetchPosition(client, profile)

	return profile, nil
}

func (p *LinkedIn) fetchPosition(client *http.Client, profile *Profile) {
	resp, err := client.Get(linkedinPositionURL)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var pos linkedinPosition
	if err := json.NewDecoder(resp.Body).Decode(&pos); err != nil {
		return
	}

	if len(pos.Positions.Elements) > 0 {
		current := pos.Positions.Elements[0]
		if current.CompanyName != "" {
			profile.Extra["company"] = current.CompanyName
		}
		if current.Title != "" {
			profile.Extra["title"] = current.Title
		}
	}
	if profile.Extra["title"] == "" && pos.LocalizedHeadline != "" {
		profile.Extra["title"] = pos.LocalizedHeadline
	}
}
