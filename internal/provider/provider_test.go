package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/socialgate/internal/shared/errors"
	"github.com/carlossalguero/socialgate/internal/store"
)

func TestRegistry_Configure(t *testing.T) {
	r := NewRegistry()
	r.Configure([]store.ProviderCredential{
		{Provider: "facebook", APIKey: "fb-key", APISecret: "fb-secret"},
		{Provider: "google", APIKey: "g-key", APISecret: "g-secret"},
		{Provider: "linkedin", APIKey: "li-key", APISecret: "li-secret"},
		{Provider: "twitter", APIKey: "tw-key", APISecret: "tw-secret"},
		{Provider: "myspace", APIKey: "ms-key", APISecret: "ms-secret"},
	}, "https://example.com")

	assert.Equal(t, []string{"facebook", "google", "linkedin", "twitter"}, r.Names())

	p, err := r.Get("facebook")
	require.NoError(t, err)
	assert.Equal(t, "facebook", p.Name())
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("facebook")
	assert.True(t, errors.IsCode(err, errors.CodeProviderNotConfigured))
}

func TestRegistry_AuthURLContainsState(t *testing.T) {
	r := NewRegistry()
	r.Configure([]store.ProviderCredential{
		{Provider: "google", APIKey: "id", APISecret: "secret"},
	}, "https://example.com")

	p, err := r.Get("google")
	require.NoError(t, err)

	url := p.GetAuthURL("state-token-123")
	assert.Contains(t, url, "state=state-token-123")
	assert.Contains(t, url, "client_id=id")
}

func TestSplitDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		first string
		last  string
	}{
		{"two parts", "Ann Lee", "Ann", "Lee"},
		{"single part", "Ann", "Ann", ""},
		{"multi word surname", "Ann van der Lee", "Ann", "van der Lee"},
		{"empty", "", "", ""},
		{"whitespace only", "   ", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := splitDisplayName(tt.input)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
		})
	}
}
