package identity

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
)

func TestUsernameBase(t *testing.T) {
	tests := []struct {
		name    string
		profile *provider.Profile
		want    string
	}{
		{
			name:    "simple name",
			profile: &provider.Profile{FirstName: "Ann", LastName: "Lee"},
			want:    "annlee",
		},
		{
			name:    "interior and surrounding whitespace stripped",
			profile: &provider.Profile{FirstName: " Mary Jane ", LastName: "van der Berg"},
			want:    "maryjanevanderberg",
		},
		{
			name:    "mixed case lowered",
			profile: &provider.Profile{FirstName: "JOHN", LastName: "McAfee"},
			want:    "johnmcafee",
		},
		{
			name:    "empty names fall back to provider and external id",
			profile: &provider.Profile{Provider: provider.NameTwitter, ExternalID: "9001"},
			want:    "twitter9001",
		},
		{
			name:    "fallback drops non-alphanumerics",
			profile: &provider.Profile{Provider: provider.NameGoogle, ExternalID: "u-42.b"},
			want:    "googleu42b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usernameBase(tt.profile))
		})
	}
}

func TestGenerateUsernameAdvancesSuffix(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.addUser("annlee", nil)
	accounts.addUser("annlee1", nil)
	accounts.addUser("annlee2", nil)
	linker := newTestLinker(accounts, &fakeBinder{})

	got, err := linker.generateUsername(context.Background(), annLeeProfile())
	require.NoError(t, err)
	assert.Equal(t, "annlee3", got)
}

func TestGenerateUsernameExhaustion(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.addUser("annlee", nil)
	for i := 1; i < maxUsernameAttempts; i++ {
		accounts.addUser(fmt.Sprintf("annlee%d", i), nil)
	}
	linker := newTestLinker(accounts, &fakeBinder{})

	_, err := linker.generateUsername(context.Background(), annLeeProfile())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeUsernameExhausted))
}
