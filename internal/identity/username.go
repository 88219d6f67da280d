package identity

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
)

// maxUsernameAttempts bounds the suffix search so a pathological store
// cannot spin the loop forever.
const maxUsernameAttempts = 1000

// generateUsername derives a free username from the profile name:
// the lowercased concatenation of first and last name with whitespace
// removed, then name1, name2 and so on until a free one is found.
func (l *Linker) generateUsername(ctx context.Context, profile *provider.Profile) (string, error) {
	base := usernameBase(profile)

	for i := 0; i < maxUsernameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate += strconv.Itoa(i)
		}

		_, err := l.store.FindByUsername(ctx, candidate)
		if errors.IsCode(err, errors.CodeNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		if l.metrics != nil {
			l.metrics.RecordUsernameCollision()
		}
	}

	return "", errors.UsernameExhausted("no free username for base " + base)
}

// usernameBase builds the suffix-free candidate. Profiles without any
// name fall back to the provider name plus external id so the result
// is never empty.
func usernameBase(profile *provider.Profile) string {
	base := stripSpace(strings.ToLower(profile.FirstName + profile.LastName))
	if base == "" {
		base = sanitize(strings.ToLower(profile.Provider + profile.ExternalID))
	}
	return base
}

// stripSpace removes all whitespace, including interior runs.
func stripSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sanitize keeps only lowercase letters and digits.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
