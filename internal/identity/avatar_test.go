package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/socialgate/internal/shared/errors"
)

func TestNewAvatarFetcherRequiresDir(t *testing.T) {
	_, err := NewAvatarFetcher(AvatarConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))
}

func TestAvatarFetchOverwritesPrevious(t *testing.T) {
	body := "first"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	fetcher, err := NewAvatarFetcher(AvatarConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	userID := uuid.New()
	require.NoError(t, fetcher.Fetch(context.Background(), userID, srv.URL))

	body = "second"
	require.NoError(t, fetcher.Fetch(context.Background(), userID, srv.URL))

	data, err := os.ReadFile(fetcher.Path(userID))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestAvatarFetchRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	fetcher, err := NewAvatarFetcher(AvatarConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	err = fetcher.Fetch(context.Background(), uuid.New(), srv.URL)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAvatarFetchFailed))
}

func TestAvatarFetchCapsBodySize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	fetcher, err := NewAvatarFetcher(AvatarConfig{Dir: t.TempDir(), MaxBytes: 16})
	require.NoError(t, err)

	userID := uuid.New()
	require.NoError(t, fetcher.Fetch(context.Background(), userID, srv.URL))

	info, err := os.Stat(fetcher.Path(userID))
	require.NoError(t, err)
	assert.EqualValues(t, 16, info.Size())
}
