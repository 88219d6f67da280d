package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/socialgate/internal/provider"
	"github.com/carlossalguero/socialgate/internal/session"
	"github.com/carlossalguero/socialgate/internal/shared/errors"
	"github.com/carlossalguero/socialgate/internal/store"
)

// fakeAccounts is an in-memory Accounts implementation.
type fakeAccounts struct {
	mu        sync.Mutex
	users     map[uuid.UUID]*store.User
	usernames map[string]uuid.UUID
	attrs     map[uuid.UUID]map[string]string
	keys      map[string]bool

	// failCreates makes the next N CreateUser calls fail with
	// ALREADY_EXISTS while still claiming the username, simulating a
	// concurrent registration winning the race.
	failCreates int
	// hideAttrLookups makes the next N FindByAttribute calls miss,
	// simulating a lookup that ran before a concurrent write landed.
	hideAttrLookups int

	createCalls int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		users:     make(map[uuid.UUID]*store.User),
		usernames: make(map[string]uuid.UUID),
		attrs:     make(map[uuid.UUID]map[string]string),
		keys:      make(map[string]bool),
	}
}

func (f *fakeAccounts) addUser(username string, attrs map[string]string) *store.User {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := &store.User{ID: uuid.New(), Username: username, CreatedAt: time.Now()}
	f.users[u.ID] = u
	f.usernames[username] = u.ID
	f.attrs[u.ID] = make(map[string]string)
	for k, v := range attrs {
		f.attrs[u.ID][k] = v
	}
	return u
}

func (f *fakeAccounts) CreateUser(_ context.Context, user *store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if _, taken := f.usernames[user.Username]; taken {
		return errors.AlreadyExists("username taken")
	}
	if f.failCreates > 0 {
		f.failCreates--
		f.usernames[user.Username] = uuid.New()
		return errors.AlreadyExists("username taken")
	}

	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	f.users[user.ID] = user
	f.usernames[user.Username] = user.ID
	f.attrs[user.ID] = make(map[string]string)
	return nil
}

func (f *fakeAccounts) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[id]
	if !ok {
		return nil, errors.NotFound("user not found")
	}
	return u, nil
}

func (f *fakeAccounts) FindByUsername(_ context.Context, username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.usernames[username]
	if !ok {
		return nil, errors.NotFound("user not found")
	}
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return &store.User{ID: id, Username: username}, nil
}

func (f *fakeAccounts) FindByAttribute(_ context.Context, key, value string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hideAttrLookups > 0 {
		f.hideAttrLookups--
		return nil, errors.NotFound("user not found")
	}
	for id, attrs := range f.attrs {
		if attrs[key] == value {
			return f.users[id], nil
		}
	}
	return nil, errors.NotFound("user not found")
}

func (f *fakeAccounts) GetAttribute(_ context.Context, userID uuid.UUID, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs[userID][key], nil
}

func (f *fakeAccounts) SetAttribute(_ context.Context, userID uuid.UUID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.HasSuffix(key, "_id") {
		for other, attrs := range f.attrs {
			if other != userID && attrs[key] == value {
				return errors.AlreadyExists("attribute value taken")
			}
		}
	}
	if f.attrs[userID] == nil {
		f.attrs[userID] = make(map[string]string)
	}
	f.attrs[userID][key] = value
	return nil
}

func (f *fakeAccounts) AttributeKeyExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[key], nil
}

func (f *fakeAccounts) SetHasAvatar(_ context.Context, userID uuid.UUID, has bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[userID]
	if !ok {
		return errors.NotFound("user not found")
	}
	u.HasAvatar = has
	return nil
}

// fakeBinder records bind calls and optionally fails.
type fakeBinder struct {
	mu    sync.Mutex
	binds []string
	err   error
}

func (f *fakeBinder) Bind(_ context.Context, userID uuid.UUID, providerName string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	f.binds = append(f.binds, userID.String())
	return &session.Session{
		ID:        uuid.NewString(),
		UserID:    userID.String(),
		Provider:  providerName,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func newTestLinker(accounts *fakeAccounts, binder *fakeBinder) *Linker {
	return New(Config{Store: accounts, Sessions: binder})
}

func annLeeProfile() *provider.Profile {
	return &provider.Profile{
		Provider:   provider.NameFacebook,
		ExternalID: "123456",
		FirstName:  "Ann",
		LastName:   "Lee",
		Email:      "ann@example.com",
	}
}

func TestResolveRegistersNewIdentity(t *testing.T) {
	accounts := newFakeAccounts()
	binder := &fakeBinder{}
	linker := newTestLinker(accounts, binder)

	result, err := linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRegistered, result.Outcome)
	assert.Equal(t, "annlee", result.User.Username)
	assert.NotNil(t, result.Session)
	assert.Equal(t, result.User.ID.String(), result.Session.UserID)

	assert.True(t, strings.HasSuffix(result.User.Email, ".social.registration@noemail.com"))
	assert.NotEmpty(t, result.User.PasswordHash)

	ctx := context.Background()
	got, _ := accounts.GetAttribute(ctx, result.User.ID, "facebook_id")
	assert.Equal(t, "123456", got)
	first, _ := accounts.GetAttribute(ctx, result.User.ID, store.AttrFirstName)
	assert.Equal(t, "Ann", first)
	last, _ := accounts.GetAttribute(ctx, result.User.ID, store.AttrLastName)
	assert.Equal(t, "Lee", last)
}

func TestResolveLogsInExistingIdentity(t *testing.T) {
	accounts := newFakeAccounts()
	existing := accounts.addUser("annlee", map[string]string{"facebook_id": "123456"})
	binder := &fakeBinder{}
	linker := newTestLinker(accounts, binder)

	result, err := linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeLogin, result.Outcome)
	assert.Equal(t, existing.ID, result.User.ID)
	assert.Len(t, accounts.users, 1)

	// Repeat callbacks stay logins; no second account appears.
	result, err = linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogin, result.Outcome)
	assert.Len(t, accounts.users, 1)
	assert.Len(t, binder.binds, 2)
}

func TestResolveSuffixesTakenUsername(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.addUser("annlee", map[string]string{"facebook_id": "999"})
	linker := newTestLinker(accounts, &fakeBinder{})

	result, err := linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRegistered, result.Outcome)
	assert.Equal(t, "annlee1", result.User.Username)
}

func TestResolveRetriesCreateOnRace(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.failCreates = 1
	linker := newTestLinker(accounts, &fakeBinder{})

	result, err := linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.NoError(t, err)

	// First create lost the race for "annlee"; the retry advanced.
	assert.Equal(t, "annlee1", result.User.Username)
	assert.Equal(t, 2, accounts.createCalls)
}

func TestResolveLinksToCurrentUser(t *testing.T) {
	accounts := newFakeAccounts()
	current := accounts.addUser("existing", nil)
	binder := &fakeBinder{}
	linker := newTestLinker(accounts, binder)

	result, err := linker.Resolve(context.Background(), annLeeProfile(), current)
	require.NoError(t, err)

	assert.Equal(t, OutcomeLinked, result.Outcome)
	assert.Equal(t, current.ID, result.User.ID)
	assert.Nil(t, result.Session, "linking must not rebind the session")
	assert.Empty(t, binder.binds)
	assert.Len(t, accounts.users, 1, "linking must not create an account")

	got, _ := accounts.GetAttribute(context.Background(), current.ID, "facebook_id")
	assert.Equal(t, "123456", got)
}

func TestResolveLinkBackfillsOnlyEmptyNames(t *testing.T) {
	accounts := newFakeAccounts()
	current := accounts.addUser("existing", map[string]string{
		store.AttrFirstName: "Original",
	})
	linker := newTestLinker(accounts, &fakeBinder{})

	_, err := linker.Resolve(context.Background(), annLeeProfile(), current)
	require.NoError(t, err)

	ctx := context.Background()
	first, _ := accounts.GetAttribute(ctx, current.ID, store.AttrFirstName)
	assert.Equal(t, "Original", first, "existing names stay untouched")
	last, _ := accounts.GetAttribute(ctx, current.ID, store.AttrLastName)
	assert.Equal(t, "Lee", last, "missing names are backfilled")
}

func TestResolveLinkConflictsWithOtherAccount(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.addUser("owner", map[string]string{"facebook_id": "123456"})
	current := accounts.addUser("claimer", nil)
	linker := newTestLinker(accounts, &fakeBinder{})

	_, err := linker.Resolve(context.Background(), annLeeProfile(), current)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAlreadyExists))
}

func TestResolveConcurrentRegistrationFallsBackToLogin(t *testing.T) {
	accounts := newFakeAccounts()
	winner := accounts.addUser("annlee", map[string]string{"facebook_id": "123456"})
	// The initial lookup misses, as if the winner's write had not
	// landed yet; SetAttribute then rejects the duplicate identity.
	accounts.hideAttrLookups = 1
	linker := newTestLinker(accounts, &fakeBinder{})

	result, err := linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeLogin, result.Outcome)
	assert.Equal(t, winner.ID, result.User.ID)
}

func TestResolveBindFailureAfterRegister(t *testing.T) {
	accounts := newFakeAccounts()
	binder := &fakeBinder{err: errors.Internal("redis down")}
	linker := newTestLinker(accounts, binder)

	_, err := linker.Resolve(context.Background(), annLeeProfile(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodePostRegistrationLogin))
	// The identity was still created; the next callback logs it in.
	assert.Len(t, accounts.users, 1)
}

func TestResolveRejectsMissingExternalID(t *testing.T) {
	linker := newTestLinker(newFakeAccounts(), &fakeBinder{})

	_, err := linker.Resolve(context.Background(), &provider.Profile{Provider: provider.NameGoogle}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidInput))

	_, err = linker.Resolve(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestResolveEmptyNameFallback(t *testing.T) {
	accounts := newFakeAccounts()
	linker := newTestLinker(accounts, &fakeBinder{})

	result, err := linker.Resolve(context.Background(), &provider.Profile{
		Provider:   provider.NameTwitter,
		ExternalID: "9001",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "twitter9001", result.User.Username)
}

func TestResolveLinkedInOptionalAttributes(t *testing.T) {
	accounts := newFakeAccounts()
	accounts.keys[store.AttrCompany] = true
	current := accounts.addUser("existing", nil)
	linker := newTestLinker(accounts, &fakeBinder{})

	profile := &provider.Profile{
		Provider:   provider.NameLinkedIn,
		ExternalID: "li-1",
		FirstName:  "Ann",
		LastName:   "Lee",
		Extra: map[string]string{
			store.AttrCompany: "Acme",
			store.AttrTitle:   "Engineer",
		},
	}

	_, err := linker.Resolve(context.Background(), profile, current)
	require.NoError(t, err)

	ctx := context.Background()
	company, _ := accounts.GetAttribute(ctx, current.ID, store.AttrCompany)
	assert.Equal(t, "Acme", company)
	title, _ := accounts.GetAttribute(ctx, current.ID, store.AttrTitle)
	assert.Empty(t, title, "undefined attribute keys are skipped")
}

func TestResolveAvatarFailureDoesNotAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	accounts := newFakeAccounts()
	fetcher, err := NewAvatarFetcher(AvatarConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	linker := New(Config{Store: accounts, Sessions: &fakeBinder{}, Avatars: fetcher})

	profile := annLeeProfile()
	profile.PhotoURL = srv.URL + "/photo.jpg"

	result, err := linker.Resolve(context.Background(), profile, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRegistered, result.Outcome)
	assert.False(t, result.User.HasAvatar)
}

func TestResolveStoresAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	accounts := newFakeAccounts()
	dir := t.TempDir()
	fetcher, err := NewAvatarFetcher(AvatarConfig{Dir: dir})
	require.NoError(t, err)

	linker := New(Config{Store: accounts, Sessions: &fakeBinder{}, Avatars: fetcher})

	profile := annLeeProfile()
	profile.PhotoURL = srv.URL + "/photo.jpg"

	result, err := linker.Resolve(context.Background(), profile, nil)
	require.NoError(t, err)
	assert.True(t, result.User.HasAvatar)

	data, err := os.ReadFile(fetcher.Path(result.User.ID))
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}
