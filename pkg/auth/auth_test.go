package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"resumevault/pkg/errs"
	"resumevault/pkg/meta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memSessions struct {
	mu   sync.Mutex
	rows map[string]meta.Session
	now  func() time.Time
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[string]meta.Session{}, now: time.Now}
}

func (m *memSessions) CreateSession(_ context.Context, s *meta.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.TokenHash] = *s
	return nil
}

func (m *memSessions) GetSession(_ context.Context, tokenHash string) (*meta.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[tokenHash]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	return &s, nil
}

func (m *memSessions) DeleteSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, tokenHash)
	return nil
}

func cheapHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *memSessions) {
	t.Helper()
	store := newMemSessions()
	a := NewAuthenticator(store, Config{
		APIToken:          "static-api-token",
		AdminEmail:        "Admin@Example.com",
		AdminPasswordHash: cheapHash(t, "admin-password"),
		SessionTTL:        time.Hour,
		Users: []User{
			{Email: "alice@example.com", PasswordHash: cheapHash(t, "alice-password")},
		},
	})
	return a, store
}

func TestAuthenticator_AdminLogin(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	res, err := a.Login(ctx, " admin@example.com ", "admin-password", RoleAdmin)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.True(t, res.Caller.IsAdmin())

	caller, err := a.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	require.True(t, caller.Valid())
	assert.Equal(t, RoleAdmin, caller.Role)
	assert.Equal(t, "admin@example.com", caller.Subject)
}

func TestAuthenticator_LoginFailures(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	cases := []struct {
		name, email, password string
		role                  Role
	}{
		{"wrong password", "admin@example.com", "nope-nope", RoleAdmin},
		{"unknown admin", "alice@example.com", "alice-password", RoleAdmin},
		{"admin via user door", "admin@example.com", "admin-password", RoleUser},
		{"empty password", "alice@example.com", "", RoleUser},
		{"bad email", "not-an-email", "alice-password", RoleUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Login(ctx, tc.email, tc.password, tc.role)
			assert.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestAuthenticator_UserLoginAndLogout(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	res, err := a.Login(ctx, "alice@example.com", "alice-password", RoleUser)
	require.NoError(t, err)

	caller, err := a.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, caller.Role)
	assert.False(t, caller.IsAdmin())

	require.NoError(t, a.Logout(ctx, res.Token))
	_, err = a.Authenticate(ctx, res.Token)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthenticator_StaticToken(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	caller, err := a.Authenticate(context.Background(), "static-api-token")
	require.NoError(t, err)
	assert.True(t, caller.IsAdmin())
}

func TestAuthenticator_AnonymousAndInvalid(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	caller, err := a.Authenticate(context.Background(), "  ")
	require.NoError(t, err)
	assert.Nil(t, caller)

	_, err = a.Authenticate(context.Background(), "forged")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAuthenticator_ExpiredSession(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	res, err := a.Login(ctx, "alice@example.com", "alice-password", RoleUser)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = a.Authenticate(ctx, res.Token)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestCaller_ZeroValueIsNotValid(t *testing.T) {
	var nilCaller *Caller
	assert.False(t, nilCaller.Valid())
	assert.False(t, nilCaller.IsAdmin())

	forged := &Caller{Subject: "admin@example.com", Role: RoleAdmin}
	assert.False(t, forged.Valid(), "hand-built callers are never validated")
	assert.False(t, forged.IsAdmin())
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

func TestPasswords(t *testing.T) {
	_, err := HashPassword("short")
	assert.Error(t, err)

	h, err := HashPassword("long-enough-password")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(h, "long-enough-password"))
	assert.False(t, VerifyPassword(h, "wrong-password"))
	assert.False(t, VerifyPassword("", "anything"))
}
