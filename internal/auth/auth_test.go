package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/archon/internal/catalog"
	"github.com/fyrsmithlabs/archon/internal/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "archon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	issuer, err := NewTokenIssuer(testSecret, time.Minute, time.Hour)
	require.NoError(t, err)
	return NewService(store, issuer, logging.NewNop())
}

func TestFirstUserBecomesAdmin(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	// The bootstrap account is admin regardless of the requested role.
	u, err := s.Register(ctx, "alice", "correcthorse", RoleViewer, false)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)

	// Afterwards anonymous registration is closed.
	_, err = s.Register(ctx, "bob", "correcthorse", RoleViewer, false)
	assert.ErrorIs(t, err, ErrRegistrationClosed)

	// Admins can create further accounts with explicit roles.
	u2, err := s.Register(ctx, "bob", "correcthorse", RoleAnalyst, true)
	require.NoError(t, err)
	assert.Equal(t, RoleAnalyst, u2.Role)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	_, err := s.Register(ctx, "", "correcthorse", "", false)
	assert.Error(t, err)
	_, err = s.Register(ctx, "alice", "short", "", false)
	assert.Error(t, err)

	_, err = s.Register(ctx, "alice", "correcthorse", "", false)
	require.NoError(t, err)
	_, err = s.Register(ctx, "alice", "correcthorse", RoleViewer, true)
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = s.Register(ctx, "eve", "correcthorse", "superuser", true)
	assert.Error(t, err)
}

func TestLoginAndVerify(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_, err := s.Register(ctx, "alice", "correcthorse", "", false)
	require.NoError(t, err)

	pair, user, err := s.Login(ctx, "alice", "correcthorse")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(60), pair.ExpiresIn)

	claims, err := s.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, user.ID, claims.UserID())

	// Wrong password and unknown user fail identically.
	_, _, err = s.Login(ctx, "alice", "wrongpassword")
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, _, err = s.Login(ctx, "mallory", "whatever")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestRefreshTokenFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	_, err := s.Register(ctx, "alice", "correcthorse", "", false)
	require.NoError(t, err)
	pair, _, err := s.Login(ctx, "alice", "correcthorse")
	require.NoError(t, err)

	fresh, err := s.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.AccessToken)

	// An access token is not accepted as a refresh token, nor vice versa.
	_, err = s.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.VerifyAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForgedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Minute, time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer("another-secret-of-decent-length!", time.Minute, time.Hour)
	require.NoError(t, err)

	pair, err := other.Issue(1, "mallory", RoleAdmin)
	require.NoError(t, err)
	_, err = issuer.Verify(pair.AccessToken, TokenAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Verify("not.a.token", TokenAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Millisecond, time.Hour)
	require.NoError(t, err)
	pair, err := issuer.Issue(1, "alice", RoleViewer)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = issuer.Verify(pair.AccessToken, TokenAccess)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAtLeast(RoleAdmin, RoleViewer))
	assert.True(t, RoleAtLeast(RoleAdmin, RoleAdmin))
	assert.True(t, RoleAtLeast(RoleAnalyst, RoleViewer))
	assert.False(t, RoleAtLeast(RoleViewer, RoleAnalyst))
	assert.False(t, RoleAtLeast("", RoleViewer))
	assert.False(t, RoleAtLeast("other", RoleViewer))
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokenIssuer("short", time.Minute, time.Hour)
	assert.Error(t, err)
}
