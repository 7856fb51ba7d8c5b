package adminauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	priv, _, err := GenerateRSAKeyPair()
	require.NoError(t, err)
	mgr, err := NewManager(priv)
	require.NoError(t, err)
	return mgr
}

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	token, err := mgr.GenerateToken("operator-1", "policy:reload", time.Minute)
	require.NoError(t, err)

	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", claims.Subject)
	assert.True(t, claims.HasScope("policy:reload"))
	assert.False(t, claims.HasScope("signature:unban"))
}

func TestAdminSuperscope(t *testing.T) {
	mgr := newTestManager(t)
	token, err := mgr.GenerateToken("root", "admin", time.Minute)
	require.NoError(t, err)

	claims, err := mgr.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.HasScope("policy:reload"))
	assert.True(t, claims.HasScope("abuse:read"))
}

func TestExpiredTokenRejected(t *testing.T) {
	mgr := newTestManager(t)
	token, err := mgr.GenerateToken("operator-1", "abuse:read", -time.Minute)
	require.NoError(t, err)

	_, err = mgr.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenFromDifferentKeyRejected(t *testing.T) {
	issuer := newTestManager(t)
	verifier := newTestManager(t)

	token, err := issuer.GenerateToken("operator-1", "abuse:read", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGarbageTokenRejected(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Validate("not.a.jwt")
	assert.Error(t, err)
}
