package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nendo-server/internal/config"
)

func testAuthService() *Service {
	cfg := config.AuthConfig{
		Secret:            "test-secret",
		TokenExpiry:       config.Duration(time.Hour),
		VerifyTokenExpiry: config.Duration(time.Hour),
		ResetTokenExpiry:  config.Duration(time.Hour),
	}
	return NewService(cfg, nil, nil, nil)
}

func TestTokenRoundTrip(t *testing.T) {
	svc := testAuthService()
	userID := uuid.New()

	token, err := svc.signToken(userID, purposeAccess, time.Hour)
	require.NoError(t, err)

	got, err := svc.parseToken(token, purposeAccess)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestTokenPurposeScoped(t *testing.T) {
	svc := testAuthService()

	token, err := svc.signToken(uuid.New(), purposeVerify, time.Hour)
	require.NoError(t, err)

	// A verify token must not pass as an access token.
	_, err = svc.parseToken(token, purposeAccess)
	assert.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := testAuthService()

	token, err := svc.signToken(uuid.New(), purposeAccess, -time.Minute)
	require.NoError(t, err)

	_, err = svc.parseToken(token, purposeAccess)
	assert.Error(t, err)
}

func TestTamperedTokenRejected(t *testing.T) {
	svc := testAuthService()

	token, err := svc.signToken(uuid.New(), purposeAccess, time.Hour)
	require.NoError(t, err)

	other := NewService(config.AuthConfig{
		Secret:      "different-secret",
		TokenExpiry: config.Duration(time.Hour),
	}, nil, nil, nil)
	_, err = other.parseToken(token, purposeAccess)
	assert.Error(t, err)
}

func TestGarbageTokenRejected(t *testing.T) {
	svc := testAuthService()
	_, err := svc.parseToken("not.a.jwt", purposeAccess)
	assert.Error(t, err)
}
