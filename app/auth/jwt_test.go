package auth

import (
	"testing"

	"media-flow/app/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService() *JWTService {
	return NewJWTService(&config.Config{
		JWT: config.JWTConfig{
			Secret:     "test-secret",
			ExpireTime: 24,
			Issuer:     "media-flow",
		},
	})
}

func TestGenerateAndValidateToken(t *testing.T) {
	svc := testService()

	token, err := svc.GenerateToken(7, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "media-flow", claims.Issuer)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc := testService()
	token, err := svc.GenerateToken(1, "bob")
	require.NoError(t, err)

	other := NewJWTService(&config.Config{
		JWT: config.JWTConfig{Secret: "other-secret", ExpireTime: 24},
	})
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestRefreshTokenTooEarly(t *testing.T) {
	svc := testService()
	token, err := svc.GenerateToken(1, "bob")
	require.NoError(t, err)

	// 距过期还很久，不允许刷新
	_, err = svc.RefreshToken(token)
	assert.Error(t, err)
}
