package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateValidate(t *testing.T) {
	svc := NewJWTService("secret", 1)
	id := uuid.New()

	tok, err := svc.Generate(id, "host")
	require.NoError(t, err)

	claims, err := svc.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, "host", claims.Role)

	_, err = NewJWTService("other", 1).Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	svc := NewJWTService("secret", -1)
	tok, err := svc.Generate(uuid.New(), "client")
	require.NoError(t, err)
	_, err = svc.Validate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}
