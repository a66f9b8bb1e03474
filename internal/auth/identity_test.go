package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicly/chatsync/internal/errs"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestResolve(t *testing.T) {
	tok := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
		GivenName:        "Ana",
		Email:            "ana@example.org",
	})

	id, err := Resolve(context.Background(), StaticToken(tok))
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ana", id.UserName)
	assert.Equal(t, tok, id.Token)
}

func TestResolve_MissingSubject(t *testing.T) {
	tok := signedToken(t, Claims{GivenName: "Nobody"})

	_, err := Resolve(context.Background(), StaticToken(tok))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestResolve_EmptyToken(t *testing.T) {
	_, err := Resolve(context.Background(), StaticToken(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestParseClaims_BearerPrefixStripped(t *testing.T) {
	tok := signedToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}})

	claims, err := ParseClaims("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
}

func TestParseClaims_Garbage(t *testing.T) {
	_, err := ParseClaims("not.a.token")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrValidation))
}
