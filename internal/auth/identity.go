// Package auth bridges the external identity provider into the sync engine.
// The engine never validates tokens itself; it holds whatever session token
// the provider issued and reads the claims it needs for the handshake.
// Signature verification is the server's job.
package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/civicly/chatsync/internal/errs"
)

// Claims are the token claims the engine cares about.
type Claims struct {
	jwt.RegisteredClaims
	GivenName string `json:"given_name"`
	Email     string `json:"email"`
}

// Identity is a resolved session: the token to present to the server and the
// user id it was issued for.
type Identity struct {
	UserID   string
	UserName string
	Token    string
}

// TokenSource supplies the current session token. Implementations may
// refresh behind the scenes; the engine re-resolves on every reconnect.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed, pre-issued token.
type StaticToken string

func (s StaticToken) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", &errs.ValidationError{Field: "token", Reason: "empty"}
	}
	return string(s), nil
}

// Resolve reads the identity out of the source's current token.
func Resolve(ctx context.Context, src TokenSource) (Identity, error) {
	token, err := src.Token(ctx)
	if err != nil {
		return Identity{}, err
	}

	claims, err := ParseClaims(token)
	if err != nil {
		return Identity{}, err
	}
	if claims.Subject == "" {
		return Identity{}, &errs.ValidationError{Field: "sub", Reason: "missing subject claim"}
	}

	return Identity{
		UserID:   claims.Subject,
		UserName: claims.GivenName,
		Token:    token,
	}, nil
}

// ParseClaims decodes the claims of a JWT without verifying its signature.
func ParseClaims(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, &errs.ValidationError{Field: "token", Reason: "empty"}
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, &errs.ValidationError{Field: "token", Reason: err.Error()}
	}
	return claims, nil
}
