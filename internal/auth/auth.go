package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider hands out the bearer token used for socket and REST calls.
// It is asked again before every connection attempt so refreshed tokens are picked up.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Expiry decodes the exp claim without verifying the signature.
// The client never holds the signing key; the server does the real verification.
// A zero time means the token carries no expiry.
func Expiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid access token format: %v", models.ErrAuth, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid exp claim: %v", models.ErrAuth, err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// Validate rejects empty, malformed and expired tokens.
func Validate(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: no access token found", models.ErrAuth)
	}
	exp, err := Expiry(token)
	if err != nil {
		return err
	}
	if !exp.IsZero() && !now.Before(exp) {
		return fmt.Errorf("%w: access token expired at %s", models.ErrAuth, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// Resolve fetches a token from the provider and validates it.
func Resolve(ctx context.Context, p TokenProvider, now time.Time) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: no token provider", models.ErrAuth)
	}
	token, err := p.Token(ctx)
	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if err := Validate(token, now); err != nil {
		return "", err
	}
	return token, nil
}
