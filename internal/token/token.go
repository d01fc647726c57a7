// Package token issues the short-lived per-user credentials the signaling
// service expects, signed with the shared application secret.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingSecret = errors.New("signaling secret is not configured")

const defaultTTL = time.Hour

// Provider mints HS256 tokens carrying the sanitized user id. A missing
// secret is a setup error: construction fails and the calling feature stays
// disabled for the session.
type Provider struct {
	apiKey string
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

func NewProvider(apiKey, secret string) (*Provider, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Provider{
		apiKey: apiKey,
		secret: []byte(secret),
		ttl:    defaultTTL,
		nowFn:  time.Now,
	}, nil
}

func (p *Provider) Token(_ context.Context, userID string) (string, error) {
	now := p.nowFn()
	claims := jwt.MapClaims{
		"user_id": userID,
		"api_key": p.apiKey,
		"iat":     now.Unix(),
		"exp":     now.Add(p.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign signaling token: %w", err)
	}
	return signed, nil
}
