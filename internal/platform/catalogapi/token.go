package catalogapi

import (
	"context"
	"errors"
	"strings"
)

// StaticToken is an access token known at startup.
type StaticToken string

// AccessToken returns the token.
func (t StaticToken) AccessToken(context.Context) (string, error) {
	token := strings.TrimSpace(string(t))
	if token == "" {
		return "", errors.New("catalogapi: access token is not configured")
	}
	return token, nil
}

// SecretResolver resolves secret references such as secret://catalog-api-token.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// SecretToken resolves the token on every call so rotations in the secret store are picked up once the
// resolver's cache expires.
type SecretToken struct {
	Resolver SecretResolver
	Ref      string
}

// AccessToken resolves the referenced secret.
func (t SecretToken) AccessToken(ctx context.Context) (string, error) {
	if t.Resolver == nil {
		return "", errors.New("catalogapi: secret resolver is not configured")
	}
	token, err := t.Resolver.Resolve(ctx, t.Ref)
	if err != nil {
		return "", err
	}
	return StaticToken(token).AccessToken(ctx)
}
