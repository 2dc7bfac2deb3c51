// Package secrets resolves key material from the environment or a secret store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

var ErrNotFound = errors.New("secret not found")

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// EnvProvider reads secrets from environment variables
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return value, nil
}

// StaticProvider serves a fixed set of secrets, typically already loaded config
type StaticProvider map[string]string

func (p StaticProvider) GetSecret(_ context.Context, key string) (string, error) {
	value, ok := p[key]
	if !ok || value == "" {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return value, nil
}
