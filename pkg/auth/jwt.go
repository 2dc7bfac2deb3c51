// Package auth issues and validates the bearer tokens that guard the
// donation API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidAPIKey is returned when a presented API key matches none configured
var ErrInvalidAPIKey = errors.New("invalid api key")

// Claims are the claims carried by an API token
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subject valid for ttl
func IssueToken(subject, scope, secret, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses tokenString and checks its signature, expiry and,
// when issuer is set, its issuer.
func ValidateToken(tokenString, secret, issuer string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// KeySet matches API keys in constant time
type KeySet struct {
	keys [][]byte
}

// NewKeySet builds a key set, skipping empty entries
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		if k != "" {
			ks.keys = append(ks.keys, []byte(k))
		}
	}
	return ks
}

// Len returns the number of configured keys
func (ks *KeySet) Len() int {
	return len(ks.keys)
}

// Validate returns the index of the matching key
func (ks *KeySet) Validate(key string) (int, error) {
	presented := []byte(key)
	match := -1
	for i, k := range ks.keys {
		if subtle.ConstantTimeCompare(presented, k) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return -1, ErrInvalidAPIKey
	}
	return match, nil
}
