// Package auth validates the bearer tokens presented in the websocket
// handshake frame and gates administrative operations with TOTP codes.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized marks a missing or invalid token; maps to a 401 close.
var ErrUnauthorized = errors.New("auth: invalid token")

// ErrForbidden marks a valid user lacking anchor permission; maps to a
// 403 close.
var ErrForbidden = errors.New("auth: forbidden")

// User is the authenticated principal of one connection.
type User struct {
	ID   string
	Name string
}

// Manager verifies HS256 bearer tokens.
type Manager struct {
	secret []byte
}

// NewManager creates a token manager with the shared signing secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Authenticate parses and verifies a token, returning the user carried
// in its claims.
func (m *Manager) Authenticate(token string) (*User, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	name, _ := claims["name"].(string)
	return &User{ID: sub, Name: name}, nil
}

// Issue signs a token for a user. Tooling and test helper.
func (m *Manager) Issue(user User, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID,
		"name": user.Name,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
