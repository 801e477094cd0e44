// Package auth provides the C10 Control API authentication: a static
// bearer-token allowlist plus an optional username/password-issued JWT
// session, grounded on the teacher's applications/auth.Manager (the
// Issue/Validate pair and in-memory user map), adapted from Supabase-style
// wallet/session auth to the simpler username/password + role model
// described by pkg/config's AuthConfig/UserSpec.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/r3e-network/bpmn-graph-engine/pkg/config"
)

// ErrInvalidCredentials is returned by Authenticate on a username/password
// mismatch.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrUnconfigured is returned when no JWT secret is configured.
var ErrUnconfigured = errors.New("jwt secret not configured")

// User is a configured Control API principal.
type User struct {
	Username string
	Password string
	Role string
}

// Claims is the JWT payload issued for an authenticated session.
type Claims struct {
	Username string `json:"sub"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Validator abstracts token validation so the HTTP layer does not depend on
// a concrete Manager.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// Manager is the C10 auth manager: validates static bearer tokens and
// username/password-issued JWT sessions.
type Manager struct {
	secret []byte
	tokens map[string]struct{}
	users map[string]User
}

// New builds a Manager from AuthConfig.
func New(cfg config.AuthConfig) *Manager {
	tokens := make(map[string]struct{}, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tokens[t] = struct{}{}
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		username := strings.TrimSpace(u.Username)
		if username == "" {
			continue
		}
		role := u.Role
		if role == "" {
			role = "operator"
		}
		users[strings.ToLower(username)] = User{Username: username, Password: u.Password, Role: role}
	}
	return &Manager{secret: []byte(strings.TrimSpace(cfg.JWTSecret)), tokens: tokens, users: users}
}

// HasStaticTokens reports whether any bearer token is configured.
func (m *Manager) HasStaticTokens() bool {
	return len(m.tokens) > 0
}

// ValidToken reports whether token is one of the configured static bearer
// tokens.
func (m *Manager) ValidToken(token string) bool {
	_, ok := m.tokens[token]
	return ok
}

// Authenticate checks a username/password pair against the configured user
// list.
func (m *Manager) Authenticate(username, password string) (User, error) {
	u, ok := m.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok || strings.TrimSpace(password) == "" || u.Password != password {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Issue signs a JWT for user valid for ttl (defaulting to 24h).
func (m *Manager) Issue(user User, ttl time.Duration) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, ErrUnconfigured
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	exp := time.Now().Add(ttl)
	claims := Claims{
		Username: user.Username,
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Subject: user.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	return signed, exp, err
}

// Validate implements Validator, parsing and verifying a JWT issued by
// Issue.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, ErrUnconfigured
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
