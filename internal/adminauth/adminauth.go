// Package adminauth guards the administrative surface. The deployment
// configures a single operator credential (email + bcrypt hash); successful
// login yields a short-lived HS256 bearer token.
package adminauth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "keygate"

// DefaultTTL bounds how long an operator session token stays valid.
const DefaultTTL = 15 * time.Minute

var (
	// ErrInvalidToken indicates the bearer token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnauthorized indicates bad operator credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Claims are the JWT claims carried by operator tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues and verifies operator tokens.
type Authenticator struct {
	secret       []byte
	email        string
	passwordHash string
	ttl          time.Duration
	now          func() time.Time
}

// New builds an Authenticator. The secret is required; without a configured
// email/hash pair the admin surface stays disabled and every login fails.
func New(secret, email, passwordHash string) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("adminauth: secret is not configured")
	}
	return &Authenticator{
		secret:       []byte(secret),
		email:        strings.TrimSpace(strings.ToLower(email)),
		passwordHash: strings.TrimSpace(passwordHash),
		ttl:          DefaultTTL,
		now:          time.Now,
	}, nil
}

// WithClock overrides the time source. Test use only.
func (a *Authenticator) WithClock(fn func() time.Time) *Authenticator {
	if fn != nil {
		a.now = fn
	}
	return a
}

// Enabled reports whether an operator credential is configured.
func (a *Authenticator) Enabled() bool {
	return a.email != "" && a.passwordHash != ""
}

// HashPassword hashes a plaintext operator password for configuration.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("adminauth: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IssueToken checks the operator credential and signs a session token.
func (a *Authenticator) IssueToken(email, password string) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrUnauthorized
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email != a.email {
		return "", time.Time{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrUnauthorized
	}

	now := a.now().UTC()
	expiresAt := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify validates a bearer token and returns the operator identity.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Issuer != issuer || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
