// Package auth validates bearer JWTs presented by gateway clients.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultUsername        = "unknown"
	defaultPermissionLevel = 1
)

// ErrAuthFailed is wrapped by every validation failure.
var ErrAuthFailed = errors.New("authentication failed")

// ErrNoKeyMaterial is returned when neither a public key nor a secret is configured.
var ErrNoKeyMaterial = errors.New("no JWT public key path or secret configured")

// Failure reasons reported by AuthError.
const (
	ReasonExpired          = "expired"
	ReasonInvalidSignature = "invalid_signature"
	ReasonMalformed        = "malformed"
	ReasonMissingSubject   = "missing_subject"
	ReasonInvalid          = "invalid"
)

// AuthError describes why a token was rejected.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAuthFailed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAuthFailed, e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAuthFailed}
	}
	return []error{ErrAuthFailed, e.Err}
}

// Claims are the JWT claims consumed by the gateway.
type Claims struct {
	Username        string   `json:"username,omitempty"`
	Email           string   `json:"email,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	PermissionLevel *int     `json:"permission_level,omitempty"`
	jwt.RegisteredClaims
}

// AuthenticatedUser is derived from validated claims and never mutated.
type AuthenticatedUser struct {
	UserID          string
	Username        string
	Email           string
	Roles           []string
	PermissionLevel int
}

// HasRole reports whether the user carries the given role.
func (u *AuthenticatedUser) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Validator checks token signatures and expiry.
type Validator struct {
	method jwt.SigningMethod
	key    any
	parser *jwt.Parser
}

// NewRSAValidator builds an RS256 validator from a PEM encoded public key.
func NewRSAValidator(publicKeyPEM []byte) (*Validator, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key: %w", err)
	}
	return newValidator(jwt.SigningMethodRS256, key), nil
}

// NewRSAValidatorFromFile loads the public key once from path.
func NewRSAValidatorFromFile(path string) (*Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key %s: %w", path, err)
	}
	return NewRSAValidator(data)
}

// NewHMACValidator builds an HS256 validator from a shared secret.
func NewHMACValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, ErrNoKeyMaterial
	}
	return newValidator(jwt.SigningMethodHS256, secret), nil
}

// NewFromConfig prefers the RSA public key when a path is set and falls back
// to the HMAC secret otherwise.
func NewFromConfig(publicKeyPath, secret string) (*Validator, error) {
	if publicKeyPath != "" {
		return NewRSAValidatorFromFile(publicKeyPath)
	}
	if secret != "" {
		return NewHMACValidator([]byte(secret))
	}
	return nil, ErrNoKeyMaterial
}

func newValidator(method jwt.SigningMethod, key any) *Validator {
	return &Validator{
		method: method,
		key:    key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Algorithm returns the accepted signing algorithm.
func (v *Validator) Algorithm() string {
	return v.method.Alg()
}

// Validate verifies the token and maps its claims to an AuthenticatedUser.
func (v *Validator) Validate(token string) (*AuthenticatedUser, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &AuthError{Reason: ReasonMalformed}
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, &AuthError{Reason: reasonFor(err), Err: err}
	}
	if !parsed.Valid {
		return nil, &AuthError{Reason: ReasonInvalid}
	}
	if claims.Subject == "" {
		return nil, &AuthError{Reason: ReasonMissingSubject}
	}

	return claims.user(), nil
}

func (c *Claims) user() *AuthenticatedUser {
	u := &AuthenticatedUser{
		UserID:          c.Subject,
		Username:        c.Username,
		Email:           c.Email,
		Roles:           append([]string(nil), c.Roles...),
		PermissionLevel: defaultPermissionLevel,
	}
	if u.Username == "" {
		u.Username = defaultUsername
	}
	if c.PermissionLevel != nil {
		u.PermissionLevel = *c.PermissionLevel
	}
	return u
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	}
	return ReasonInvalid
}

// ExtractBearer returns the token from an "Authorization: Bearer <token>" header value.
func ExtractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
