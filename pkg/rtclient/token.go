package rtclient

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the auth context for a connection attempt.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (t StaticToken) Token() (string, error) { return string(t), nil }

// TokenFunc adapts a function.
type TokenFunc func() (string, error)

func (f TokenFunc) Token() (string, error) { return f() }

// ValidToken reports whether tok looks usable at now: a JWT whose exp, if
// present, is still in the future. The signature is not checked; the server
// does that.
func ValidToken(tok string, now time.Time) bool {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return false
	}
	return true
}
