package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It returns an error wrapping ErrUnauthorized or ErrInsufficientScope when
// the token is rejected.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// BearerToken extracts the token from an Authorization: Bearer header. A
// missing header yields ("", nil); a malformed one yields ErrUnauthorized.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	}
	return strings.TrimSpace(tok), nil
}

// Challenge is an HTTP status plus the WWW-Authenticate header value to send
// with it.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

// Write sends the challenge.
func (c Challenge) Write(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	http.Error(w, http.StatusText(c.Status), c.Status)
}

// ChallengeFor maps an authentication outcome to the Bearer challenge a
// client should receive. A missing token gets a bare challenge, a rejected
// token gets invalid_token and a scope failure gets insufficient_scope.
func ChallengeFor(realm string, missing bool, err error) Challenge {
	switch {
	case missing:
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm)}
	case errors.Is(err, ErrInsufficientScope):
		return Challenge{Status: http.StatusForbidden, WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm)}
	default:
		return Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm)}
	}
}
