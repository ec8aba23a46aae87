package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
)

// Config controls JWT access token validation.
type Config struct {
	// Issuer is the expected "iss" claim. When JWKSURI is empty the key set
	// is located through OpenID Connect discovery on this URL.
	Issuer string `env:"AUTH_ISSUER"`
	// Audience is the expected "aud" claim, typically the public MCP endpoint.
	Audience string `env:"AUTH_AUDIENCE"`
	// JWKSURI skips discovery and reads keys from this URL.
	JWKSURI string `env:"AUTH_JWKS_URI"`
	// RequiredScopes must all appear in the space-delimited "scope" claim.
	RequiredScopes []string `env:"AUTH_REQUIRED_SCOPES"`
	// AllowedAlgs restricts signing algorithms. Defaults to RS256.
	AllowedAlgs []string      `env:"AUTH_ALLOWED_ALGS"`
	Leeway      time.Duration `env:"AUTH_LEEWAY,default=60s"`
}

// JWTAuthenticator verifies signed JWT access tokens.
type JWTAuthenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator builds an authenticator from cfg. It performs discovery
// and the first JWKS fetch before returning.
func NewJWTAuthenticator(ctx context.Context, cfg Config) (*JWTAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	jwksURI := cfg.JWKSURI
	if jwksURI == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("auth: oidc discovery: %w", err)
		}
		var meta struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("auth: invalid discovery metadata: %w", err)
		}
		if meta.JWKSURI == "" {
			return nil, errors.New("auth: discovery metadata has no jwks_uri")
		}
		jwksURI = meta.JWKSURI
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks init: %w", err)
	}
	return newJWTAuthenticator(cfg, kf.Keyfunc), nil
}

// NewJWTAuthenticatorFromEnv reads Config from AUTH_* environment variables.
func NewJWTAuthenticatorFromEnv(ctx context.Context) (*JWTAuthenticator, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("auth: decode env: %w", err)
	}
	return NewJWTAuthenticator(ctx, cfg)
}

// NewJWTAuthenticatorWithKeySet validates against a fixed JWKS document.
func NewJWTAuthenticatorWithKeySet(cfg Config, jwks json.RawMessage) (*JWTAuthenticator, error) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		return nil, fmt.Errorf("auth: parse jwks: %w", err)
	}
	return newJWTAuthenticator(cfg, kf.Keyfunc), nil
}

func newJWTAuthenticator(cfg Config, kf jwt.Keyfunc) *JWTAuthenticator {
	return &JWTAuthenticator{
		cfg: cfg,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf(t)
		},
	}
}

// CheckAuthentication verifies the signature and the iss, aud, exp and scope
// claims, and returns the token subject as the user.
func (a *JWTAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tok, claims, a.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if len(a.cfg.RequiredScopes) > 0 {
		scope, _ := claims["scope"].(string)
		have := strings.Fields(scope)
		for _, want := range a.cfg.RequiredScopes {
			if !slices.Contains(have, want) {
				return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
			}
		}
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
