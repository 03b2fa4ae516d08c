package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT authenticator.
type JWTConfig struct {
	// Issuer is the expected issuer claim in the JWT.
	Issuer string

	// SigningKey is the HMAC key used to verify JWT signatures.
	SigningKey []byte

	// RoleClaimPath is the dot-separated path to roles, e.g. "realm_access.roles".
	RoleClaimPath string

	// RolePrefix filters roles to those with this prefix.
	RolePrefix string
}

// JWTAuthenticator validates HMAC-signed bearer tokens. The subject claim
// becomes the user ID the step count is stored under.
type JWTAuthenticator struct {
	cfg       JWTConfig
	extractor *ClaimsExtractor
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("jwt issuer is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("jwt signing key is required")
	}

	extractor := DefaultClaimsExtractor()
	extractor.RoleClaimPath = cfg.RoleClaimPath
	extractor.RolePrefix = cfg.RolePrefix

	return &JWTAuthenticator{cfg: cfg, extractor: extractor}, nil
}

// Authenticate validates the JWT token and returns the principal.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, errors.New("no token found in context")
	}

	claims, err := a.parseAndValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	p := a.extractor.Extract(claims)
	if p.UserID == "" {
		return nil, errors.New("missing sub claim")
	}
	p.AuthType = AuthTypeJWT
	return p, nil
}

func (a *JWTAuthenticator) parseAndValidateToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.cfg.SigningKey, nil
	}, jwt.WithIssuer(a.cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

// Verify interface compliance.
var _ Authenticator = (*JWTAuthenticator)(nil)
