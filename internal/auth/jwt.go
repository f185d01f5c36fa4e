// Package auth validates bearer tokens and carries the caller identity
// through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/livedesk/backend/internal/apperr"
	"github.com/zhouzirui/livedesk/backend/internal/integrations/paramstore"
)

// DefaultOperatorRole is used when no operator role is configured.
const DefaultOperatorRole = "admin"

// Authenticator resolves a bearer credential into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// JWTConfig configures JWTAuthenticator.
type JWTConfig struct {
	Secret       []byte
	Issuer       string
	OperatorRole string
}

// JWTAuthenticator validates HMAC-signed JWTs.
type JWTAuthenticator struct {
	cfg JWTConfig
	now func() time.Time
}

func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: jwt secret is required")
	}
	if cfg.OperatorRole == "" {
		cfg.OperatorRole = DefaultOperatorRole
	}
	return &JWTAuthenticator{cfg: cfg, now: time.Now}, nil
}

// Authenticate parses and verifies token. Every failure is Unauthenticated.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.New(apperr.Unauthenticated, "missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.Unauthenticated, "invalid token", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Identity{}, apperr.New(apperr.Unauthenticated, "invalid token")
	}

	id := Identity{
		Name:   stringClaim(claims, "name"),
		Email:  stringClaim(claims, "email"),
		Mobile: stringClaim(claims, "mobile"),
		Roles:  rolesClaim(claims),
	}
	id.UserID, _ = claims.GetSubject()
	if id.UserID == "" {
		return Identity{}, apperr.New(apperr.Unauthenticated, "token has no subject")
	}
	id.Operator = id.HasRole(a.cfg.OperatorRole)
	return id, nil
}

// IssueToken mints a token for id. ttl <= 0 issues a non-expiring token.
func (a *JWTAuthenticator) IssueToken(id Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": now.Unix(),
	}
	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	if a.cfg.Issuer != "" {
		claims["iss"] = a.cfg.Issuer
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	if id.Mobile != "" {
		claims["mobile"] = id.Mobile
	}
	if len(id.Roles) > 0 {
		claims["roles"] = id.Roles
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ResolveSecret returns inline when set, otherwise reads paramName from
// the parameter store.
func ResolveSecret(ctx context.Context, inline, paramName string, src paramstore.SecretSource) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if paramName == "" {
		return nil, errors.New("auth: neither AUTH_JWT_SECRET nor AUTH_JWT_SECRET_PARAM is set")
	}
	if src == nil {
		return nil, errors.New("auth: no parameter store configured")
	}
	secret, err := src.Secret(ctx, paramName)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve jwt secret: %w", err)
	}
	return []byte(secret), nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return v
}

// rolesClaim accepts "roles" as an array or a single "role" string.
func rolesClaim(claims jwt.MapClaims) []string {
	var roles []string
	switch v := claims["roles"].(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	case string:
		if v != "" {
			roles = append(roles, v)
		}
	}
	if role := stringClaim(claims, "role"); role != "" {
		roles = append(roles, role)
	}
	return roles
}

var _ Authenticator = (*JWTAuthenticator)(nil)
