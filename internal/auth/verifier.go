// Package auth turns bearer tokens issued by the surrounding platform into
// an Identity. Only the user id and the privileged flag are consumed.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vodpipe/internal/errs"
)

// AdminRole grants access to the operational listing endpoints.
const AdminRole = "admin"

// Identity is the authenticated caller. UserID is opaque.
type Identity struct {
	UserID string
	Admin  bool
}

// Claims is the token payload. The subject carries the user id.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

type VerifierConfig struct {
	Secret   string
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
	Now    func() time.Time
}

// Verifier validates HS256 tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
	now      func() time.Time
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errs.New(errs.FatalConfig, "jwt secret is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
		now:      now,
	}, nil
}

// Verify parses token and returns the identity it asserts.
func (v *Verifier) Verify(token string) (Identity, error) {
	if strings.TrimSpace(token) == "" {
		return Identity{}, errs.New(errs.Unauthenticated, "missing bearer token")
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, errs.Wrap(errs.Unauthenticated, err, "token expired")
		default:
			return Identity{}, errs.Wrap(errs.Unauthenticated, err, "invalid token")
		}
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, errs.New(errs.Unauthenticated, "token has no subject")
	}
	identity := Identity{UserID: subject}
	for _, role := range claims.Roles {
		if strings.EqualFold(strings.TrimSpace(role), AdminRole) {
			identity.Admin = true
		}
	}
	return identity, nil
}

// Issue signs a token for identity valid for ttl. It is used by tooling
// and tests; production tokens come from the platform's identity service.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return "", errs.New(errs.Validation, "user id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	if identity.Admin {
		claims.Roles = []string{AdminRole}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

type contextKey string

const identityContextKey contextKey = "identity"

// ContextWithIdentity stores identity in ctx.
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}
