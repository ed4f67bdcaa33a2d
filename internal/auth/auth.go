// Package auth defines the AuthProvider boundary consumed by the node
// lifecycle component and a JWT-backed implementation, grounded on the
// teacher's internal/auth/jwt.go claims shape.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetforge/orchestrator/internal/apperrors"
)

// Identity is the verified principal behind a bearer token.
type Identity struct {
	UserID string
	Roles  []string
}

// Provider is the external collaborator named by spec §1/§6:
// AuthProvider.verify(token) → {userId, roles}.
type Provider interface {
	Verify(ctx context.Context, token string) (Identity, error)
	// IssueMachineToken mints a credential for a self-registering node
	// agent, used by the credential-bootstrap flow (component G).
	IssueMachineToken(ctx context.Context, userID string, roles []string) (accessToken, refreshToken string, expiresAt time.Time, err error)
}

// claims is the JWT payload shape. UserID/Roles are the only fields the
// node lifecycle needs; the teacher's jwt.go carries additional
// session-tracking claims that are out of scope for this boundary.
type claims struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTProvider implements Provider using HS256-signed tokens, matching the
// teacher's golang-jwt/jwt/v5 usage.
type JWTProvider struct {
	secret       []byte
	accessTTL    time.Duration
	refreshTTL   time.Duration
}

// NewJWTProvider constructs a JWTProvider. accessTTL/refreshTTL default to
// 1h/720h (30 days) when zero, matching the teacher's session-token
// lifetimes.
func NewJWTProvider(secret string, accessTTL, refreshTTL time.Duration) *JWTProvider {
	if accessTTL == 0 {
		accessTTL = time.Hour
	}
	if refreshTTL == 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &JWTProvider{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (p *JWTProvider) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.Unauthorized("missing token")
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, apperrors.AuthFailed("invalid or expired token")
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || c.UserID == "" {
		return Identity{}, apperrors.AuthFailed("malformed token claims")
	}

	return Identity{UserID: c.UserID, Roles: c.Roles}, nil
}

func (p *JWTProvider) IssueMachineToken(_ context.Context, userID string, roles []string) (string, string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(p.accessTTL)

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	accessToken, err := access.SignedString(p.secret)
	if err != nil {
		return "", "", time.Time{}, err
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.refreshTTL)),
		},
	})
	refreshToken, err := refresh.SignedString(p.secret)
	if err != nil {
		return "", "", time.Time{}, err
	}

	return accessToken, refreshToken, expiresAt, nil
}

var _ Provider = (*JWTProvider)(nil)
