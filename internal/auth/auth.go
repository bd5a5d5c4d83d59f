// Package auth provides JWT issuance and Echo middleware for operator authentication.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/identity"
)

// ErrNoIdentity is returned when a request context carries no parsed token.
var ErrNoIdentity = errors.New("no authenticated identity in request")

// Claims is the JWT payload: operator id in Subject plus role and tenant.
type Claims struct {
	Role   string `json:"role"`
	Tenant string `json:"tenant"`
	jwt.RegisteredClaims
}

// GenerateToken signs a JWT for the given operator, returning the token and its expiry.
func GenerateToken(op identity.Operator, secret string, expiresIn time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := Claims{
		Role:   op.Role,
		Tenant: op.Tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// JWTMiddleware returns Echo middleware validating bearer tokens, skipping paths per skipper.
func JWTMiddleware(secret string, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(secret),
		Skipper:    skipper,
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(Claims)
		},
	})
}

// FromContext resolves the operator identity from a validated request token.
func FromContext(c echo.Context) (identity.Operator, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return identity.Operator{}, ErrNoIdentity
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return identity.Operator{}, ErrNoIdentity
	}
	return identity.Operator{
		ID:     claims.Subject,
		Role:   claims.Role,
		Tenant: claims.Tenant,
	}, nil
}
