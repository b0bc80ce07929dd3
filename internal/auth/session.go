package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// VerifySession validates a bearer session token and yields the human
// principal it carries. Signing method is pinned to HS256.
func VerifySession(token, secret string) (Human, error) {
	if strings.TrimSpace(secret) == "" {
		return Human{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Human{}, ErrUnauthorized
	}
	if !parsed.Valid || claims.Subject == "" {
		return Human{}, ErrUnauthorized
	}
	role := claims.Role
	if role != RoleAdmin {
		role = RoleMember
	}
	return Human{
		ID:    claims.Subject,
		Email: claims.Email,
		Role:  role,
	}, nil
}

// SignSession mints a session token. Used by the dev login endpoint, the CLI
// and tests; production deployments mint sessions in the identity service.
func SignSession(secret, subject, email, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
		Role:  role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
