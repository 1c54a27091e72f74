package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the API trusts.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ParseJWT validates an HS256 token and returns its claims.
func ParseJWT(token string, secret []byte) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	if len(secret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SignJWT issues an HS256 token for the claims. Used by tooling and tests.
func SignJWT(claims *Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
