// README: HS256 JWT verifier used when Firebase is not configured (local and staging).
package infra

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type jwtVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) (TokenVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &jwtVerifier{secret: []byte(secret)}, nil
}

func (v *jwtVerifier) Verify(_ context.Context, raw string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("token invalid")
	}
	return &Identity{
		UID:    claims.Subject,
		Role:   claims.Role,
		Claims: map[string]interface{}{"role": claims.Role},
	}, nil
}

// IssueJWT signs a token for uid/role; used by tests and the dev token helper.
func IssueJWT(secret, uid, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
