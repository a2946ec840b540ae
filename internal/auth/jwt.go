// Package auth issues and validates the bearer tokens the transport layer
// authenticates requests with, trimmed from the teacher's fuller
// AuthService/JWTService (login, refresh, blacklisting, 2FA — out of scope
// for an execution orchestrator that receives an already-authenticated
// request) down to the `Tokens` collaborator: issue and validate a token
// carrying {sub, email, role}.
package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload carrying the three fields the auth middleware
// and transport layer need to authorize a request.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserID parses the registered Subject claim back into a user id.
func (c Claims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// Tokens is the collaborator interface spec.md §6.3 names: issue and
// validate bearer tokens carrying {sub, email, role}.
type Tokens interface {
	Issue(userID uint, email, role string, ttl time.Duration) (string, error)
	Validate(token string) (Claims, error)
}

// JWTTokens implements Tokens with HMAC-signed JWTs.
type JWTTokens struct {
	secretKey []byte
	issuer    string
}

func NewJWTTokens(secretKey, issuer string) *JWTTokens {
	return &JWTTokens{secretKey: []byte(secretKey), issuer: issuer}
}

// Issue mints a token for userID with the given email/role, expiring after ttl.
// A zero ttl means 15 minutes.
func (j *JWTTokens) Issue(userID uint, email, role string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    j.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

// Validate parses and verifies a token, returning its claims.
func (j *JWTTokens) Validate(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return j.secretKey, nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Claims{}, errors.New("invalid token claims")
	}
	return *claims, nil
}

