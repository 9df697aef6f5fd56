// Package auth handles password hashing and token issuance/verification.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-chat/parley/internal/snowflake"
)

type ContextKey string

const UserIDKey ContextKey = "userId"

// ErrInvalidToken is returned for expired, malformed, or badly signed
// tokens.
var ErrInvalidToken = errors.New("internal/auth: token is invalid")

func HashPassword(password string) (string, error) {
	hashed, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("internal/auth: pw hash failed: %w", err)
	}

	return hashed, nil
}

func CheckPasswordHash(password, hash string) (bool, error) {
	isMatch, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return false, fmt.Errorf("internal/auth: pw and hash comparison failed: %w", err)
	}

	return isMatch, nil
}

func MakeJWT(userID snowflake.ID, tokenSecret, issuer string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})

	return token.SignedString([]byte(tokenSecret))
}

func ValidateJWT(tokenString, tokenSecret string) (snowflake.ID, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(tokenSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("internal/auth: failed to parse token: %w", errors.Join(ErrInvalidToken, err))
	}

	if !token.Valid {
		return 0, ErrInvalidToken
	}

	if claims.Subject == "" {
		return 0, fmt.Errorf("internal/auth: subject claim is missing: %w", ErrInvalidToken)
	}

	return snowflake.Parse(claims.Subject)
}

// Verifier is the auth collaborator the gateway consumes at IDENTIFY time.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) Verify(_ context.Context, token string) (snowflake.ID, error) {
	return ValidateJWT(token, v.secret)
}

// GetUserFromContext extracts the authenticated user ID stashed by the
// middleware.
func GetUserFromContext(ctx context.Context) (snowflake.ID, error) {
	id, ok := ctx.Value(UserIDKey).(snowflake.ID)
	if !ok {
		return 0, errors.New("internal/auth: no user in request context")
	}
	return id, nil
}
