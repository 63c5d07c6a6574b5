package auth

import (
	"context"
	"time"
)

// Claims holds the validated contents of an access token.
type Claims struct {
	Subject   string
	TokenType string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

// JWTService defines the interface for JWT token operations.
type JWTService interface {
	// GenerateToken creates a signed access token for the given subject.
	GenerateToken(ctx context.Context, subject string) (string, error)

	// ValidateToken validates an access token and returns its claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid, or ErrInvalidToken
	// on failure.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}
