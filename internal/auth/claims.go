package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// OwnerID scopes every call record the bearer can see; it is required on every token.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	OwnerID   string    `json:"owner_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
