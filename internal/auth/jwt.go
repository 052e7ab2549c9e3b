package auth

import (
	"errors"
	"fmt"
	"time"

	"call-screening/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenType    = errors.New("auth: token_type mismatch")
	ErrMissingClaim = errors.New("auth: required claim missing")
)

// clockSkew is tolerated on exp/iat checks.
const clockSkew = 30 * time.Second

// Manager issues and verifies HS256 owner tokens.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// IssuePair signs an access token and a refresh token for one owner. Refresh tokens carry no role.
func (m *Manager) IssuePair(now time.Time, userID, ownerID, role string) (TokenPair, error) {
	access, err := m.sign(now, m.accessTTL, Claims{UserID: userID, OwnerID: ownerID, Role: role, TokenType: TokenTypeAccess})
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.sign(now, m.refreshTTL, Claims{UserID: userID, OwnerID: ownerID, TokenType: TokenTypeRefresh})
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Verify parses tokenString and checks signature, time claims, issuer/audience when
// configured, the token type and the identity claims. Errors wrap the sentinels above.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	if _, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.TokenType != expected {
		return Claims{}, fmt.Errorf("%w: got %q", ErrTokenType, claims.TokenType)
	}
	switch {
	case claims.UserID == "":
		return Claims{}, fmt.Errorf("%w: user_id", ErrMissingClaim)
	case claims.OwnerID == "":
		return Claims{}, fmt.Errorf("%w: owner_id", ErrMissingClaim)
	case expected == TokenTypeAccess && claims.Role == "":
		return Claims{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return claims, nil
}

func (m *Manager) sign(now time.Time, ttl time.Duration, c Claims) (string, error) {
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if m.audience != "" {
		c.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}
