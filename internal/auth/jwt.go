package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecret is returned when a token is requested without a signing secret
var ErrNoSecret = errors.New("jwt secret not configured")

// ClientTokenTTL is the lifetime of a scan client token
const ClientTokenTTL = time.Hour

// RoleScanner is the role carried by every client token
const RoleScanner = "scanner"

// JWTClaims represents the claims presented to the vision service
type JWTClaims struct {
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Signer issues and validates HS256 tokens with a shared secret
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. An empty secret yields a signer that refuses to issue tokens.
func NewSigner(secret string) *Signer {
	return &Signer{
		secret: []byte(secret),
		ttl:    ClientTokenTTL,
		now:    time.Now,
	}
}

// Enabled reports whether a secret is configured
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// GenerateClientToken generates a JWT token for the scan client of one session
func (s *Signer) GenerateClientToken(clientID, sessionID string) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}

	now := s.now()
	claims := &JWTClaims{
		ClientID:  clientID,
		SessionID: sessionID,
		Role:      RoleScanner,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (s *Signer) ValidateToken(tokenString string) (*JWTClaims, error) {
	if !s.Enabled() {
		return nil, ErrNoSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}
