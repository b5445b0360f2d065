// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service mints and verifies the session tokens attached to coordination
// socket connections. Issuing real accounts/sessions is an external concern;
// this service only signs and checks the player identity claim.
type Service struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration // 0 => tokens never expire
}

// NewService generates a fresh ed25519 key pair at runtime. Tokens minted by
// one process instance are only verifiable by that instance; use
// NewServiceFromKeys for multi-instance deployments.
func NewService(ttl time.Duration) (*Service, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to generate ed25519 key pair: %w", err)
	}
	return &Service{privateKey: priv, publicKey: pub, ttl: ttl}, nil
}

// NewServiceFromKeys reads ed25519 private/public keys from file.
func NewServiceFromKeys(privatePath, publicPath string, ttl time.Duration) (*Service, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read public key file: %w", err)
	}
	return &Service{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		ttl:        ttl,
	}, nil
}

// Mint creates a signed token with "sub" = playerID.
func (s *Service) Mint(playerID string) (string, error) {
	claims := jwt.MapClaims{
		"sub": playerID,
	}
	if s.ttl > 0 {
		claims["exp"] = time.Now().Add(s.ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// Verify checks a token and returns the "sub" claim.
func (s *Service) Verify(tokenString string) (string, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: jwt parse error: %w", err)
	}
	if !t.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("auth: invalid jwt claims")
	}
	playerID, ok := claims["sub"].(string)
	if !ok {
		return "", fmt.Errorf("auth: missing sub in jwt")
	}
	return playerID, nil
}
