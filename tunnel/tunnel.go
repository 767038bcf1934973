// Package tunnel mints and verifies the short-lived JWTs a Device's
// out-of-scope tunnel proxy uses to verify a request without a shared
// database lookup.
package tunnel

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ttl is the tunnel credential's lifetime: long enough for the tunnel
// proxy to establish a connection, short enough that a leaked token
// stops being useful quickly.
const ttl = 10 * time.Minute

// Claims is the JWT payload embedded in a tunnel credential.
type Claims struct {
	DeviceID string `json:"device_id"`
	TunnelID string `json:"tunnel_id"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies tunnel credentials, HMAC-signed with the
// process's master secret.
type Issuer struct {
	secret []byte
}

// New builds an Issuer. secret is the process's master secret — the same
// one the Config Store derives its encryption key from.
func New(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Mint issues a tunnel credential for deviceID/tunnelID, valid for 10
// minutes from now.
func (iss *Issuer) Mint(deviceID, tunnelID string) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		TunnelID: tunnelID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(iss.secret)
	if err != nil {
		return "", fmt.Errorf("tunnel: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a tunnel credential, returning its claims.
// A rejected signature or an expired token is returned as an error.
func (iss *Issuer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tunnel: verify: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("tunnel: invalid token")
	}
	return claims, nil
}
