package handler

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const streamTokenIssuer = "astra-voice-bridge"

// StreamClaims bind a media stream to the call that requested it.
type StreamClaims struct {
	CallSID  string `json:"call_sid"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// IssueStreamToken signs a short-lived token handed to Twilio as a stream parameter.
func IssueStreamToken(secret, callSID, tenantID string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("stream token secret is not configured")
	}
	claims := StreamClaims{
		CallSID:  callSID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    streamTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseStreamToken verifies the token and that it was issued for callSID.
func ParseStreamToken(secret, tokenString, callSID string) (*StreamClaims, error) {
	if tokenString == "" {
		return nil, errors.New("missing stream token")
	}
	claims := &StreamClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(streamTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid stream token: %w", err)
	}
	if claims.CallSID != callSID {
		return nil, fmt.Errorf("stream token issued for %s, stream belongs to %s", claims.CallSID, callSID)
	}
	return claims, nil
}
