package identity

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
)

// SessionKey is the single durable key holding the serialized session.
// The identity client is the only writer of this key; the token manager
// reads it directly only on the storage rescue path.
const SessionKey = "auth.session"

// ClockSkewTolerance absorbs local-clock drift relative to the issuing
// server when deciding whether a token is already expired.
const ClockSkewTolerance = 60 * time.Second

// Session is the authoritative authentication record. A session is either
// fully present or absent; partial sessions are not a valid state.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch milliseconds
	UserID       string `json:"user_id"`
}

// Valid reports whether all fields of the session are set.
func (s *Session) Valid() bool {
	return s != nil && s.AccessToken != "" && s.RefreshToken != "" && s.ExpiresAt > 0 && s.UserID != ""
}

// TTL returns the time remaining until the session's stated expiry.
// Negative when the expiry instant has passed.
func (s *Session) TTL(now time.Time) time.Duration {
	return time.UnixMilli(s.ExpiresAt).Sub(now)
}

// Expired reports whether the session should be treated as expired,
// applying the clock-skew tolerance.
func (s *Session) Expired(now time.Time) bool {
	return s.TTL(now) <= ClockSkewTolerance
}

// Marshal serializes the session for the durable store.
func (s *Session) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSession decodes a serialized session read from the durable store.
func UnmarshalSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &s, nil
}

// Fingerprint returns a short Base58 digest of a token, safe to log.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return base58.Encode(hash[:8])
}

// tokenClaims extracts the subject and expiry from an access token without
// verifying its signature. The provider signs its own tokens; this client
// only needs the claims to fill session metadata when the token response
// omits them.
func tokenClaims(accessToken string) (subject string, expiresAt time.Time, err error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return claims.Subject, expiresAt, nil
}
