package models

import "time"

// TokenInfo stores the bearer token handed over by the identity provider.
type TokenInfo struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Subject   string    `json:"subject,omitempty"`
}

// IsExpired checks if the token has expired. Tokens without an expiry never do.
func (t *TokenInfo) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt)
}
