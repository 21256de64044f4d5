package models

import "time"

// Revocation reasons recorded on blacklist entries.
const (
	RevocationLogout         = "logout"
	RevocationPasswordChange = "password_change"
	RevocationForcedLogout   = "forced_logout"
	RevocationReuseDetected  = "reuse_detected"
)

// RevokedToken marks an access-token jti as invalid ahead of its natural
// expiry. Existence of an entry is the sole authority for revocation,
// independent of the token's own signature validity. ExpiresAt mirrors the
// access token's exp; the entry is worthless after that.
type RevokedToken struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
