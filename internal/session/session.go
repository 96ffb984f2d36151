// Package session implements server-side session lifecycle management:
// creation under a per-user concurrency cap, idle and TTL expiry, sliding
// renewal, anomaly detection, and revocation. Session state is independent
// of the token lifecycle and only loosely linked to it through an optional
// refresh token id.
package session

import (
	"time"
)

// Status is the session lifecycle state.
type Status string

// Session states. A session leaves Active exactly once: to Expired on
// idle/TTL timeout, to Revoked on logout or capacity eviction, or through
// Suspicious to Revoked when the anomaly threshold trips.
const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusRevoked    Status = "revoked"
	StatusSuspicious Status = "suspicious"
)

// Session is one authenticated device context for a user.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	DeviceInfo     string    `json:"device_info,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         Status    `json:"status"`
	RefreshTokenID string    `json:"refresh_token_id,omitempty"`

	// SuspiciousCount tracks anomaly flags accumulated mid-session.
	SuspiciousCount int `json:"suspicious_activity_count"`
}

// Clone returns a copy so callers cannot mutate store state.
func (s *Session) Clone() *Session {
	clone := *s
	return &clone
}

// Config holds session manager configuration.
type Config struct {
	// MaxSessionsPerUser caps concurrently active sessions. The
	// least-recently-active session is evicted to admit a new one.
	MaxSessionsPerUser int `yaml:"maxSessionsPerUser" json:"maxSessionsPerUser"`

	// TTL is the absolute session lifetime.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// IdleTimeout expires sessions with no activity.
	IdleTimeout time.Duration `yaml:"idleTimeout" json:"idleTimeout"`

	// SuspiciousThreshold is the number of anomaly flags that trips
	// auto-revocation.
	SuspiciousThreshold int `yaml:"suspiciousThreshold" json:"suspiciousThreshold"`

	// RenewalWindow is how close to expiry an activity update triggers a
	// sliding renewal.
	RenewalWindow time.Duration `yaml:"renewalWindow" json:"renewalWindow"`
}

// DefaultConfig returns session defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSessionsPerUser:  5,
		TTL:                 24 * time.Hour,
		IdleTimeout:         30 * time.Minute,
		SuspiciousThreshold: 3,
		RenewalWindow:       5 * time.Minute,
	}
}
