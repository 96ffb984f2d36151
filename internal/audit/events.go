// Package audit emits structured security events: authentication
// attempts, authorization failures, rate limit rejections, API key usage,
// and anomaly reports. Events are written as JSON lines with sensitive
// request metadata redacted before they leave the process.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

// Event types.
const (
	EventAuthenticationAttempt EventType = "authentication_attempt"
	EventAuthorizationFailure  EventType = "authorization_failure"
	EventRateLimitExceeded     EventType = "rate_limit_exceeded"
	EventAPIKeyUsage           EventType = "api_key_usage"
	EventSuspiciousActivity    EventType = "suspicious_activity"
	EventSecurityViolation     EventType = "security_violation"
)

// Outcome is the result of the audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Subject identifies who the event is about, as far as it is known.
type Subject struct {
	UserID     string `json:"user_id,omitempty"`
	Username   string `json:"username,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	AuthMethod string `json:"auth_method,omitempty"`
	APIKeyID   string `json:"api_key_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// Request is the redacted request metadata attached to an event.
// Credential header values are never placed here; the logger additionally
// redacts any metadata key that looks sensitive.
type Request struct {
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`
	IPAddress string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Event is one audit record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Outcome   Outcome                `json:"outcome"`
	Reason    string                 `json:"reason,omitempty"`
	Subject   *Subject               `json:"subject,omitempty"`
	Request   *Request               `json:"request,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
}

// NewEvent creates an event with id and timestamp filled in.
func NewEvent(eventType EventType, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Outcome:   outcome,
	}
}
