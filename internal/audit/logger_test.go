package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, config *Config) (Logger, *bytes.Buffer) {
	t.Helper()

	if config == nil {
		config = DefaultConfig()
	}

	var buf bytes.Buffer
	l, err := NewLogger(config, WithLoggerWriter(&buf))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return l, &buf
}

func decodeEvent(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	return decoded
}

func TestLogger_WritesJSONLine(t *testing.T) {
	l, buf := newTestLogger(t, nil)

	event := NewEvent(EventAuthenticationAttempt, OutcomeSuccess)
	event.Subject = &Subject{UserID: "user-1", AuthMethod: "jwt"}
	event.Request = &Request{Method: "POST", Path: "/v1/login", IPAddress: "10.0.0.1"}

	l.Log(context.Background(), event)

	require.True(t, strings.HasSuffix(buf.String(), "\n"))
	decoded := decodeEvent(t, buf)
	assert.Equal(t, "authentication_attempt", decoded["type"])
	assert.Equal(t, "success", decoded["outcome"])
	assert.NotEmpty(t, decoded["id"])
	assert.NotEmpty(t, decoded["timestamp"])

	subject := decoded["subject"].(map[string]interface{})
	assert.Equal(t, "user-1", subject["user_id"])
}

func TestLogger_RedactsSensitiveMetadata(t *testing.T) {
	l, buf := newTestLogger(t, nil)

	event := NewEvent(EventSecurityViolation, OutcomeDenied)
	event.Metadata = map[string]interface{}{
		"Authorization": "Bearer secret-token",
		"X-API-Key":     "grak_secret",
		"Cookie":        "session=abc",
		"path":          "/v1/data",
	}

	l.Log(context.Background(), event)

	out := buf.String()
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, "grak_secret")
	assert.NotContains(t, out, "session=abc")
	assert.Contains(t, out, "/v1/data")
	assert.Contains(t, out, "[REDACTED]")
}

func TestLogger_CustomRedactFields(t *testing.T) {
	l, buf := newTestLogger(t, &Config{
		Enabled:      true,
		RedactFields: []string{"internal_id"},
	})

	event := NewEvent(EventAPIKeyUsage, OutcomeSuccess)
	event.Metadata = map[string]interface{}{"internal_id": "hidden-value"}

	l.Log(context.Background(), event)

	assert.NotContains(t, buf.String(), "hidden-value")
}

func TestLogger_DisabledDropsEvents(t *testing.T) {
	l, buf := newTestLogger(t, &Config{Enabled: false})

	l.Log(context.Background(), NewEvent(EventRateLimitExceeded, OutcomeDenied))

	assert.Empty(t, buf.String())
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Log(context.Background(), NewEvent(EventSuspiciousActivity, OutcomeFailure))
	assert.NoError(t, l.Close())
}

func TestNewEvent(t *testing.T) {
	a := NewEvent(EventAuthenticationAttempt, OutcomeFailure)
	b := NewEvent(EventAuthenticationAttempt, OutcomeFailure)

	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
}
