package auth

import (
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"
)

const (
	bearerPrefix  = "Bearer "
	apiKeyHeader  = "X-API-Key"
	apiKeyQuery   = "api_key"
	authHeaderKey = "Authorization"
)

// Credentials are the raw values pulled off a request before any
// validation. At most one of them is used; the dispatch order decides
// which.
type Credentials struct {
	BearerToken string
	APIKey      string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return c.BearerToken == "" && c.APIKey == ""
}

// ExtractHTTP pulls credentials from an HTTP request: the Authorization
// bearer header, the X-API-Key header, and the api_key query parameter.
// The header wins over the query parameter when both carry a key.
func ExtractHTTP(r *http.Request) Credentials {
	var creds Credentials

	if value := r.Header.Get(authHeaderKey); strings.HasPrefix(value, bearerPrefix) {
		creds.BearerToken = strings.TrimSpace(strings.TrimPrefix(value, bearerPrefix))
	}

	if value := r.Header.Get(apiKeyHeader); value != "" {
		creds.APIKey = strings.TrimSpace(value)
	} else if value := r.URL.Query().Get(apiKeyQuery); value != "" {
		creds.APIKey = strings.TrimSpace(value)
	}

	return creds
}

// ExtractGRPC pulls credentials from incoming gRPC metadata. Metadata
// keys are lowercase by convention.
func ExtractGRPC(md metadata.MD) Credentials {
	var creds Credentials

	if values := md.Get("authorization"); len(values) > 0 {
		if strings.HasPrefix(values[0], bearerPrefix) {
			creds.BearerToken = strings.TrimSpace(strings.TrimPrefix(values[0], bearerPrefix))
		}
	}

	if values := md.Get("x-api-key"); len(values) > 0 {
		creds.APIKey = strings.TrimSpace(values[0])
	}

	return creds
}
