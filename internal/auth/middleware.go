package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/ratelimit"
)

// middlewareOptions collects the optional middleware collaborators.
type middlewareOptions struct {
	limits      *ratelimit.Registry
	limitConfig *ratelimit.Config
	logger      observability.Logger
}

// MiddlewareOption is a functional option for the HTTP middleware.
type MiddlewareOption func(*middlewareOptions)

// WithIdentityRateLimit applies a per-identity rate limit to every
// authenticated request and sets the X-RateLimit response headers.
func WithIdentityRateLimit(limits *ratelimit.Registry, config *ratelimit.Config) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.limits = limits
		o.limitConfig = config
	}
}

// WithMiddlewareLogger sets the middleware logger.
func WithMiddlewareLogger(logger observability.Logger) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.logger = logger
	}
}

// Middleware authenticates every request and attaches the resolved
// identity to the request context. Failures are written as JSON with the
// status the error kind maps to.
func Middleware(a *Authenticator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	options := &middlewareOptions{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(options)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r.Context(), &Request{
				Credentials: ExtractHTTP(r),
				Method:      r.Method,
				Path:        r.URL.Path,
				IPAddress:   clientIP(r),
				UserAgent:   r.UserAgent(),
			})
			if err != nil {
				WriteError(w, err)
				return
			}

			if options.limits != nil {
				result, err := options.limits.Check(r.Context(), "identity:"+identity.UserID, options.limitConfig)
				if err != nil {
					options.logger.Error("identity rate limit check failed", observability.Error(err))
					WriteError(w, NewAuthenticationError("internal error", err))
					return
				}

				setRateLimitHeaders(w, result)
				if !result.Allowed {
					WriteError(w, NewRateLimitError(result.RetryAfter, nil))
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequirePermissionMiddleware gates a route on a permission. It must run
// after Middleware.
func RequirePermissionMiddleware(a *Authenticator, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFromContext(r.Context())
			if !ok {
				WriteError(w, NewAuthenticationError("Authentication required", nil))
				return
			}
			if err := a.RequirePermission(r.Context(), identity, permission); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders writes the standard rate-limit header trio.
func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(result.ResetAfter).Unix(), 10))
}

// WriteError writes an auth error as a JSON response. Unknown errors are
// collapsed to a generic authentication failure so internals never leak.
func WriteError(w http.ResponseWriter, err error) {
	authErr, ok := AsError(err)
	if !ok {
		authErr = NewAuthenticationError("authentication failed", err)
	}

	if authErr.Kind == KindRateLimit && authErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetrySeconds(authErr.RetryAfter)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.StatusCode())

	body := map[string]interface{}{"error": authErr.Message}
	if authErr.RetryAfter > 0 {
		body["retry_after"] = ratelimit.RetrySeconds(authErr.RetryAfter)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// clientIP resolves the caller address, honoring the standard proxy
// headers.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		// The first entry is the originating client.
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
