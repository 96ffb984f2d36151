package main

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graklabs/grakgate/internal/audit"
	"github.com/graklabs/grakgate/internal/auth"
	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/ratelimit"
	"github.com/graklabs/grakgate/internal/session"
)

// sessionHeader carries the session id on authenticated requests so
// activity tracking and anomaly detection see every call.
const sessionHeader = "X-Session-ID"

var ginModeOnce sync.Once

// newRouter builds the HTTP surface: public auth endpoints behind the
// global throttle, authenticated resource endpoints behind the unified
// authenticator, and the operational endpoints.
func newRouter(app *application) *gin.Engine {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	engine := gin.New()
	engine.Use(gin.Recovery(), app.requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})))

	public := engine.Group("/v1/auth", app.globalThrottle())
	{
		public.POST("/login", app.handleLogin)
		public.POST("/refresh", app.handleRefresh)
	}

	authed := engine.Group("/v1", app.authenticate())
	{
		authed.POST("/auth/logout", app.handleLogout)
		authed.GET("/auth/me", app.handleMe)

		authed.POST("/keys", app.handleCreateKey)
		authed.GET("/keys", app.handleListKeys)
		authed.POST("/keys/:id/rotate", app.handleRotateKey)
		authed.DELETE("/keys/:id", app.handleRevokeKey)

		authed.GET("/sessions", app.handleListSessions)
		authed.DELETE("/sessions/:id", app.handleRevokeSession)
		authed.DELETE("/sessions", app.handleRevokeOtherSessions)

		authed.POST("/admin/users/:id/revoke", app.handleAdminRevokeUser)
	}

	return engine
}

// requestLogger logs one line per request.
func (app *application) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		app.logger.Debug("request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
		)
	}
}

// globalThrottle guards unauthenticated endpoints against credential
// stuffing. It is process-wide, not per-client.
func (app *application) globalThrottle() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !app.loginLimiter.Allow() {
			event := audit.NewEvent(audit.EventRateLimitExceeded, audit.OutcomeDenied)
			event.Reason = "global throttle"
			event.Request = &audit.Request{
				Method:    c.Request.Method,
				Path:      c.Request.URL.Path,
				IPAddress: c.ClientIP(),
				UserAgent: c.Request.UserAgent(),
			}
			app.auditLogger.Log(c.Request.Context(), event)

			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// authenticate resolves credentials to an identity, applies the
// per-identity throttle, and tracks session activity when the client
// presents a session id.
func (app *application) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, err := app.authenticator.Authenticate(c.Request.Context(), &auth.Request{
			Credentials: auth.ExtractHTTP(c.Request),
			Method:      c.Request.Method,
			Path:        c.Request.URL.Path,
			IPAddress:   c.ClientIP(),
			UserAgent:   c.Request.UserAgent(),
		})
		if err != nil {
			app.abortWithError(c, err)
			return
		}

		if !identity.IsMasterAdmin {
			result, err := app.limits.Check(c.Request.Context(),
				"identity:"+identity.UserID, app.identityPolicy())
			if err != nil {
				// Fail closed: a limiter that cannot answer must not admit
				// unmetered traffic.
				app.logger.Error("identity rate limit check failed", observability.Error(err))
				app.abortWithError(c, auth.NewAuthenticationError("internal error", err))
				return
			}

			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(result.ResetAfter).Unix(), 10))
			if !result.Allowed {
				event := audit.NewEvent(audit.EventRateLimitExceeded, audit.OutcomeDenied)
				event.Reason = "identity throttle"
				event.Subject = &audit.Subject{UserID: identity.UserID}
				app.auditLogger.Log(c.Request.Context(), event)

				app.abortWithError(c, auth.NewRateLimitError(result.RetryAfter, nil))
				return
			}
		}

		if sessionID := c.GetHeader(sessionHeader); sessionID != "" && !identity.IsMasterAdmin {
			updated, err := app.sessions.UpdateActivity(c.Request.Context(),
				sessionID, c.ClientIP(), c.Request.UserAgent())
			if errors.Is(err, session.ErrSessionNotFound) {
				app.abortWithError(c, auth.NewAuthenticationError("session expired or revoked", err))
				return
			}
			if err != nil {
				app.logger.Warn("session activity update failed",
					observability.String("session_id", sessionID),
					observability.Error(err),
				)
			} else {
				identity.SessionID = updated.ID
			}
		}

		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}

// identityFrom returns the authenticated identity; the authenticate
// middleware guarantees it is present on these routes.
func identityFrom(c *gin.Context) *auth.Identity {
	identity, _ := auth.IdentityFromContext(c.Request.Context())
	return identity
}

// abortWithError maps component errors onto HTTP responses. Anything
// unrecognized collapses to a generic authentication failure so internal
// detail never leaks.
func (app *application) abortWithError(c *gin.Context, err error) {
	authErr, ok := auth.AsError(err)
	if !ok {
		authErr = auth.NewAuthenticationError("invalid credentials", err)
	}

	body := gin.H{"error": authErr.Message}
	if authErr.RetryAfter > 0 {
		secs := ratelimit.RetrySeconds(authErr.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(secs))
		body["retry_after"] = secs
	}
	c.AbortWithStatusJSON(authErr.StatusCode(), body)
}
