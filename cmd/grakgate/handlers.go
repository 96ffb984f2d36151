package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/graklabs/grakgate/internal/apikey"
	"github.com/graklabs/grakgate/internal/auth"
	"github.com/graklabs/grakgate/internal/observability"
	"github.com/graklabs/grakgate/internal/session"
	"github.com/graklabs/grakgate/internal/token"
	"github.com/graklabs/grakgate/internal/userstore"
)

type loginRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	DeviceInfo string `json:"device_info"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	SessionID    string `json:"session_id"`
}

// handleLogin authenticates a password and issues a token pair plus a
// session. Every failure mode gets the same response so the endpoint
// cannot be used to enumerate accounts.
func (app *application) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "username and password are required"})
		return
	}

	ctx := c.Request.Context()

	user, err := app.users.GetByUsername(ctx, req.Username)
	if errors.Is(err, userstore.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
		return
	}
	if err != nil || !user.IsActive || !userstore.VerifyPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	accessToken, err := app.tokens.CreateAccessToken(ctx, &token.Principal{
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		TenantID:    user.TenantID,
	})
	if err != nil {
		app.logger.Error("access token issuance failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	refreshToken, err := app.tokens.CreateRefreshToken(ctx, user.ID, req.DeviceInfo)
	if err != nil {
		app.logger.Error("refresh token issuance failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	refreshTokenID := ""
	if claims, err := app.tokens.VerifyToken(ctx, refreshToken); err == nil {
		refreshTokenID = claims.ID
	}

	sess, err := app.sessions.Create(ctx, user.ID, &session.CreateRequest{
		DeviceInfo:     req.DeviceInfo,
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		RefreshTokenID: refreshTokenID,
	})
	if err != nil {
		app.logger.Error("session creation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if err := app.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		app.logger.Warn("last login update failed",
			observability.String("user_id", user.ID),
			observability.Error(err),
		)
	}

	c.JSON(http.StatusOK, loginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(app.config.Token.AccessTTL.Seconds()),
		SessionID:    sess.ID,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	DeviceInfo   string `json:"device_info"`
}

// handleRefresh rotates a refresh token. A revoked token is the one
// failure a client can distinguish, because the remedy is to
// re-authenticate rather than retry.
func (app *application) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "refresh_token is required"})
		return
	}

	pair, err := app.tokens.RefreshAccessToken(c.Request.Context(), req.RefreshToken, req.DeviceInfo)
	if errors.Is(err, token.ErrRefreshTokenRevoked) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token revoked"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	c.JSON(http.StatusOK, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

// handleLogout revokes the presented access token and, when provided,
// the refresh token and session. Logout is idempotent.
func (app *application) handleLogout(c *gin.Context) {
	var req logoutRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	identity := identityFrom(c)

	if creds := auth.ExtractHTTP(c.Request); creds.BearerToken != "" {
		if err := app.tokens.RevokeAccessToken(ctx, creds.BearerToken); err != nil {
			app.logger.Warn("access token revocation failed", observability.Error(err))
		}
	}

	if req.RefreshToken != "" {
		if _, err := app.tokens.RevokeRefreshToken(ctx, req.RefreshToken); err != nil {
			app.logger.Warn("refresh token revocation failed", observability.Error(err))
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = identity.SessionID
	}
	if sessionID != "" {
		if ok := app.ownsSession(c, sessionID); ok {
			if _, err := app.sessions.Revoke(ctx, sessionID); err != nil {
				app.logger.Warn("session revocation failed", observability.Error(err))
			}
		}
	}

	c.Status(http.StatusNoContent)
}

// handleMe returns the caller's resolved identity.
func (app *application) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, identityFrom(c))
}

// handleCreateKey mints a new API key. The raw secret appears in this
// response only.
func (app *application) handleCreateKey(c *gin.Context) {
	var req apikey.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid request body"})
		return
	}

	identity := identityFrom(c)
	resp, err := app.keys.Create(c.Request.Context(), identity.UserID, &req)
	switch {
	case errors.Is(err, apikey.ErrNoScopes):
		app.abortWithError(c, auth.NewValidationError("at least one scope is required", err))
	case errors.Is(err, apikey.ErrQuotaExceeded):
		app.abortWithError(c, auth.NewQuotaError("api key quota exceeded", err))
	case err != nil:
		app.logger.Error("api key creation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusCreated, resp)
	}
}

// handleListKeys lists the caller's keys. Hashes are never included.
func (app *application) handleListKeys(c *gin.Context) {
	identity := identityFrom(c)
	keys, err := app.keys.ListForUser(c.Request.Context(), identity.UserID)
	if err != nil {
		app.logger.Error("api key listing failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// handleRotateKey replaces the key's secret, keeping its identity.
func (app *application) handleRotateKey(c *gin.Context) {
	identity := identityFrom(c)
	resp, err := app.keys.Rotate(c.Request.Context(), identity.UserID, c.Param("id"))
	switch {
	case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
	case errors.Is(err, apikey.ErrKeyRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "key is revoked"})
	case err != nil:
		app.logger.Error("api key rotation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, resp)
	}
}

// handleRevokeKey deactivates a key.
func (app *application) handleRevokeKey(c *gin.Context) {
	identity := identityFrom(c)
	err := app.keys.Revoke(c.Request.Context(), identity.UserID, c.Param("id"))
	switch {
	case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
	case err != nil:
		app.logger.Error("api key revocation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.Status(http.StatusNoContent)
	}
}

// handleListSessions lists the caller's live sessions.
func (app *application) handleListSessions(c *gin.Context) {
	identity := identityFrom(c)
	sessions, err := app.sessions.ListForUser(c.Request.Context(), identity.UserID)
	if err != nil {
		app.logger.Error("session listing failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// handleRevokeSession ends one of the caller's sessions. A session the
// caller does not own is indistinguishable from an absent one.
func (app *application) handleRevokeSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !app.ownsSession(c, sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	revoked, err := app.sessions.Revoke(c.Request.Context(), sessionID)
	if err != nil {
		app.logger.Error("session revocation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !revoked {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRevokeOtherSessions ends every session of the caller except the
// one named in the session header.
func (app *application) handleRevokeOtherSessions(c *gin.Context) {
	identity := identityFrom(c)
	revoked, err := app.sessions.RevokeUserSessions(c.Request.Context(),
		identity.UserID, c.GetHeader(sessionHeader))
	if err != nil {
		app.logger.Error("bulk session revocation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

// handleAdminRevokeUser is the break-glass kill switch: it revokes the
// user's refresh tokens, sessions, and API keys in one call.
func (app *application) handleAdminRevokeUser(c *gin.Context) {
	ctx := c.Request.Context()
	identity := identityFrom(c)
	if err := app.authenticator.RequireMasterAdmin(ctx, identity); err != nil {
		app.abortWithError(c, err)
		return
	}

	userID := c.Param("id")

	tokensRevoked, err := app.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		app.logger.Error("bulk token revocation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	sessionsRevoked, err := app.sessions.RevokeUserSessions(ctx, userID, "")
	if err != nil {
		app.logger.Error("bulk session revocation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	keysRevoked, err := app.keys.RevokeBatch(ctx, apikey.RevokeFilter{UserID: userID})
	if err != nil {
		app.logger.Error("bulk key revocation failed", observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refresh_tokens_revoked": tokensRevoked,
		"sessions_revoked":       sessionsRevoked,
		"api_keys_revoked":       keysRevoked,
	})
}

// ownsSession reports whether the caller may act on the session. Master
// admins may act on any session.
func (app *application) ownsSession(c *gin.Context, sessionID string) bool {
	identity := identityFrom(c)
	if identity.IsMasterAdmin {
		return true
	}
	sess, err := app.sessions.Get(c.Request.Context(), sessionID)
	if err != nil || sess == nil {
		return false
	}
	return sess.UserID == identity.UserID
}
