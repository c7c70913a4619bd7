package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
)

const (
	ctxKeyUser      = "user"
	ctxKeyBearer    = "bearer"
	ctxKeyRequestID = "request_id"
)

// requestLogger logs one line per request and propagates X-Request-ID
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.Request.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)

		path := c.Request.URL.Path
		if rawQuery := c.Request.URL.RawQuery; rawQuery != "" {
			path = path + "?" + rawQuery
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if user, ok := currentUser(c); ok {
			fields = append(fields, zap.String("user_id", user.ID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("http_request", fields...)
		case status >= 400:
			logger.Warn("http_request", fields...)
		default:
			logger.Info("http_request", fields...)
		}
	}
}

// authenticate verifies the bearer with the authentication service and loads
// the caller's profile.
func authenticate(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := c.GetHeader("Authorization")
		if strings.TrimSpace(bearer) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authorization header missing"})
			return
		}

		userID, out := as.Verifier.Verify(c.Request.Context(), bearer)
		if !out.IsCommitted() {
			abortWithOutcome(c, as.Logger, out)
			return
		}

		user, err := as.Profiles.GetByID(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, profiles.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "Authenticated user not found"})
				return
			}
			as.Logger.Error("Failed to load authenticated user", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "Internal error during authentication"})
			return
		}

		c.Set(ctxKeyBearer, bearer)
		c.Set(ctxKeyUser, user)
		c.Next()
	}
}

// requireAdmin must run after authenticate
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok || !user.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"message": "Forbidden: Admin privileges required",
				"error":   "ADMIN_ACCESS_REQUIRED",
			})
			return
		}
		c.Next()
	}
}

func abortWithOutcome(c *gin.Context, logger *zap.Logger, out outcome.Outcome) {
	switch {
	case out.IsUnavailable():
		logger.Warn("Authentication service unavailable", zap.String("outcome", out.Detail()))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "Authentication service unavailable"})
	case out.Code == outcome.CodeForbidden:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": out.Reason, "error": "TOKEN_FORBIDDEN"})
	default:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"message": "Authentication failed: Token rejected",
			"error":   "INVALID_TOKEN",
		})
	}
}

func currentUser(c *gin.Context) (*profiles.User, bool) {
	v, ok := c.Get(ctxKeyUser)
	if !ok {
		return nil, false
	}
	user, ok := v.(*profiles.User)
	return user, ok && user != nil
}

func currentBearer(c *gin.Context) string {
	return c.GetString(ctxKeyBearer)
}
