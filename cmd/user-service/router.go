package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func setupRouter(as *AppState) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	bodyLimit := requestBodyLimit(as)

	router := gin.New()
	router.MaxMultipartMemory = bodyLimit

	router.Use(cors.Default())
	router.Use(requestLogger(as.Logger))
	router.Use(gin.Recovery())
	router.Use(limitRequestBody(bodyLimit))

	router.GET("/health", healthCheck(as))
	router.Static("/uploads", as.Avatars.Dir())

	users := router.Group("/users")
	{
		users.POST("", createUser(as))

		self := users.Group("", authenticate(as))
		{
			self.GET("", getCurrentUser(as))
			self.PATCH("", updateCurrentUser(as))
			self.DELETE("", deleteCurrentUser(as))

			self.POST("/profile-picture", uploadProfilePicture(as))
			self.GET("/profile-picture", getProfilePicture(as))
			self.DELETE("/profile-picture", deleteProfilePicture(as))
		}

		admin := users.Group("/admin", authenticate(as), requireAdmin())
		{
			admin.GET("/users", listUsers(as))
			admin.PATCH("/users", adminUpdateUser(as))
			admin.DELETE("/users", adminDeleteUser(as))
			admin.GET("/inconsistencies", listInconsistencies(as))
		}
	}

	return router
}

// requestBodyLimit prefers http.max_request_size and otherwise leaves room
// for a full-size avatar plus multipart framing.
func requestBodyLimit(as *AppState) int64 {
	if as.Config != nil && as.Config.Common.Http.MaxRequestSize > 0 {
		return as.Config.Common.Http.MaxRequestSize
	}
	return as.Avatars.MaxBytes() + 1<<20
}

func limitRequestBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func healthCheck(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		database := "disabled"
		if as.DB != nil {
			if err := as.DB.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":    "unhealthy",
					"timestamp": time.Now().Format(time.RFC3339),
					"error":     err.Error(),
				})
				return
			}
			database = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
			"services": gin.H{
				"database": database,
			},
		})
	}
}
