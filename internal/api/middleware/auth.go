package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gap-service/donation_service/internal/domain/entities"
	"github.com/gap-service/donation_service/internal/infrastructure/config"
	"github.com/gap-service/donation_service/pkg/auth"
	"github.com/gap-service/donation_service/pkg/logger"
)

// HeaderAPIKey carries a static API key
const HeaderAPIKey = "X-API-Key"

// Authentication accepts either a bearer JWT signed with the configured
// secret or one of the configured API keys. When auth is disabled every
// request passes.
func Authentication(cfg config.AuthConfig, log *logger.Logger) gin.HandlerFunc {
	keys := auth.NewKeySet(cfg.APIKeys)

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		if apiKey := strings.TrimSpace(c.GetHeader(HeaderAPIKey)); apiKey != "" {
			idx, err := keys.Validate(apiKey)
			if err != nil {
				unauthorized(c, log, "Invalid API key")
				return
			}
			c.Set("auth_method", "api_key")
			c.Set("api_key_index", idx)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, log, "Authorization required")
			return
		}

		tokenParts := strings.SplitN(authHeader, " ", 2)
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" || cfg.JWTSecret == "" {
			unauthorized(c, log, "Invalid authorization format")
			return
		}

		claims, err := auth.ValidateToken(tokenParts[1], cfg.JWTSecret, cfg.Issuer)
		if err != nil {
			unauthorized(c, log, "Invalid token")
			return
		}

		c.Set("auth_method", "jwt")
		c.Set("auth_subject", claims.Subject)
		c.Next()
	}
}

func unauthorized(c *gin.Context, log *logger.Logger, message string) {
	log.Warn("Rejected unauthenticated request",
		"request_id", c.GetString("request_id"),
		"path", c.Request.URL.Path,
		"client_ip", c.ClientIP(),
		"reason", message)
	c.AbortWithStatusJSON(http.StatusUnauthorized, entities.ErrorResponse{
		Code:    "UNAUTHORIZED",
		Message: message,
		Details: map[string]interface{}{"request_id": c.GetString("request_id")},
	})
}
