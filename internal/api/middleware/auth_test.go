package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gap-service/donation_service/internal/infrastructure/config"
	"github.com/gap-service/donation_service/pkg/auth"
	"github.com/gap-service/donation_service/pkg/logger"
)

const jwtSecret = "0123456789abcdef0123456789abcdef"

func authRouter(cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Authentication(cfg, logger.NewNop()))
	router.POST("/checkout", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("auth_method"))
	})
	return router
}

func TestAuthentication(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled:   true,
		JWTSecret: jwtSecret,
		Issuer:    "donation-service",
		APIKeys:   []string{"ops-key"},
	}
	router := authRouter(cfg)

	valid, err := auth.IssueToken("ops", "", jwtSecret, "donation-service", time.Hour)
	require.NoError(t, err)
	foreign, err := auth.IssueToken("ops", "", jwtSecret, "elsewhere", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		method  string
	}{
		{"no credentials", nil, http.StatusUnauthorized, ""},
		{"basic scheme", map[string]string{"Authorization": "Basic b3BzOnB3"}, http.StatusUnauthorized, ""},
		{"bad token", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, ""},
		{"foreign issuer", map[string]string{"Authorization": "Bearer " + foreign}, http.StatusUnauthorized, ""},
		{"wrong api key", map[string]string{HeaderAPIKey: "guess"}, http.StatusUnauthorized, ""},
		{"valid token", map[string]string{"Authorization": "Bearer " + valid}, http.StatusOK, "jwt"},
		{"valid api key", map[string]string{HeaderAPIKey: "ops-key"}, http.StatusOK, "api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, w.Body.String(), `"code":"UNAUTHORIZED"`)
			} else {
				assert.Equal(t, tt.method, w.Body.String())
			}
		})
	}
}

func TestAuthentication_APIKeyOnlyRejectsBearer(t *testing.T) {
	router := authRouter(config.AuthConfig{Enabled: true, APIKeys: []string{"ops-key"}})

	token, err := auth.IssueToken("ops", "", jwtSecret, "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthentication_Disabled(t *testing.T) {
	router := authRouter(config.AuthConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/checkout", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
