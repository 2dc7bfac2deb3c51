package routes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gap-service/donation_service/internal/api/handlers"
	"github.com/gap-service/donation_service/internal/api/middleware"
	"github.com/gap-service/donation_service/internal/infrastructure/di"
	"github.com/gap-service/donation_service/pkg/health"
	"github.com/gap-service/donation_service/pkg/idempotency"
	"github.com/gap-service/donation_service/pkg/security"
	"github.com/gap-service/donation_service/pkg/tracing"
)

// Version is reported by the health endpoints
var Version = "1.0.0"

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()

	// Global middleware - order matters
	router.Use(tracing.GinMiddleware("donation-api"))
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	limiter := middleware.NewRateLimiter(container.Config.Server.RateLimitPerMin, middleware.DefaultLimiterTTL)
	container.OnClose(limiter.Stop)
	router.Use(middleware.RateLimit(limiter))
	router.Use(middleware.SecurityHeaders())

	healthHandler := handlers.NewHealthHandler(
		health.NewHealthChecker(time.Second),
		readinessChecker(container),
		container.ZapLog,
		Version,
	)
	cartHandlers := handlers.NewCartHandlers(container.CartStore, container.Payouts, container.Tokens, container.Logger)
	checkoutHandlers := handlers.NewCheckoutHandlers(container.Checkout, container.CartStore, container.Logger)

	// Health checks
	router.GET("/health", healthHandler.Health)
	router.GET("/health/liveness", healthHandler.Liveness)
	router.GET("/health/readiness", healthHandler.Readiness)
	router.GET("/ping", healthHandler.Ping)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authenticate := middleware.Authentication(container.Config.Auth, container.Logger)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/tokens", cartHandlers.ListTokens)

		cartGroup := v1.Group("/cart", authenticate)
		{
			cartGroup.GET("", cartHandlers.GetCart)
			cartGroup.DELETE("", cartHandlers.Clear)
			cartGroup.POST("/items", cartHandlers.AddItem)
			cartGroup.POST("/items/toggle", cartHandlers.ToggleItem)
			cartGroup.DELETE("/items/:uid", cartHandlers.RemoveItem)
			cartGroup.PUT("/items/:uid/amount", cartHandlers.SetAmount)
			cartGroup.PUT("/items/:uid/token", cartHandlers.SetToken)
		}

		checkoutGroup := v1.Group("/checkout", authenticate)
		{
			checkoutGroup.GET("/preview", checkoutHandlers.Preview)
			checkoutGroup.POST("", idempotency.Middleware(container.Idempotency, idempotency.DefaultTTL, container.ZapLog), checkoutHandlers.Checkout)
			checkoutGroup.GET("/last-session", checkoutHandlers.LastSession)
		}
	}

	return router
}

// readinessChecker probes every chain RPC and Redis when it backs the cart
func readinessChecker(container *di.Container) *health.HealthChecker {
	checker := health.NewHealthChecker(3 * time.Second)

	for _, chainID := range container.Chains.ChainIDs() {
		chainID := chainID
		checker.Register(fmt.Sprintf("chain_%d", chainID), true, func(ctx context.Context) error {
			reader, err := container.Chains.Reader(chainID)
			if err != nil {
				return err
			}
			if _, err := reader.NativeBalance(ctx, container.Wallet.Account()); err != nil {
				return maskRPC(container, chainID, err)
			}
			return nil
		})
	}

	if container.Redis != nil {
		checker.Register("redis", true, container.Redis.Ping)
	}
	return checker
}

// maskRPC strips the configured RPC URL from err so provider keys do not
// appear in probe responses
func maskRPC(container *di.Container, chainID int64, err error) error {
	chain, ok := container.Config.Chain(chainID)
	if !ok || chain.RPC == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), chain.RPC, security.MaskRPCURL(chain.RPC)))
}
