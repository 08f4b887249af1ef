package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"phHeadshot/internal/api/middleware"
	"phHeadshot/internal/auth"
	"phHeadshot/internal/config"
	"phHeadshot/internal/payment"
	"phHeadshot/internal/storage"
	"phHeadshot/internal/store"
)

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(
	router *gin.Engine,
	db *gorm.DB,
	asynqClient *asynq.Client,
	authService *auth.AuthService,
	redisClient *redis.Client,
	logger *slog.Logger,
	storageClient *storage.Client,
	payments *payment.Client,
	cfg *config.Config,
) {
	st := store.New(db)
	authHandler := NewAuthHandler(db, authService, redisClient, logger, cfg.Auth.CookieDomain)
	imageHandler := NewImageHandler(st, storageClient, logger, cfg.Upload.MaxBytes, cfg.Upload.ClamdAddr)
	headshotHandler := NewHeadshotHandler(st, asynqClient, payments, logger)
	webhookHandler := NewWebhookHandler(st, payments, logger)
	wsHandler := NewWsHandler(redisClient, authService, logger, cfg.API.AllowedOrigins)
	authMiddleware := middleware.AuthMiddleware(authService)

	// Stripe 回调不走鉴权，签名校验即身份校验。
	router.POST("/webhooks/stripe", webhookHandler.HandleStripeWebhook)

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
		}

		imageGroup := v1.Group("/images")
		imageGroup.Use(authMiddleware)
		{
			imageGroup.POST("/upload", imageHandler.UploadImage)
			imageGroup.GET("", imageHandler.ListImages)
			imageGroup.DELETE("/:id", imageHandler.DeleteImage)
		}

		headshotGroup := v1.Group("/headshots")
		headshotGroup.Use(authMiddleware)
		{
			headshotGroup.POST("", headshotHandler.RequestGeneration)
			headshotGroup.GET("", headshotHandler.ListHeadshots)
			headshotGroup.GET("/:id", headshotHandler.GetHeadshot)
		}
	}
}
