package handler

import (
	"context"
	"net/http"
	"time"

	"corebank/internal/config"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, h *Handler, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	api.Use(TimeoutMiddleware(cfg.Server.RequestTimeout))
	{
		transactions := api.Group("/transactions")
		{
			transactions.POST("/deposit", h.Deposit)
			transactions.POST("/withdraw", h.Withdraw)
			transactions.POST("/transfer", h.Transfer)
			transactions.GET("/transfer/:transferReference", h.GetTransfer)
			transactions.GET("/:reference", h.GetTransaction)
			transactions.POST("/:reference/reversal", h.Reverse)
			transactions.POST("/:reference/reconcile", h.Reconcile)
		}

		accounts := api.Group("/accounts")
		{
			accounts.GET("/:accountNumber", h.GetAccount)
			accounts.GET("/:accountNumber/balance", h.GetBalance)
		}
	}

	// 健康检查，包含数据库连通性
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
