package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/document-pipeline/api/handlers"
	"github.com/feichai0017/document-pipeline/api/middleware"
	"github.com/feichai0017/document-pipeline/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, allowedOrigins []string, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(allowedOrigins))

	// API 版本组
	v1 := r.Group("/api/v1")

	// 健康检查
	v1.GET("/health", h.Health.Health)

	// 文档处理路由组
	docs := v1.Group("/documents")
	{
		docs.POST("", h.Document.Submit)
		docs.POST("/batch", h.Document.SubmitBatch)
		docs.GET("/:documentId/progress", h.Document.GetProgress)
		docs.GET("/:documentId/progress/ws", h.Progress.Stream)
		docs.DELETE("/:documentId", h.Document.Cancel)
	}
}
