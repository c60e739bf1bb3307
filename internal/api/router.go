// internal/api/router.go
package api

import (
	"time"

	"github.com/Corphon/SerialWriter/internal/auth"
	"github.com/Corphon/SerialWriter/internal/utils"
	"github.com/gin-gonic/gin"
)

// RouterOptions 路由级配置
type RouterOptions struct {
	Debug   bool
	Tokens  *auth.TokenConfig
	Metrics *utils.GenerationMetrics
	Logger  *utils.Logger
	// GenerationEvery 同一调用方两次生成请求的最小间隔，0 表示不限
	GenerationEvery time.Duration
	GenerationBurst int
}

// SetupRouter 配置HTTP路由
func SetupRouter(handler *Handler, opts RouterOptions) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.GetLogger()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLoggerMiddleware(logger, opts.Metrics))
	r.Use(corsMiddleware())
	r.Use(AuthMiddleware(opts.Tokens, handler.Response, logger))

	// 生成类接口调用模型：先检查模型就绪，再按调用方限流
	generation := []gin.HandlerFunc{handler.RequireLLM}
	if opts.GenerationEvery > 0 {
		burst := opts.GenerationBurst
		if burst <= 0 {
			burst = 1
		}
		generation = append(generation, NewRateLimiter(opts.GenerationEvery, burst).Middleware(BySubject, handler.Response))
	}
	withGeneration := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, generation...), h)
	}

	// WebSocket 支持
	r.GET("/ws/tasks/:taskId", handler.TaskWebSocket)

	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.GET("/metrics", handler.GetMetrics)

		api.GET("/settings", handler.GetSettings)
		api.PUT("/settings", handler.UpdateSettings)

		api.POST("/generate-chapter", withGeneration(handler.GenerateChapter)...)
		api.POST("/versions", handler.AddVersion)

		tasks := api.Group("/tasks/:taskId")
		{
			tasks.GET("", handler.GetTask)
			tasks.GET("/events", handler.TaskEvents)
		}

		projects := api.Group("/projects")
		{
			projects.GET("", handler.ListProjects)
			projects.POST("", handler.CreateProject)
			projects.GET("/:id", handler.GetProject)
			projects.PUT("/:id", handler.UpdateProject)

			projects.POST("/:id/volumes/:vidx/compact", withGeneration(handler.CompactVolume)...)

			chapters := projects.Group("/:id/chapters/:cid")
			{
				chapters.GET("", handler.GetChapter)
				chapters.PUT("", handler.UpdateChapter)
				chapters.POST("/summarize", withGeneration(handler.ResummarizeChapter)...)
				chapters.GET("/versions/:vid", handler.GetVersion)
				chapters.GET("/versions/:vid/diff", handler.DiffVersion)
			}
		}
	}

	return r
}
