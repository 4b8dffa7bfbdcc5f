package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Neal-yes/AI-Support-System/internal/domain/rag"
	"github.com/Neal-yes/AI-Support-System/internal/domain/transfer"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/monitoring"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/postgres"
	"github.com/Neal-yes/AI-Support-System/internal/infrastructure/tool"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host string
	Port int
	Mode string // debug, production

	// BodyPreviewSampling 成功响应的请求体预览采样率 (0..1)
	BodyPreviewSampling float64
}

// Deps 各端点的业务依赖
type Deps struct {
	Rag      *rag.Service
	Gen      rag.Generator
	Index    VectorIndex
	Embed    Embedder
	Importer *transfer.Importer
	Transfer *transfer.Manager
	Tools    *tool.Gateway
	DB       *postgres.Service

	DefaultNumPredict int
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, auth AuthConfig, deps Deps, metrics *monitoring.Metrics, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestContext(auth, cfg.BodyPreviewSampling, metrics, logger))

	askHandler := NewAskHandler(deps.Rag, logger)
	chatHandler := NewChatHandler(deps.Gen, deps.DefaultNumPredict, metrics, logger)
	collectionsHandler := NewCollectionsHandler(deps.Index, deps.Embed, deps.Importer, deps.Transfer, logger)
	embeddingHandler := NewEmbeddingHandler(deps.Embed, deps.Index, logger)
	toolsHandler := NewToolsHandler(deps.Tools, logger)
	dbHandler := NewDBHandler(deps.DB, logger)

	setupRoutes(router, metrics, askHandler, chatHandler, collectionsHandler, embeddingHandler, toolsHandler, dbHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Handler 返回底层路由，供进程内测试挂载
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(
	router *gin.Engine,
	metrics *monitoring.Metrics,
	ask *AskHandler,
	chat *ChatHandler,
	collections *CollectionsHandler,
	embedding *EmbeddingHandler,
	tools *ToolsHandler,
	db *DBHandler,
) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	}

	// API版本1
	v1 := router.Group("/api/v1")
	{
		v1.POST("/ask", ask.Ask)
		v1.POST("/ask/stream", ask.Stream)
		v1.POST("/rag/preflight", ask.Preflight)

		toolsGroup := v1.Group("/tools")
		{
			toolsGroup.POST("/invoke", tools.Invoke)
			toolsGroup.POST("/preview", tools.Preview)
			toolsGroup.POST("/policies/reload", tools.ReloadPolicies)
		}

		dbGroup := v1.Group("/db")
		{
			dbGroup.POST("/query_template", db.QueryTemplate)
			dbGroup.GET("/templates", db.ListTemplates)
			dbGroup.GET("/audit", db.Audit)
		}
	}

	// 直通生成
	router.POST("/chat", chat.Chat)
	router.POST("/chat/stream", chat.ChatStream)
	router.POST("/chat/stream_sse", chat.ChatStreamSSE)

	// 直通嵌入
	embeddingGroup := router.Group("/embedding")
	{
		embeddingGroup.POST("/embed", embedding.Embed)
		embeddingGroup.POST("/upsert", embedding.Upsert)
		embeddingGroup.POST("/search", embedding.Search)
	}

	// 集合管理与搬运。子资源统一经参数段分发，见 handler_collections.go。
	collectionsGroup := router.Group("/collections")
	{
		collectionsGroup.GET("", collections.List)
		collectionsGroup.GET("/:name", collections.Get)
		collectionsGroup.GET("/:name/:action", collections.getAction)
		collectionsGroup.POST("/:name", collections.postRoot)
		collectionsGroup.POST("/:name/:action", collections.postAction)
		collectionsGroup.DELETE("/:name", collections.Drop)
		collectionsGroup.DELETE("/:name/:action", collections.deleteAction)
	}
}
