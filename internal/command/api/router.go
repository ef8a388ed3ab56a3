package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/cmdq/internal/command/streaming"
	"github.com/kandev/cmdq/internal/common/httpmw"
	"github.com/kandev/cmdq/internal/common/logger"
)

const serverName = "cmdq-api"

// NewRouter builds the gin engine with the shared middleware stack. ws may
// be nil to leave out the streaming routes.
func NewRouter(handler *Handler, ws *streaming.WSHandler, origins *httpmw.OriginPolicy, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(
		Recovery(log),
		httpmw.RequestID(),
		httpmw.OtelTracing(serverName),
		httpmw.RequestLogger(log, serverName),
		CORS(origins),
	)

	v1 := router.Group("/api/v1")
	if ws != nil {
		streaming.SetupWebSocketRoutes(v1, ws)
	}
	SetupRoutes(v1, handler, log)
	return router
}

// SetupRoutes configures the command API routes
func SetupRoutes(router *gin.RouterGroup, handler *Handler, log *logger.Logger) {
	api := router.Group("", ErrorHandler(log))

	api.GET("/status", handler.GetStatus)
	api.GET("/metrics", handler.GetMetrics)
	api.GET("/health", handler.GetHealth)
	api.GET("/kinds", handler.ListKinds)
	api.PUT("/concurrency", handler.SetConcurrency)

	api.POST("/commands", handler.SubmitCommand)
	api.GET("/commands", handler.ListCommands)
	api.POST("/commands/cancel-all", handler.CancelAllCommands)

	commands := api.Group("/commands/:id")
	{
		commands.GET("", handler.GetCommand)
		commands.POST("/cancel", handler.CancelCommand)
		commands.GET("/output", handler.GetCommandOutput)
		commands.DELETE("/output", handler.ClearCommandOutput)
	}
}
