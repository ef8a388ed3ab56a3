package streaming

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/command/models"
	"github.com/kandev/cmdq/internal/common/errors"
	"github.com/kandev/cmdq/internal/common/httpmw"
	"github.com/kandev/cmdq/internal/common/logger"
)

// CommandLookup resolves command ids before a per-command stream is opened.
type CommandLookup interface {
	GetCommandStatus(id string) (*models.StatusRecord, error)
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub      *Hub
	commands CommandLookup
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWSHandler creates a new WebSocket handler. Upgrades from browser
// origins the policy does not allow are refused.
func NewWSHandler(hub *Hub, commands CommandLookup, origins *httpmw.OriginPolicy, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		commands: commands,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckRequest,
		},
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamCommand streams the events of one command.
// WS /api/v1/commands/:id/stream
func (h *WSHandler) StreamCommand(c *gin.Context) {
	commandID := c.Param("id")
	if _, err := h.commands.GetCommandStatus(commandID); err != nil {
		appErr := errors.NotFound(commandID, err)
		c.JSON(appErr.HTTPStatus, appErr.Envelope())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("command_id", commandID),
			zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, false, h.logger)
	h.logger.Info("WebSocket connection established for command",
		zap.String("client_id", client.ID),
		zap.String("command_id", commandID))

	h.hub.Register(client)
	client.Subscribe(commandID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll streams every command's events. Passing ?filter=subscribed
// limits delivery to commands the client subscribes to with
// {"action":"subscribe","command_ids":[...]}.
// WS /api/v1/commands/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	all := c.Query("filter") != "subscribed"

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, all, h.logger)
	h.logger.Info("WebSocket connection established for all commands",
		zap.String("client_id", client.ID),
		zap.Bool("all", all))

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds WebSocket routes to the router
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/commands/stream", handler.StreamAll)
	router.GET("/commands/:id/stream", handler.StreamCommand)
}
