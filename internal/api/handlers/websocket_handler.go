package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/pipeline"
	"github.com/sparql-agent/backend/pkg/logger"
)

// WebSocketHandler streams resolutions as JSON frames, one frame per
// pipeline event.
type WebSocketHandler struct {
	orchestrator *pipeline.Orchestrator
	defaults     pipeline.AblationConfig
}

func NewWebSocketHandler(orchestrator *pipeline.Orchestrator, defaults pipeline.AblationConfig) *WebSocketHandler {
	return &WebSocketHandler{orchestrator: orchestrator, defaults: defaults}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")
	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type  string `json:"type"`
			Query string `json:"query"`
		}
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" || msg.Query == "" {
			continue
		}

		logger.Info("Processing WebSocket query", zap.String("query", msg.Query))
		if err := h.streamResolution(c, msg.Query); err != nil {
			logger.Warn("WebSocket stream aborted", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) streamResolution(c *websocket.Conn, question string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for ev := range h.orchestrator.Resolve(ctx, question, h.defaults) {
		if err := c.WriteJSON(ev); err != nil {
			// Client is gone; stop the pipeline too.
			cancel()
			return err
		}
	}
	return nil
}
