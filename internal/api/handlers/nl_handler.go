package handlers

import (
	"bufio"
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/pipeline"
	"github.com/sparql-agent/backend/pkg/logger"
)

// NLHandler serves the streaming natural-language resolution endpoint.
type NLHandler struct {
	orchestrator *pipeline.Orchestrator
	defaults     pipeline.AblationConfig
}

func NewNLHandler(orchestrator *pipeline.Orchestrator, defaults pipeline.AblationConfig) *NLHandler {
	return &NLHandler{orchestrator: orchestrator, defaults: defaults}
}

// HandleQuery streams the answer as SSE-style lines: `status: <msg>`
// progress lines, raw answer fragments, an `error: <msg>` line on
// failure, always terminated by `data: [DONE]`.
func (h *NLHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	question := req.Query
	ablation := h.defaults
	logger.Info("Resolving natural language query", zap.String("query", question))

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		// The handler has returned by the time this runs, so the stream
		// gets its own context, cancelled the moment a write fails
		// (client gone).
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		write := func(format string, args ...interface{}) bool {
			if _, err := fmt.Fprintf(w, format, args...); err != nil {
				cancel()
				return false
			}
			if err := w.Flush(); err != nil {
				cancel()
				return false
			}
			return true
		}

		for ev := range h.orchestrator.Resolve(ctx, question, ablation) {
			switch ev.Type {
			case pipeline.EventStatus:
				if !write("status: %s\n", ev.Content) {
					return
				}
			case pipeline.EventChunk:
				if !write("%s", ev.Content) {
					return
				}
			case pipeline.EventError:
				if !write("\nerror: %s\n", ev.Content) {
					return
				}
			case pipeline.EventDone:
				// terminal line written below
			}
		}
		write("\ndata: [DONE]\n")
	}))

	return nil
}
