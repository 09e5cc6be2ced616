package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	cache "github.com/sparql-agent/backend/internal/cache/redis"
	"github.com/sparql-agent/backend/internal/llm"
	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
)

const probeTimeout = 2 * time.Second

// HealthHandler reports a tri-state summary: the cache and the query
// engine are required, the language model only degrades.
type HealthHandler struct {
	cache       *cache.Client
	triplestore *virtuoso.Client
	llm         *llm.Client
}

func NewHealthHandler(cacheClient *cache.Client, ts *virtuoso.Client, llmClient *llm.Client) *HealthHandler {
	return &HealthHandler{cache: cacheClient, triplestore: ts, llm: llmClient}
}

func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*probeTimeout)
	defer cancel()

	components := fiber.Map{}
	required := 0

	if err := h.cache.Ping(ctx); err != nil {
		components["cache"] = "unreachable"
		required++
	} else {
		components["cache"] = "ok"
	}

	if err := h.triplestore.Probe(ctx, probeTimeout); err != nil {
		components["triplestore"] = "unreachable"
		required++
	} else {
		components["triplestore"] = "ok"
	}

	llmOk := true
	if err := h.llm.Probe(ctx, probeTimeout); err != nil {
		components["llm"] = "unreachable"
		llmOk = false
	} else {
		components["llm"] = "ok"
	}

	status := "healthy"
	code := fiber.StatusOK
	switch {
	case required > 0:
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	case !llmOk:
		status = "degraded"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"components": components,
	})
}
