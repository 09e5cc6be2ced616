package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sparql-agent/backend/internal/triplestore/virtuoso"
	"github.com/sparql-agent/backend/pkg/logger"
)

// SparqlHandler exposes direct query execution, bypassing the NL stages.
type SparqlHandler struct {
	executor *virtuoso.Client
}

func NewSparqlHandler(executor *virtuoso.Client) *SparqlHandler {
	return &SparqlHandler{executor: executor}
}

func (h *SparqlHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query string `json:"query"`
		Type  string `json:"type"`
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

	shape, err := virtuoso.ShapeFromString(req.Type)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported query type",
		})
	}

	result, err := h.executor.Execute(c.Context(), req.Query, shape)
	if err != nil {
		status, msg := executionStatus(err)
		logger.Error("Direct query execution failed",
			zap.String("type", req.Type),
			zap.Error(err),
		)
		return c.Status(status).JSON(fiber.Map{"error": msg})
	}

	if result.Boolean != nil {
		return c.JSON(fiber.Map{"boolean": *result.Boolean})
	}
	return c.JSON(fiber.Map{
		"vars":      result.Vars,
		"bindings":  result.Bindings,
		"row_count": result.RowCount,
	})
}

func executionStatus(err error) (int, string) {
	var execErr *virtuoso.ExecutionError
	if !errors.As(err, &execErr) {
		return fiber.StatusBadGateway, "Query execution failed"
	}
	switch execErr.Kind {
	case virtuoso.KindMalformed:
		return fiber.StatusBadRequest, "Query was rejected by the query engine"
	case virtuoso.KindTimeout:
		return fiber.StatusGatewayTimeout, "Query timed out"
	default:
		return fiber.StatusBadGateway, "Query engine unavailable"
	}
}
