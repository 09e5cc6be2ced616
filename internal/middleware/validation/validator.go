package validation

import (
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxQueryLength int
	Logger         *zap.Logger
}

// Middleware validates the NL and SPARQL query endpoints. It deliberately
// does not block query keywords: SELECT/ASK are legitimate content here,
// both in questions about queries and on the direct SPARQL endpoint.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 5000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		path := c.Path()
		if !strings.Contains(path, "/nl/query") && !strings.Contains(path, "/sparql/query") {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !strings.Contains(contentType, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		var req map[string]interface{}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		query, ok := req["query"].(string)
		if !ok || strings.TrimSpace(query) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query is required and must be a string",
			})
		}

		if len(query) > cfg.MaxQueryLength {
			cfg.Logger.Warn("Oversized query rejected",
				zap.String("ip", c.IP()),
				zap.Int("length", len(query)),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query exceeds maximum length",
			})
		}

		if hasControlCharacters(query) {
			cfg.Logger.Warn("Query with control characters rejected",
				zap.String("ip", c.IP()),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query contains invalid characters",
			})
		}

		if strings.Contains(path, "/sparql/query") {
			if qtype, ok := req["type"].(string); ok && !allowedQueryType(qtype) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Unsupported query type",
				})
			}
		}

		return c.Next()
	}
}

func hasControlCharacters(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

func allowedQueryType(t string) bool {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "", "SELECT", "ASK", "CONSTRUCT", "DESCRIBE":
		return true
	}
	return false
}
