package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	cache "github.com/sparql-agent/backend/internal/cache/redis"
	"github.com/sparql-agent/backend/internal/retriever"
	"github.com/sparql-agent/backend/pkg/logger"
	"github.com/sparql-agent/backend/pkg/retry"
	"github.com/sparql-agent/backend/pkg/utils"
)

// AdminHandler groups cache administration: flush, pre-warm, stats and
// the hit-count leaderboard.
type AdminHandler struct {
	cache     *cache.Client
	retriever *retriever.Retriever
}

func NewAdminHandler(cacheClient *cache.Client, ret *retriever.Retriever) *AdminHandler {
	return &AdminHandler{cache: cacheClient, retriever: ret}
}

func (h *AdminHandler) HandleFlush(c *fiber.Ctx) error {
	removed, err := h.cache.Flush(c.Context())
	if err != nil {
		logger.Error("Cache flush failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Cache is unavailable",
		})
	}

	logger.Info("Cache flushed", zap.Int("removed", removed))
	return c.JSON(fiber.Map{"removed": removed})
}

// HandlePrewarm bulk-loads known-good (question, sparql) pairs. Writes
// are advisory, so each put gets a short retry and a failure only skips
// that pair.
func (h *AdminHandler) HandlePrewarm(c *fiber.Ctx) error {
	var req struct {
		Pairs []struct {
			Question string `json:"question"`
			Sparql   string `json:"sparql"`
		} `json:"pairs"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Pairs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one pair is required",
		})
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = logger.GetLogger()

	cached, skipped, failed := 0, 0, 0
	for _, pair := range req.Pairs {
		if pair.Question == "" || pair.Sparql == "" {
			skipped++
			continue
		}
		normalized := utils.NormalizeQuestion(pair.Question)
		err := retry.Do(c.Context(), retryCfg, func() error {
			return h.cache.Put(c.Context(), normalized, pair.Sparql, nil)
		})
		if err != nil {
			logger.Warn("Failed to pre-warm cache entry",
				zap.String("question", pair.Question),
				zap.Error(err),
			)
			failed++
			continue
		}
		cached++
	}

	if cached > 0 && h.retriever != nil {
		h.retriever.NotifyCached(c.Context())
	}

	logger.Info("Cache pre-warm complete",
		zap.Int("cached", cached),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
	)
	return c.JSON(fiber.Map{
		"cached":  cached,
		"skipped": skipped,
		"failed":  failed,
	})
}

func (h *AdminHandler) HandleTopQueries(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 10)
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	stats, err := h.cache.TopQueries(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to load top queries", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Cache is unavailable",
		})
	}
	return c.JSON(fiber.Map{"queries": stats})
}

func (h *AdminHandler) HandleCacheStats(c *fiber.Ctx) error {
	count, err := h.cache.Count(c.Context())
	if err != nil {
		logger.Error("Failed to load cache stats", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Cache is unavailable",
		})
	}

	top, err := h.cache.TopQueries(c.Context(), 5)
	if err != nil {
		top = nil
	}
	return c.JSON(fiber.Map{
		"records":     count,
		"top_queries": top,
	})
}
