package handler

import (
	"github.com/gofiber/fiber/v2"
)

// HandleLicenseStatistics 处理许可证统计信息请求
func (h *Handler) HandleLicenseStatistics(c *fiber.Ctx) error {
	stats, err := h.engine.Stats(c.UserContext())
	if err != nil {
		h.log.Error().Err(err).Msg("load statistics failed")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"code":    503,
			"message": "获取统计信息失败",
		})
	}

	return c.JSON(fiber.Map{
		"code":    200,
		"message": "success",
		"data": fiber.Map{
			"statistics":      stats,
			"activation_rate": stats.ActivationRate(),
		},
	})
}
