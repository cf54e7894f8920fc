package handler

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"market-analysis-bot/internal/middleware"
	"market-analysis-bot/internal/service"
)

func pageParams(c *fiber.Ctx) (int, int) {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "10"))

	// 限制页面大小
	if pageSize > 100 {
		pageSize = 100
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return page, pageSize
}

// HandleGetLogs 审计日志，可按动作和许可证过滤
func (h *Handler) HandleGetLogs(c *fiber.Ctx) error {
	page, pageSize := pageParams(c)

	logs, total, err := h.audit.GetOperationLogs(c.UserContext(), service.LogQuery{
		Page:     page,
		PageSize: pageSize,
		Action:   c.Query("action"),
		TargetID: c.Query("target_id"),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("load operation logs failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取日志失败",
		})
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}

// HandleGetUserLogs 当前操作员自己的操作记录
func (h *Handler) HandleGetUserLogs(c *fiber.Ctx) error {
	page, pageSize := pageParams(c)
	operatorID, ok := c.Locals(middleware.LocalOperatorID).(uint)
	if !ok || operatorID == 0 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "未提供认证令牌",
		})
	}

	logs, total, err := h.audit.GetOperationLogs(c.UserContext(), service.LogQuery{
		Page:       page,
		PageSize:   pageSize,
		OperatorID: operatorID,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("load operation logs failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取日志失败",
		})
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
	})
}
