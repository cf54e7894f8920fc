package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"

	"market-analysis-bot/internal/analysis"
	"market-analysis-bot/internal/bot"
)

// HandleAnalysis 受许可证保护的分析接口，只有成功的请求计入配额
func (h *Handler) HandleAnalysis(c *fiber.Ctx) error {
	input := new(analysis.Request)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}
	if input.Empty() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "文本和图片不能同时为空",
			"code":  "BAD_REQUEST",
		})
	}

	var result analysis.Result
	decision, err := h.engine.Guard.Run(c.UserContext(), input.UserID, bot.FeatureAnalysis, func(ctx context.Context) error {
		var err error
		result, err = h.analyzer.Analyze(ctx, *input)
		return err
	})
	if err != nil {
		if !decision.Allowed {
			return h.licenseError(c, err)
		}
		if errors.Is(err, analysis.ErrUnavailable) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "未配置分析服务",
				"code":  "ANALYSIS_UNAVAILABLE",
			})
		}
		h.log.Warn().Err(err).Str("user_id", input.UserID).Msg("analysis backend failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "分析服务暂时不可用",
			"code":  "ANALYSIS_FAILED",
		})
	}

	return c.JSON(fiber.Map{
		"result":      result,
		"entitlement": decision,
	})
}

// HandleBotMessage 聊天平台适配器的 webhook
func (h *Handler) HandleBotMessage(c *fiber.Ctx) error {
	msg := new(bot.Message)
	if resp := h.bind(c, msg); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}
	return c.JSON(h.dispatcher.Handle(c.UserContext(), *msg))
}
