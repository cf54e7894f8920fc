package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market-analysis-bot/internal/analysis"
	"market-analysis-bot/internal/bot"
	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/middleware"
	"market-analysis-bot/internal/service"
	"market-analysis-bot/internal/util"
)

type Options struct {
	DB         *gorm.DB
	Engine     *license.Engine
	Audit      *service.AuditLog
	Sheets     *service.SheetSyncService
	Tokens     *util.Tokens
	Dispatcher *bot.Dispatcher
	Analyzer   analysis.Analyzer
	Logger     zerolog.Logger
	// WebhookSecret 终端用户接口要求的网关密钥
	WebhookSecret string
}

type Handler struct {
	db         *gorm.DB
	engine     *license.Engine
	audit      *service.AuditLog
	sheets     *service.SheetSyncService
	tokens     *util.Tokens
	dispatcher *bot.Dispatcher
	analyzer   analysis.Analyzer
	validate   *validator.Validate
	log        zerolog.Logger

	webhookSecret string
}

func New(opts Options) *Handler {
	return &Handler{
		db:         opts.DB,
		engine:     opts.Engine,
		audit:      opts.Audit,
		sheets:     opts.Sheets,
		tokens:     opts.Tokens,
		dispatcher: opts.Dispatcher,
		analyzer:   opts.Analyzer,
		validate:   validator.New(),
		log:        opts.Logger.With().Str("component", "http").Logger(),

		webhookSecret: opts.WebhookSecret,
	}
}

// errorStatus 许可证错误码对应的 HTTP 状态和提示
var errorStatus = map[string]struct {
	status  int
	message string
}{
	"INVALID_KEY":           {fiber.StatusNotFound, "许可证不存在"},
	"INVALID_USER":          {fiber.StatusBadRequest, "用户ID不能为空"},
	"DUPLICATE_KEY":         {fiber.StatusConflict, "许可证已存在"},
	"ALREADY_ASSIGNED":      {fiber.StatusConflict, "该用户已有激活的许可证"},
	"ALREADY_EXPIRED":       {fiber.StatusConflict, "许可证已过期"},
	"ALREADY_REVOKED":       {fiber.StatusConflict, "许可证已吊销"},
	"KEY_IN_USE":            {fiber.StatusConflict, "许可证已被其他用户使用"},
	"CONCURRENT_ACTIVATION": {fiber.StatusConflict, "许可证正在被激活，请稍后重试"},
	"CONFLICT":              {fiber.StatusConflict, "许可证状态已变化，请重试"},
	"INVALID_TRANSITION":    {fiber.StatusConflict, "不允许的状态变更"},
	"NOT_FOUND":             {fiber.StatusNotFound, "许可证不存在"},
	"NO_LICENSE":            {fiber.StatusForbidden, "没有有效的许可证"},
	"EXPIRED":               {fiber.StatusForbidden, "许可证已过期"},
	"FEATURE_UNAVAILABLE":   {fiber.StatusForbidden, "当前等级不包含该功能"},
	"QUOTA_EXCEEDED":        {fiber.StatusTooManyRequests, "今日请求次数已用完"},
	"UNKNOWN_TIER":          {fiber.StatusBadRequest, "未知的许可证等级"},
	"STORAGE_UNAVAILABLE":   {fiber.StatusServiceUnavailable, "许可证服务暂时不可用"},
}

// licenseError 把许可证错误转换为 JSON 响应
func (h *Handler) licenseError(c *fiber.Ctx, err error) error {
	code := license.Code(err)
	if mapped, ok := errorStatus[code]; ok {
		return c.Status(mapped.status).JSON(fiber.Map{
			"error": mapped.message,
			"code":  code,
		})
	}

	h.log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "服务器内部错误",
		"code":  code,
	})
}

// bind 解析并校验请求体，失败时返回 400 响应内容
func (h *Handler) bind(c *fiber.Ctx, out interface{}) fiber.Map {
	if err := c.BodyParser(out); err != nil {
		return fiber.Map{
			"error": "无效的输入数据",
			"code":  "BAD_REQUEST",
		}
	}
	return h.check(out)
}

func (h *Handler) check(in interface{}) fiber.Map {
	err := h.validate.Struct(in)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fiber.Map{
			"error": "无效的输入数据",
			"code":  "BAD_REQUEST",
		}
	}

	fields := make([]fiber.Map, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fiber.Map{"field": fe.Field(), "message": fe.Tag()})
	}
	return fiber.Map{
		"error":  "输入数据校验失败",
		"code":   "VALIDATION_FAILED",
		"errors": fields,
	}
}

// actorContext 把当前操作员写入 context，供审计日志使用
func actorContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	id, _ := c.Locals(middleware.LocalOperatorID).(uint)
	name, _ := c.Locals(middleware.LocalUsername).(string)
	if id == 0 && name == "" {
		return ctx
	}
	return service.WithActor(ctx, service.Actor{OperatorID: id, Name: name})
}
