package handler

import (
	"github.com/gofiber/fiber/v2"

	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/model"
)

type GenerateInput struct {
	Tier  string `json:"tier" validate:"required,oneof=trial standard premium lifetime"`
	Count int    `json:"count" validate:"omitempty,min=1,max=100"`
	Note  string `json:"note" validate:"max=200"`
}

type RevokeInput struct {
	Reason string `json:"reason" validate:"max=200"`
}

type ActivateInput struct {
	Key    string `json:"key" validate:"required,max=64"`
	UserID string `json:"user_id" validate:"required,max=64"`
}

type LicenseQuery struct {
	Page     int    `query:"page"`
	PageSize int    `query:"page_size"`
	Status   string `query:"status" validate:"omitempty,oneof=issued active expired revoked"`
	Tier     string `query:"tier" validate:"omitempty,oneof=trial standard premium lifetime"`
	UserID   string `query:"user_id"`
}

// HandleLicenseGenerate 管理员批量生成许可证
func (h *Handler) HandleLicenseGenerate(c *fiber.Ctx) error {
	input := new(GenerateInput)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}
	if input.Count == 0 {
		input.Count = 1
	}

	keys, err := h.engine.Issue(actorContext(c), model.Tier(input.Tier), input.Count, input.Note)
	if err != nil {
		return h.licenseError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"licenses": keys,
	})
}

// HandleLicenseRevoke 吊销许可证
func (h *Handler) HandleLicenseRevoke(c *fiber.Ctx) error {
	input := new(RevokeInput)
	if len(c.Body()) > 0 {
		if resp := h.bind(c, input); resp != nil {
			return c.Status(fiber.StatusBadRequest).JSON(resp)
		}
	}

	key, err := h.engine.Activator.Revoke(actorContext(c), c.Params("key"), input.Reason)
	if err != nil {
		return h.licenseError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "许可证已吊销",
		"license": key,
	})
}

// HandleGetAllLicenses 管理员分页获取许可证
func (h *Handler) HandleGetAllLicenses(c *fiber.Ctx) error {
	query := new(LicenseQuery)
	if err := c.QueryParser(query); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的查询参数",
			"code":  "BAD_REQUEST",
		})
	}
	if resp := h.check(query); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	// 设置默认值
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = 20
	}
	if query.PageSize > 100 {
		query.PageSize = 100
	}

	keys, total, err := h.engine.Store.List(c.UserContext(), license.ListFilter{
		Status: model.Status(query.Status),
		Tier:   model.Tier(query.Tier),
		UserID: query.UserID,
		Limit:  query.PageSize,
		Offset: (query.Page - 1) * query.PageSize,
	})
	if err != nil {
		return h.licenseError(c, err)
	}

	return c.JSON(fiber.Map{
		"licenses": keys,
		"total":    total,
		"page":     query.Page,
		"size":     query.PageSize,
	})
}

// HandleGetLicense 获取单个许可证详情
func (h *Handler) HandleGetLicense(c *fiber.Ctx) error {
	key, err := h.engine.Store.Get(c.UserContext(), license.NormalizeKey(c.Params("key")))
	if err != nil {
		return h.licenseError(c, err)
	}
	return c.JSON(key)
}

// HandleLicenseActivate 终端用户激活许可证
func (h *Handler) HandleLicenseActivate(c *fiber.Ctx) error {
	input := new(ActivateInput)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	res, err := h.engine.Activator.Activate(c.UserContext(), input.Key, input.UserID)
	if err != nil {
		return h.licenseError(c, err)
	}

	return c.JSON(fiber.Map{
		"license":     res.Key,
		"reactivated": res.Reactivated,
	})
}

// HandleEntitlement 查询用户当前权限和今日剩余次数，不计费
func (h *Handler) HandleEntitlement(c *fiber.Ctx) error {
	decision, err := h.engine.Guard.Check(c.UserContext(), c.Params("user"), c.Query("feature"))
	if err != nil {
		return h.licenseError(c, err)
	}
	return c.JSON(decision)
}

// HandleLicenseExport 把全部许可证覆盖写入 Google Sheet
func (h *Handler) HandleLicenseExport(c *fiber.Ctx) error {
	if h.sheets == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "未启用 Google Sheet 同步",
			"code":  "SHEETS_DISABLED",
		})
	}

	keys, _, err := h.engine.Store.List(c.UserContext(), license.ListFilter{})
	if err != nil {
		return h.licenseError(c, err)
	}
	if err := h.sheets.BatchSyncLicenses(c.UserContext(), keys); err != nil {
		h.log.Error().Err(err).Msg("sheet export failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "同步到 Google Sheet 失败",
			"code":  "SHEETS_FAILED",
		})
	}

	return c.JSON(fiber.Map{
		"message": "导出成功",
		"total":   len(keys),
	})
}
