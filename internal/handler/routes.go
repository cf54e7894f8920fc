package handler

import (
	"github.com/gofiber/fiber/v2"

	"market-analysis-bot/internal/middleware"
)

// Register 注册 /api/v1 下的全部路由
func (h *Handler) Register(app *fiber.App) {
	api := app.Group("/api/v1")
	auth := middleware.Auth(h.tokens)
	admin := middleware.AdminOnly(h.db)
	webhook := middleware.Webhook(h.webhookSecret)

	// 操作员认证
	api.Post("/auth/login", h.HandleUserLogin)
	api.Post("/auth/change-password", auth, h.HandleChangePassword)
	api.Get("/users/info", auth, h.HandleUserInfo)
	api.Get("/users/login-logs", auth, h.HandleGetLoginLogs)
	api.Get("/users/logs", auth, h.HandleGetUserLogs)
	api.Get("/users", auth, admin, h.HandleSearchOperators)
	api.Post("/users", auth, admin, h.HandleCreateOperator)
	api.Put("/users/:id", auth, admin, h.HandleUpdateOperator)

	// 许可证管理
	api.Get("/licenses", auth, h.HandleGetAllLicenses)
	api.Get("/licenses/statistics", auth, h.HandleLicenseStatistics)
	api.Post("/licenses/generate", auth, admin, h.HandleLicenseGenerate)
	api.Post("/licenses/export", auth, admin, h.HandleLicenseExport)
	api.Post("/licenses/activate", webhook, h.HandleLicenseActivate)
	api.Get("/licenses/:key", auth, h.HandleGetLicense)
	api.Post("/licenses/:key/revoke", auth, admin, h.HandleLicenseRevoke)
	api.Get("/logs", auth, h.HandleGetLogs)

	// 终端用户，经聊天网关转发
	api.Get("/entitlements/:user", webhook, h.HandleEntitlement)
	api.Post("/analysis", webhook, h.HandleAnalysis)
	api.Post("/bot/messages", webhook, h.HandleBotMessage)
}
