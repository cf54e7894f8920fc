package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// WebhookSecretHeader 聊天网关转发终端用户请求时携带的共享密钥
const WebhookSecretHeader = "X-Webhook-Secret"

// Webhook 校验网关共享密钥。请求体中的 user_id 只有经过网关才可信，未配置密钥时拒绝所有请求
func Webhook(secret string) fiber.Handler {
	expected := []byte(secret)
	return func(c *fiber.Ctx) error {
		got := []byte(c.Get(WebhookSecretHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的网关密钥",
				"code":  "UNAUTHORIZED",
			})
		}
		return c.Next()
	}
}
