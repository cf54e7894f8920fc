package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"market-analysis-bot/internal/model"
	"market-analysis-bot/internal/util"
)

const (
	LocalOperatorID = "operatorID"
	LocalUsername   = "username"
	LocalRole       = "role"
)

func Auth(tokens *util.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "未提供认证令牌",
				"code":  "UNAUTHORIZED",
			})
		}

		// 获取 Bearer token
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的认证格式",
				"code":  "UNAUTHORIZED",
			})
		}

		claims, err := tokens.ValidateToken(tokenParts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "无效的认证令牌",
				"code":  "UNAUTHORIZED",
			})
		}

		c.Locals(LocalOperatorID, claims.OperatorID)
		c.Locals(LocalUsername, claims.Username)
		c.Locals(LocalRole, claims.Role)
		return c.Next()
	}
}

// AdminOnly 以数据库中的角色为准，令牌签发后被降级或禁用的账户立即失效
func AdminOnly(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		operatorID, ok := c.Locals(LocalOperatorID).(uint)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "未提供认证令牌",
				"code":  "UNAUTHORIZED",
			})
		}

		var operator model.Operator
		result := db.WithContext(c.UserContext()).First(&operator, operatorID)
		if result.Error != nil || !operator.IsAdmin() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "需要管理员权限",
				"code":  "FORBIDDEN",
			})
		}

		return c.Next()
	}
}
