package handler

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"market-analysis-bot/internal/database"
	"market-analysis-bot/internal/middleware"
	"market-analysis-bot/internal/model"
)

type LoginInput struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required"`
}

type CreateOperatorInput struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"omitempty,oneof=admin viewer"`
}

type UpdateOperatorInput struct {
	Role     string `json:"role" validate:"omitempty,oneof=admin viewer"`
	Disabled *bool  `json:"disabled"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8"`
}

// OperatorSearchQuery 操作员搜索查询参数
type OperatorSearchQuery struct {
	Page     int    `query:"page"`
	PageSize int    `query:"page_size"`
	Keyword  string `query:"keyword"`
	Role     string `query:"role"`
}

func (h *Handler) HandleUserLogin(c *fiber.Ctx) error {
	input := new(LoginInput)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	loginLog := &model.LoginLog{
		Username:  input.Username,
		IP:        c.IP(),
		UserAgent: c.Get("User-Agent"),
		Status:    "failed",
	}

	var operator model.Operator
	result := h.db.WithContext(c.UserContext()).Where("username = ?", input.Username).First(&operator)
	if result.Error != nil || operator.Disabled {
		h.recordLogin(c, loginLog)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "用户名或密码错误",
		})
	}

	// 验证密码
	if err := bcrypt.CompareHashAndPassword([]byte(operator.Password), []byte(input.Password)); err != nil {
		loginLog.OperatorID = operator.ID
		h.recordLogin(c, loginLog)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "用户名或密码错误",
		})
	}

	// 生成JWT令牌
	token, err := h.tokens.GenerateToken(operator.ID, operator.Username, operator.Role)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "令牌生成失败",
		})
	}

	loginLog.OperatorID = operator.ID
	loginLog.Status = "success"
	h.recordLogin(c, loginLog)

	// 更新最后登录时间
	operator.LastLogin = time.Now()
	h.db.WithContext(c.UserContext()).Model(&operator).Update("last_login", operator.LastLogin)

	return c.JSON(fiber.Map{
		"token": token,
		"user":  operator,
	})
}

func (h *Handler) recordLogin(c *fiber.Ctx, entry *model.LoginLog) {
	if err := h.audit.RecordLogin(c.UserContext(), entry); err != nil {
		h.log.Error().Err(err).Str("username", entry.Username).Msg("failed to record login")
	}
}

func (h *Handler) currentOperator(c *fiber.Ctx) (*model.Operator, error) {
	operatorID, ok := c.Locals(middleware.LocalOperatorID).(uint)
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	var operator model.Operator
	if err := h.db.WithContext(c.UserContext()).First(&operator, operatorID).Error; err != nil {
		return nil, err
	}
	return &operator, nil
}

func (h *Handler) HandleUserInfo(c *fiber.Ctx) error {
	operator, err := h.currentOperator(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "用户不存在",
		})
	}
	return c.JSON(operator)
}

// HandleChangePassword 修改当前操作员密码
func (h *Handler) HandleChangePassword(c *fiber.Ctx) error {
	input := new(ChangePasswordInput)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	operator, err := h.currentOperator(c)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "用户不存在",
		})
	}

	// 验证当前密码
	if err := bcrypt.CompareHashAndPassword([]byte(operator.Password), []byte(input.CurrentPassword)); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "当前密码错误",
		})
	}

	// 密码加密
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "密码加密失败",
		})
	}

	if err := h.db.WithContext(c.UserContext()).Model(operator).Update("password", string(hashedPassword)).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "密码更新失败",
		})
	}

	return c.JSON(fiber.Map{
		"message": "密码更新成功",
	})
}

// HandleCreateOperator 管理员创建操作员账户
func (h *Handler) HandleCreateOperator(c *fiber.Ctx) error {
	input := new(CreateOperatorInput)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}
	if input.Role == "" {
		input.Role = model.RoleViewer
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "密码加密失败",
		})
	}

	operator := &model.Operator{
		Username: input.Username,
		Password: string(hashedPassword),
		Role:     input.Role,
	}
	if err := h.db.WithContext(c.UserContext()).Create(operator).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "用户名已存在",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "用户创建失败",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(operator)
}

func (h *Handler) HandleSearchOperators(c *fiber.Ctx) error {
	query := new(OperatorSearchQuery)
	if err := c.QueryParser(query); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的查询参数",
		})
	}

	// 设置默认值
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 {
		query.PageSize = 10
	}
	if query.PageSize > 100 {
		query.PageSize = 100
	}

	db := h.db.WithContext(c.UserContext()).Model(&model.Operator{})
	if query.Keyword != "" {
		db = db.Where("username LIKE ?", "%"+query.Keyword+"%")
	}
	if query.Role != "" {
		db = db.Where("role = ?", query.Role)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取用户总数失败",
		})
	}

	var operators []model.Operator
	offset := (query.Page - 1) * query.PageSize
	if err := db.Order("id").Offset(offset).Limit(query.PageSize).Find(&operators).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取用户列表失败",
		})
	}

	return c.JSON(fiber.Map{
		"users": operators,
		"total": total,
		"page":  query.Page,
		"size":  query.PageSize,
	})
}

// HandleUpdateOperator 修改角色或禁用账户，不能修改自己
func (h *Handler) HandleUpdateOperator(c *fiber.Ctx) error {
	input := new(UpdateOperatorInput)
	if resp := h.bind(c, input); resp != nil {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}

	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "无效的用户ID",
		})
	}
	if currentID, _ := c.Locals(middleware.LocalOperatorID).(uint); uint(id) == currentID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "不能修改自己的账户",
		})
	}

	var operator model.Operator
	if err := h.db.WithContext(c.UserContext()).First(&operator, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "用户不存在",
		})
	}

	updates := map[string]interface{}{}
	if input.Role != "" {
		updates["role"] = input.Role
	}
	if input.Disabled != nil {
		updates["disabled"] = *input.Disabled
	}
	if len(updates) > 0 {
		if err := h.db.WithContext(c.UserContext()).Model(&operator).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "更新用户信息失败",
			})
		}
	}

	return c.JSON(operator)
}

func (h *Handler) HandleGetLoginLogs(c *fiber.Ctx) error {
	operatorID, _ := c.Locals(middleware.LocalOperatorID).(uint)
	page, pageSize := pageParams(c)

	var logs []model.LoginLog
	var total int64

	db := h.db.WithContext(c.UserContext()).Model(&model.LoginLog{}).Where("operator_id = ?", operatorID)

	// 获取总数
	if err := db.Count(&total).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取登录日志总数失败",
		})
	}

	// 获取分页数据
	offset := (page - 1) * pageSize
	if err := db.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "获取登录日志失败",
		})
	}

	return c.JSON(fiber.Map{
		"logs":  logs,
		"total": total,
		"page":  page,
		"size":  pageSize,
	})
}
