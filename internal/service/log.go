package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"market-analysis-bot/internal/license"
	"market-analysis-bot/internal/model"
)

// Actor 触发操作的主体，写入审计日志
type Actor struct {
	OperatorID uint
	Name       string
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored in ctx, or the system actor.
func ActorFrom(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	return Actor{Name: "system"}
}

// AuditLog 操作日志
type AuditLog struct {
	db  *gorm.DB
	log zerolog.Logger
}

func NewAuditLog(db *gorm.DB, log zerolog.Logger) *AuditLog {
	return &AuditLog{db: db, log: log}
}

func (a *AuditLog) LogOperation(ctx context.Context, action, target, targetID string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "marshal details")
	}

	actor := ActorFrom(ctx)
	entry := &model.OperationLog{
		OperatorID: actor.OperatorID,
		Actor:      actor.Name,
		Action:     action,
		Target:     target,
		TargetID:   targetID,
		Details:    string(detailsJSON),
		CreatedAt:  time.Now(),
	}
	return errors.Wrap(a.db.WithContext(ctx).Create(entry).Error, "insert operation log")
}

var statusActions = map[model.Status]string{
	model.StatusIssued:  model.ActionGenerate,
	model.StatusActive:  model.ActionActivate,
	model.StatusExpired: model.ActionExpire,
	model.StatusRevoked: model.ActionRevoke,
}

// Hook 作为 KeyStore 的变更回调，记录每次状态变化
func (a *AuditLog) Hook(ctx context.Context, key model.LicenseKey) {
	details := map[string]interface{}{
		"tier": key.Tier,
	}
	if user := key.User(); user != "" {
		details["user_id"] = user
	}
	if key.RevokeReason != "" {
		details["reason"] = key.RevokeReason
	}

	// 审计写入不应被调用方取消
	ctx = context.WithoutCancel(ctx)
	if err := a.LogOperation(ctx, statusActions[key.Status], "license", key.KeyString, details); err != nil {
		a.log.Error().Err(err).Str("key", license.MaskKey(key.KeyString)).Msg("failed to write audit log")
	}
}

type LogQuery struct {
	Page       int
	PageSize   int
	OperatorID uint
	Action     string
	TargetID   string
}

// GetOperationLogs 分页查询操作日志，最新的在前
func (a *AuditLog) GetOperationLogs(ctx context.Context, q LogQuery) ([]model.OperationLog, int64, error) {
	var logs []model.OperationLog
	var total int64

	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 10
	}

	db := a.db.WithContext(ctx).Model(&model.OperationLog{})
	if q.OperatorID != 0 {
		db = db.Where("operator_id = ?", q.OperatorID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.TargetID != "" {
		db = db.Where("target_id = ?", q.TargetID)
	}

	// 获取总数
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count operation logs")
	}

	// 获取分页数据
	offset := (q.Page - 1) * q.PageSize
	if err := db.Order("created_at DESC, id DESC").Offset(offset).Limit(q.PageSize).Find(&logs).Error; err != nil {
		return nil, 0, errors.Wrap(err, "list operation logs")
	}

	return logs, total, nil
}

func (a *AuditLog) RecordLogin(ctx context.Context, entry *model.LoginLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return errors.Wrap(a.db.WithContext(ctx).Create(entry).Error, "insert login log")
}
