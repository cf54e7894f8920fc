package model

import "time"

// 审计动作
const (
	ActionGenerate = "generate"
	ActionActivate = "activate"
	ActionExpire   = "expire"
	ActionRevoke   = "revoke"
	ActionLogin    = "login"
)

// OperationLog 审计日志。OperatorID 为 0 表示由终端用户或系统触发
type OperationLog struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	OperatorID uint      `json:"operator_id" gorm:"index"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action" gorm:"index"`
	Target     string    `json:"target"`
	TargetID   string    `json:"target_id" gorm:"index"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}
