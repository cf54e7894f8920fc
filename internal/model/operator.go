package model

import (
	"time"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Operator 管理后台账户，负责生成和吊销许可证
type Operator struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"unique;not null"`
	Password  string    `json:"-" gorm:"not null"`
	Role      string    `json:"role" gorm:"default:'viewer'"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastLogin time.Time `json:"last_login"`
}

func (o *Operator) IsAdmin() bool {
	return o.Role == RoleAdmin && !o.Disabled
}
