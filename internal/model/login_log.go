package model

import "time"

type LoginLog struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	OperatorID uint      `json:"operator_id"`
	Username   string    `json:"username"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"user_agent"`
	Status     string    `json:"status"` // success, failed
	CreatedAt  time.Time `json:"created_at"`
}
