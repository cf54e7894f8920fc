package model

import (
	"time"
)

// UsageRecord 用户当前配额窗口内的请求计数
type UsageRecord struct {
	UserID       string    `json:"user_id" gorm:"primaryKey;size:64"`
	WindowStart  int64     `json:"window_start" gorm:"not null"`
	RequestCount int64     `json:"request_count" gorm:"not null;default:0"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// Window returns the start of the record's quota window.
func (r *UsageRecord) Window() time.Time {
	return time.Unix(r.WindowStart, 0)
}

// UsageEvent 每次计费请求的记录，用于统计分析
type UsageEvent struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"size:64;index"`
	Feature   string    `json:"feature" gorm:"size:64"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}
