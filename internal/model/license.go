package model

import (
	"time"
)

// Tier 许可证等级
type Tier string

const (
	TierTrial    Tier = "trial"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierLifetime Tier = "lifetime"
)

// Tiers 按等级从低到高排列
var Tiers = []Tier{TierTrial, TierStandard, TierPremium, TierLifetime}

func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierStandard, TierPremium, TierLifetime:
		return true
	}
	return false
}

// Status 许可证状态
type Status string

const (
	StatusIssued  Status = "issued"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Terminal 终止状态不能再迁移
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// 允许的状态迁移
var transitions = map[Status][]Status{
	StatusIssued: {StatusActive, StatusRevoked},
	StatusActive: {StatusExpired, StatusRevoked},
}

// CanTransition reports whether a key may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LicenseKey is the durable record behind a license key string. ValidUntil is nil
// for keys that never expire.
type LicenseKey struct {
	KeyString      string     `json:"key" gorm:"primaryKey;size:64"`
	Tier           Tier       `json:"tier" gorm:"size:16;not null;index"`
	Status         Status     `json:"status" gorm:"size:16;not null;index"`
	IssuedAt       time.Time  `json:"issued_at" gorm:"not null"`
	ValidUntil     *time.Time `json:"valid_until"`
	AssignedUserID *string    `json:"assigned_user_id" gorm:"size:64;index"`
	ActivatedAt    *time.Time `json:"activated_at"`
	ExpiredAt      *time.Time `json:"expired_at"`
	RevokedAt      *time.Time `json:"revoked_at"`
	RevokeReason   string     `json:"revoke_reason,omitempty"`
	Note           string     `json:"note,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (LicenseKey) TableName() string {
	return "license_keys"
}

// Lapsed 有效期已过（不考虑状态）
func (k *LicenseKey) Lapsed(now time.Time) bool {
	return k.ValidUntil != nil && now.After(*k.ValidUntil)
}

func (k *LicenseKey) AssignedTo(userID string) bool {
	return k.AssignedUserID != nil && *k.AssignedUserID == userID
}

// User returns the assigned user id, or "" when the key is unassigned.
func (k *LicenseKey) User() string {
	if k.AssignedUserID == nil {
		return ""
	}
	return *k.AssignedUserID
}

// Consistent checks the assignment invariant: issued keys are never assigned and
// every other status was reached through an activation or revocation.
func (k *LicenseKey) Consistent() bool {
	switch k.Status {
	case StatusIssued:
		return k.AssignedUserID == nil
	case StatusActive, StatusExpired:
		return k.AssignedUserID != nil
	case StatusRevoked:
		return true
	}
	return false
}
