package model

// LicenseStatistics 许可证统计信息
type LicenseStatistics struct {
	TotalLicenses    int64            `json:"total_licenses"`
	ByStatus         map[Status]int64 `json:"by_status"`
	ByTier           map[Tier]int64   `json:"by_tier"`
	ExpiringSoon     int64            `json:"expiring_soon"`
	RequestsToday    int64            `json:"requests_today"`
	ActiveUsersToday int64            `json:"active_users_today"`
}

func NewLicenseStatistics() *LicenseStatistics {
	return &LicenseStatistics{
		ByStatus: make(map[Status]int64),
		ByTier:   make(map[Tier]int64),
	}
}

// ActivationRate 已激活（含之后过期/吊销）的占比
func (ls *LicenseStatistics) ActivationRate() float64 {
	if ls.TotalLicenses == 0 {
		return 0
	}
	used := ls.TotalLicenses - ls.ByStatus[StatusIssued]
	return float64(used) / float64(ls.TotalLicenses)
}

// Count 获取指定状态的许可证数量
func (ls *LicenseStatistics) Count(status Status) int64 {
	return ls.ByStatus[status]
}
