package license

import (
	"time"

	"market-analysis-bot/internal/config"
	"market-analysis-bot/internal/model"
)

// TierPolicy 等级的有效期、每日配额和可用功能
type TierPolicy struct {
	DurationDays int
	DailyQuota   int64
	Features     []string
}

// Expires reports whether keys of this tier have a validity window.
func (p TierPolicy) Expires() bool {
	return p.DurationDays > 0
}

func (p TierPolicy) Unlimited() bool {
	return p.DailyQuota <= 0
}

// Includes 功能列表为空表示全部功能可用
func (p TierPolicy) Includes(feature string) bool {
	if len(p.Features) == 0 {
		return true
	}
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Policy is the tier table. It is built once at startup and never mutated.
type Policy map[model.Tier]TierPolicy

func DefaultPolicy() Policy {
	return Policy{
		model.TierTrial:    {DurationDays: 3, DailyQuota: 10},
		model.TierStandard: {DurationDays: 30, DailyQuota: 100},
		model.TierPremium:  {DurationDays: 90},
		model.TierLifetime: {},
	}
}

func PolicyFromConfig(tiers map[string]config.TierConfig) Policy {
	p := make(Policy, len(tiers))
	for name, tc := range tiers {
		p[model.Tier(name)] = TierPolicy{
			DurationDays: tc.DurationDays,
			DailyQuota:   int64(tc.DailyQuota),
			Features:     append([]string(nil), tc.Features...),
		}
	}
	return p
}

func (p Policy) For(tier model.Tier) (TierPolicy, bool) {
	tp, ok := p[tier]
	return tp, ok
}

// Window 配额窗口按配置时区的自然日对齐
type Window struct {
	loc *time.Location
}

func NewWindow(loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	return Window{loc: loc}
}

// Start returns the beginning of the calendar day containing t.
func (w Window) Start(t time.Time) time.Time {
	t = t.In(w.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, w.loc)
}

func (w Window) End(t time.Time) time.Time {
	return w.Start(t).AddDate(0, 0, 1)
}
